package storage

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"context"

	"github.com/fsnotify/fsnotify"
)

const fileSuffix = ".json"

// File stores one document per key as a file under a root directory and uses
// fsnotify to observe writes from other processes. Writes are atomic
// (temp file + rename), so another process never reads a torn document.
type File struct {
	root string

	mu         sync.Mutex
	selfWrites map[string]int // pending fsnotify events caused by this process
	watchers   []*fsnotify.Watcher
	closed     bool
}

// NewFile creates (if needed) the root directory and returns a file-backed
// provider rooted there.
func NewFile(root string) (*File, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &File{
		root:       root,
		selfWrites: make(map[string]int),
	}, nil
}

// encodeKey maps a key to a filename reversibly; keys may contain separators.
func encodeKey(key string) string {
	return url.PathEscape(key) + fileSuffix
}

func decodeKey(name string) (string, bool) {
	if !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	return key, true
}

func (f *File) path(key string) string {
	return filepath.Join(f.root, encodeKey(key))
}

func (f *File) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %q: %w", key, err)
	}
	return data, true, nil
}

func (f *File) Set(key string, value []byte) error {
	name := encodeKey(key)
	tmp, err := os.CreateTemp(f.root, name+".tmp*")
	if err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %q: %w", key, err)
	}

	f.markSelfWrite(name)
	if err := os.Rename(tmpName, filepath.Join(f.root, name)); err != nil {
		f.consumeSelfWrite(name)
		os.Remove(tmpName)
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// Remove marks a self-write only when the file exists; removing an absent key
// raises no fsnotify event, and a leftover suppression credit would swallow
// the next foreign event for that key.
func (f *File) Remove(key string) error {
	name := encodeKey(key)
	path := filepath.Join(f.root, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	f.markSelfWrite(name)
	if err := os.Remove(path); err != nil {
		f.consumeSelfWrite(name)
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Watch observes the root directory and delivers keys written by other
// processes. This process's own writes are filtered out best-effort.
func (f *File) Watch(ctx context.Context) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(f.root); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", f.root, err)
	}

	f.mu.Lock()
	f.watchers = append(f.watchers, w)
	f.mu.Unlock()

	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				name := filepath.Base(ev.Name)
				key, ok := decodeKey(name)
				if !ok {
					continue
				}
				if f.consumeSelfWrite(name) {
					continue
				}
				select {
				case ch <- key:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var firstErr error
	for _, w := range f.watchers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.watchers = nil
	return firstErr
}

func (f *File) markSelfWrite(name string) {
	f.mu.Lock()
	f.selfWrites[name]++
	f.mu.Unlock()
}

func (f *File) consumeSelfWrite(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selfWrites[name] > 0 {
		f.selfWrites[name]--
		if f.selfWrites[name] == 0 {
			delete(f.selfWrites, name)
		}
		return true
	}
	return false
}
