package storage

import (
	"context"
	"sync"
)

// memoryShared is the state shared between all tabs of one in-memory store.
type memoryShared struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[*Memory][]chan string
	closed   bool
}

// Memory is a map-backed Provider. NewTab returns a second handle over the
// same data whose writes are visible to this handle's Watch channel,
// mirroring how a second browser tab raises storage events in the first.
type Memory struct {
	shared *memoryShared
}

// NewMemory creates an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{shared: &memoryShared{
		data:     make(map[string][]byte),
		watchers: make(map[*Memory][]chan string),
	}}
}

// NewTab returns a new handle sharing this provider's data. Writes through
// one handle are delivered to Watch channels of every other handle.
func (m *Memory) NewTab() *Memory {
	return &Memory{shared: m.shared}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	s := m.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Set(key string, value []byte) error {
	s := m.shared
	s.mu.Lock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	s.mu.Unlock()
	m.notifyOthers(key)
	return nil
}

func (m *Memory) Remove(key string) error {
	s := m.shared
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	m.notifyOthers(key)
	return nil
}

// Watch delivers keys mutated through other handles of the same store.
func (m *Memory) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	s := m.shared
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, nil
	}
	s.watchers[m] = append(s.watchers[m], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		chans := s.watchers[m]
		for i, c := range chans {
			if c == ch {
				s.watchers[m] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

func (m *Memory) Close() error {
	s := m.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, chans := range s.watchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.watchers = make(map[*Memory][]chan string)
	return nil
}

// notifyOthers delivers key to watchers registered through other handles.
// Delivery is best-effort: a full channel drops the key rather than block.
func (m *Memory) notifyOthers(key string) {
	s := m.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	for owner, chans := range s.watchers {
		if owner == m {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- key:
			default:
			}
		}
	}
}
