package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const defaultPollInterval = 500 * time.Millisecond

// SQLite stores documents in a single kv table. Cross-process change
// detection polls per-key version counters; this process's own writes update
// the local snapshot immediately so the poller only reports foreign writes.
// One poller serves all Watch subscribers, fanning each foreign-changed key
// out to every channel.
type SQLite struct {
	db   *sql.DB
	poll time.Duration

	mu       sync.Mutex
	lastSeen map[string]int64
	watchers []chan string
	polling  bool
	closed   bool
	stop     chan struct{}
}

// NewSQLite opens (or creates) a database at dbPath and runs the migration.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open kv db: %w", err)
	}
	// WAL mode for concurrent readers in other processes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key     TEXT PRIMARY KEY,
			value   BLOB NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate kv db: %w", err)
	}

	s := &SQLite{
		db:       db,
		poll:     defaultPollInterval,
		lastSeen: make(map[string]int64),
		stop:     make(chan struct{}),
	}
	if err := s.snapshot(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetPollInterval adjusts the Watch polling cadence. Call before Watch.
func (s *SQLite) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.poll = d
	}
}

func (s *SQLite) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) Set(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, version) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = kv.version + 1
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	// Record the resulting version so the poller skips this write.
	var version int64
	if err := s.db.QueryRow("SELECT version FROM kv WHERE key = ?", key).Scan(&version); err == nil {
		s.mu.Lock()
		s.lastSeen[key] = version
		s.mu.Unlock()
	}
	return nil
}

func (s *SQLite) Remove(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	s.mu.Lock()
	delete(s.lastSeen, key)
	s.mu.Unlock()
	return nil
}

// Watch registers a channel with the shared poller. Every subscriber receives
// every foreign-changed key; the channel closes when ctx is done or the
// provider is closed.
func (s *SQLite) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, nil
	}
	s.watchers = append(s.watchers, ch)
	if !s.polling {
		s.polling = true
		go s.pollLoop()
	}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.removeWatcher(ch)
		case <-s.stop:
		}
	}()
	return ch, nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stop)
		for _, ch := range s.watchers {
			close(ch)
		}
		s.watchers = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

// pollLoop ticks the version diff and fans changed keys out to every
// registered watcher. Delivery is best-effort; a full channel drops the key.
func (s *SQLite) pollLoop() {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			changed := s.diff()
			if len(changed) == 0 {
				continue
			}
			// Sends are nonblocking, so fan-out holds the lock; channels
			// cannot be closed out from under it.
			s.mu.Lock()
			for _, key := range changed {
				for _, ch := range s.watchers {
					select {
					case ch <- key:
					default:
					}
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *SQLite) removeWatcher(ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for i, c := range s.watchers {
		if c == ch {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			close(ch)
			return
		}
	}
}

// snapshot primes lastSeen with current versions.
func (s *SQLite) snapshot() error {
	rows, err := s.db.Query("SELECT key, version FROM kv")
	if err != nil {
		return fmt.Errorf("snapshot kv: %w", err)
	}
	defer rows.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var key string
		var version int64
		if err := rows.Scan(&key, &version); err != nil {
			return fmt.Errorf("snapshot kv: %w", err)
		}
		s.lastSeen[key] = version
	}
	return rows.Err()
}

// diff reconciles lastSeen against the table and returns foreign-changed keys.
func (s *SQLite) diff() []string {
	rows, err := s.db.Query("SELECT key, version FROM kv")
	if err != nil {
		return nil
	}
	defer rows.Close()

	current := make(map[string]int64)
	for rows.Next() {
		var key string
		var version int64
		if err := rows.Scan(&key, &version); err != nil {
			return nil
		}
		current[key] = version
	}
	if rows.Err() != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for key, version := range current {
		if s.lastSeen[key] != version {
			changed = append(changed, key)
		}
	}
	for key := range s.lastSeen {
		if _, ok := current[key]; !ok {
			changed = append(changed, key)
		}
	}
	s.lastSeen = current
	return changed
}
