package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"toolshed/internal/domain"
)

// watchRefreshRate coalesces bursts of storage watch events into re-reads.
var watchRefreshRate = rate.Every(50 * time.Millisecond)

// Session is the reactive, scope-bound view of the registry. It combines the
// globally installed plugin list with its scope's enablement state, keeps a
// current snapshot, and republishes on both same-process store notifications
// and foreign-writer storage events. Mutations are thin delegations to the
// store bound to this session's scope.
type Session struct {
	store  *Store
	scope  string
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot []domain.StoredPlugin

	subMu  sync.Mutex
	subs   []subscription
	nextID atomic.Uint64

	unsubStore  func()
	cancelWatch context.CancelFunc
}

// NewSession creates a session bound to scope and starts both change-delivery
// paths. The caller must Close the session when done with it.
func NewSession(store *Store, scope string, logger *slog.Logger) *Session {
	s := &Session{
		store:  store,
		scope:  scope,
		logger: logger.With("scope", scope),
	}
	s.snapshot = store.LoadForScope(scope)

	// Same-process path: the store calls back synchronously after a persist.
	s.unsubStore = store.OnChange(func(plugins []domain.StoredPlugin) {
		s.publish(plugins)
	}, scope)

	// Cross-process path: re-read when another writer touches our keys.
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelWatch = cancel
	go s.watch(ctx)

	return s
}

// Scope returns the session's scope identifier.
func (s *Session) Scope() string {
	return s.scope
}

// List returns the current snapshot: every installed plugin with this scope's
// enablement applied.
func (s *Session) List() []domain.StoredPlugin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StoredPlugin, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

// EnabledHydrated returns the enabled plugins with behavior reconstructed.
// This is the payload a chat-client integration registers for the scope.
func (s *Session) EnabledHydrated() []domain.HydratedPlugin {
	var out []domain.HydratedPlugin
	for _, p := range s.List() {
		if !p.Enabled {
			continue
		}
		out = append(out, s.store.Hydrate(p))
	}
	return out
}

// Install installs the definition globally, enabled for this scope.
func (s *Session) Install(def domain.Definition) error {
	return s.store.Install(def, true, s.scope)
}

// Uninstall removes the plugin globally.
func (s *Session) Uninstall(name string) error {
	return s.store.Uninstall(name, s.scope)
}

// Enable enables the plugin in this scope.
func (s *Session) Enable(name string) error {
	return s.store.SetEnabled(name, true, s.scope)
}

// Disable disables the plugin in this scope only.
func (s *Session) Disable(name string) error {
	return s.store.SetEnabled(name, false, s.scope)
}

// Reset clears this scope's enablement map; every installed plugin returns
// to enabled-by-default.
func (s *Session) Reset() error {
	return s.store.ClearScope(s.scope)
}

// IsInstalled reports whether a plugin of that name is globally installed.
func (s *Session) IsInstalled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.snapshot {
		if p.Name == name {
			return true
		}
	}
	return false
}

// IsEnabled reports whether the plugin is installed and enabled in this
// scope. Unknown names are not enabled.
func (s *Session) IsEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.snapshot {
		if p.Name == name {
			return p.Enabled
		}
	}
	return false
}

// OnChange registers a callback receiving each new snapshot. The returned
// unsubscribe function is idempotent.
func (s *Session) OnChange(handler ChangeHandler) func() {
	id := s.nextID.Add(1)
	s.subMu.Lock()
	s.subs = append(s.subs, subscription{id: id, handler: handler})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Close detaches the session from both delivery paths.
func (s *Session) Close() {
	s.unsubStore()
	s.cancelWatch()
}

// watch re-reads and republishes when another process writes the installed
// list or this scope's enablement key. Event bursts are coalesced.
func (s *Session) watch(ctx context.Context) {
	events, err := s.store.WatchKeys(ctx)
	if err != nil {
		s.logger.Warn("storage watch unavailable, cross-process sync disabled", "error", err)
		return
	}
	limiter := rate.NewLimiter(watchRefreshRate, 1)
	enabledKey := EnabledKey(s.scope)
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-events:
			if !ok {
				return
			}
			if key != installedKey && key != enabledKey {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			s.publish(s.store.LoadForScope(s.scope))
		}
	}
}

// publish replaces the snapshot and fans it out to session subscribers.
func (s *Session) publish(plugins []domain.StoredPlugin) {
	s.mu.Lock()
	s.snapshot = plugins
	s.mu.Unlock()

	s.subMu.Lock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("session change handler panicked", "panic", r)
				}
			}()
			sub.handler(plugins)
		}()
	}
}
