// Package registry implements the scope-aware plugin registry: a global set
// of installed tool plugins persisted through a key-value storage provider,
// per-scope enable/disable state, and reconstruction of executable behavior
// from the persisted records.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"toolshed/internal/domain"
	"toolshed/internal/storage"
)

// Storage keys. The installed list is global; enablement is one document per
// scope so no two scopes ever write the same key.
const (
	installedKey     = "plugins-installed"
	enabledKeyPrefix = "plugins-enabled-"
)

// EnabledKey returns the storage key holding a scope's enablement map.
func EnabledKey(scope string) string {
	return enabledKeyPrefix + scope
}

// ChangeHandler receives the scope's post-write state after a mutation.
type ChangeHandler func(plugins []domain.StoredPlugin)

type subscription struct {
	id      uint64
	handler ChangeHandler
}

// Store is the sole owner of the persisted plugin bytes. Mutations are
// read-modify-write turns serialized by writeMu, so concurrent same-process
// callers cannot lose each other's updates; change notification is a direct
// callback invocation after a successful persist, so subscribers always
// observe a consistent post-write state. Cross-process writes stay
// last-write-wins at the provider level.
type Store struct {
	provider storage.Provider
	hydrator *Hydrator
	logger   *slog.Logger

	writeMu sync.Mutex // serializes load-mutate-persist sequences

	mu     sync.Mutex
	subs   map[string][]subscription // scope -> subscribers
	nextID atomic.Uint64
}

// NewStore creates a store over the given provider.
func NewStore(provider storage.Provider, hydrator *Hydrator, logger *slog.Logger) *Store {
	return &Store{
		provider: provider,
		hydrator: hydrator,
		logger:   logger,
		subs:     make(map[string][]subscription),
	}
}

// LoadInstalled reads the global installed-plugin list. Absent, corrupted, or
// unavailable storage collapses to an empty list; a registry with no readable
// state behaves identically to a fresh installation.
func (s *Store) LoadInstalled() []domain.StoredPlugin {
	data, ok, err := s.provider.Get(installedKey)
	if err != nil {
		s.logger.Warn("installed list unreadable", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var plugins []domain.StoredPlugin
	if err := json.Unmarshal(data, &plugins); err != nil {
		s.logger.Warn("installed list corrupted, treating as empty", "error", err)
		return nil
	}
	return plugins
}

// LoadEnabledState reads a scope's enablement map with the same fail-soft
// behavior as LoadInstalled.
func (s *Store) LoadEnabledState(scope string) map[string]bool {
	data, ok, err := s.provider.Get(EnabledKey(scope))
	if err != nil {
		s.logger.Warn("enabled state unreadable", "scope", scope, "error", err)
		return map[string]bool{}
	}
	if !ok {
		return map[string]bool{}
	}
	var state map[string]bool
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("enabled state corrupted, treating as empty", "scope", scope, "error", err)
		return map[string]bool{}
	}
	if state == nil {
		state = map[string]bool{}
	}
	return state
}

// LoadForScope joins the installed list with the scope's enablement map.
// A plugin with no explicit entry defaults to enabled, so new installs
// surface in every scope without per-scope action.
func (s *Store) LoadForScope(scope string) []domain.StoredPlugin {
	plugins := s.LoadInstalled()
	state := s.LoadEnabledState(scope)
	for i := range plugins {
		enabled, ok := state[plugins[i].Name]
		if !ok {
			enabled = true
		}
		plugins[i].Enabled = enabled
	}
	return plugins
}

// Install serializes the definition and upserts it by name into the global
// list, sets the calling scope's initial enablement, and notifies every
// subscribed scope. Re-installing an existing name replaces its payload
// but preserves its identity and first-install time. The plugin's OnRegister
// hook fires once per install, best-effort, before notification.
func (s *Store) Install(def domain.Definition, initialEnabled bool, scope string) error {
	if def.Name == "" {
		return domain.NewDomainError("Store.Install", domain.ErrInvalidInput, "plugin name is empty")
	}

	record := serializeDefinition(def)
	checkToolSchemas(record, s.logger)

	if err := s.upsert(&record, initialEnabled, scope); err != nil {
		return domain.WrapOp("Store.Install", err)
	}

	s.fireOnRegister(record)
	s.logger.Info("plugin installed", "name", record.Name, "version", record.Version, "scope", scope)
	s.notifyAll()
	return nil
}

// upsert performs Install's load-mutate-persist turn under the write lock.
// Re-installation preserves the record's identity; the record is updated in
// place so the caller sees the assigned ID and install time.
func (s *Store) upsert(record *domain.StoredPlugin, initialEnabled bool, scope string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	plugins := s.LoadInstalled()
	replaced := false
	for i := range plugins {
		if plugins[i].Name == record.Name {
			record.ID = plugins[i].ID
			record.InstalledAt = plugins[i].InstalledAt
			plugins[i] = *record
			replaced = true
			break
		}
	}
	if !replaced {
		record.ID = ulid.Make().String()
		record.InstalledAt = time.Now().UTC()
		plugins = append(plugins, *record)
	}

	if err := s.persistInstalled(plugins); err != nil {
		return err
	}

	state := s.LoadEnabledState(scope)
	state[record.Name] = initialEnabled
	return s.persistEnabled(scope, state)
}

// Uninstall removes the plugin from the global list and deletes the calling
// scope's enablement entry. Other scopes' stale entries are left in place;
// they become inert once the global record is gone.
func (s *Store) Uninstall(name, scope string) error {
	if err := s.remove(name, scope); err != nil {
		return domain.WrapOp("Store.Uninstall", err)
	}
	s.logger.Info("plugin uninstalled", "name", name, "scope", scope)
	s.notifyAll()
	return nil
}

func (s *Store) remove(name, scope string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	plugins := s.LoadInstalled()
	kept := plugins[:0]
	for _, p := range plugins {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	if err := s.persistInstalled(kept); err != nil {
		return err
	}

	state := s.LoadEnabledState(scope)
	delete(state, name)
	return s.persistEnabled(scope, state)
}

// SetEnabled flips the plugin's enablement in one scope only. Writing a name
// that was never installed persists silently; the join never surfaces it.
func (s *Store) SetEnabled(name string, enabled bool, scope string) error {
	s.writeMu.Lock()
	state := s.LoadEnabledState(scope)
	state[name] = enabled
	err := s.persistEnabled(scope, state)
	s.writeMu.Unlock()
	if err != nil {
		return domain.WrapOp("Store.SetEnabled", err)
	}
	s.notify(scope)
	return nil
}

// ClearScope deletes the scope's entire enablement map, resetting every
// installed plugin to the enabled-by-default state for that scope.
func (s *Store) ClearScope(scope string) error {
	s.writeMu.Lock()
	err := s.provider.Remove(EnabledKey(scope))
	s.writeMu.Unlock()
	if err != nil {
		return domain.WrapOp("Store.ClearScope", err)
	}
	s.notify(scope)
	return nil
}

// Hydrate reconstructs a stored record's executable behavior.
func (s *Store) Hydrate(p domain.StoredPlugin) domain.HydratedPlugin {
	return s.hydrator.Hydrate(p)
}

// OnChange registers a callback invoked with the scope's current state after
// every same-process mutation of that scope. The returned unsubscribe
// function is idempotent.
func (s *Store) OnChange(handler ChangeHandler, scope string) func() {
	id := s.nextID.Add(1)

	s.mu.Lock()
	s.subs[scope] = append(s.subs[scope], subscription{id: id, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[scope]
		for i, sub := range subs {
			if sub.id == id {
				s.subs[scope] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// WatchKeys exposes the provider's foreign-writer change channel so per-scope
// views can observe mutations from other processes.
func (s *Store) WatchKeys(ctx context.Context) (<-chan string, error) {
	return s.provider.Watch(ctx)
}

// notifyAll notifies every subscribed scope. Installs and uninstalls mutate
// the global list, which every scope's joined view depends on.
func (s *Store) notifyAll() {
	s.mu.Lock()
	scopes := make([]string, 0, len(s.subs))
	for scope := range s.subs {
		scopes = append(scopes, scope)
	}
	s.mu.Unlock()

	for _, scope := range scopes {
		s.notify(scope)
	}
}

// notify delivers the scope's post-write snapshot to subscribers,
// synchronously, in registration order. A panicking handler is recovered so
// one subscriber cannot poison the write path.
func (s *Store) notify(scope string) {
	s.mu.Lock()
	subs := make([]subscription, len(s.subs[scope]))
	copy(subs, s.subs[scope])
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	snapshot := s.LoadForScope(scope)
	for _, sub := range subs {
		s.deliver(sub, snapshot)
	}
}

func (s *Store) deliver(sub subscription, snapshot []domain.StoredPlugin) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("change handler panicked", "panic", r)
		}
	}()
	sub.handler(snapshot)
}

// fireOnRegister hydrates the freshly installed record and runs its
// OnRegister hook once. Failures are routed to the plugin's OnError hook and
// logged; they never fail the install.
func (s *Store) fireOnRegister(record domain.StoredPlugin) {
	hydrated := s.hydrator.Hydrate(record)
	if hydrated.Hooks == nil || hydrated.Hooks.OnRegister == nil {
		return
	}
	if err := hydrated.Hooks.OnRegister(context.Background()); err != nil {
		s.logger.Warn("onRegister hook failed", "plugin", record.Name, "error", err)
		if hydrated.Hooks.OnError != nil {
			hydrated.Hooks.OnError(context.Background(), domain.HookFailure{
				Phase: domain.PhaseRegister,
				Err:   err,
			})
		}
	}
}

func (s *Store) persistInstalled(plugins []domain.StoredPlugin) error {
	data, err := json.Marshal(plugins)
	if err != nil {
		return fmt.Errorf("marshal installed list: %w", err)
	}
	return s.provider.Set(installedKey, data)
}

func (s *Store) persistEnabled(scope string, state map[string]bool) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal enabled state: %w", err)
	}
	return s.provider.Set(EnabledKey(scope), data)
}
