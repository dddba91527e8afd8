// Package exec provides the executor backends a persisted plugin's behavior
// can be reconstructed from: compiled handlers looked up by key (preferred),
// JavaScript source evaluated with goja, and wasm modules run under a
// sandboxed runtime.
package exec

import (
	"fmt"
	"sync"

	"toolshed/internal/domain"
)

// Catalog holds compiled executors and hook sets that persisted plugins
// reference by key. It is constructed explicitly by the host at startup and
// passed to whatever needs it; there is no package-level registry.
type Catalog struct {
	mu        sync.RWMutex
	executors map[string]domain.Executor
	hooks     map[string]*domain.Hooks
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		executors: make(map[string]domain.Executor),
		hooks:     make(map[string]*domain.Hooks),
	}
}

// RegisterExecutor adds a handler. Returns error if key is already taken.
func (c *Catalog) RegisterExecutor(key string, fn domain.Executor) error {
	if fn == nil {
		return fmt.Errorf("%w: nil executor for %q", domain.ErrInvalidInput, key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.executors[key]; exists {
		return fmt.Errorf("executor %q already registered", key)
	}
	c.executors[key] = fn
	return nil
}

// RegisterHooks adds a hook set. Returns error if key is already taken.
func (c *Catalog) RegisterHooks(key string, h *domain.Hooks) error {
	if h == nil {
		return fmt.Errorf("%w: nil hooks for %q", domain.ErrInvalidInput, key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.hooks[key]; exists {
		return fmt.Errorf("hooks %q already registered", key)
	}
	c.hooks[key] = h
	return nil
}

// Executor retrieves a handler by key.
func (c *Catalog) Executor(key string) (domain.Executor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.executors[key]
	return fn, ok
}

// Hooks retrieves a hook set by key.
func (c *Catalog) Hooks(key string) (*domain.Hooks, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hooks[key]
	return h, ok
}
