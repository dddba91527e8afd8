// Package storage defines the key-value persistence provider the plugin
// registry runs on, and its backends. A provider stores opaque documents per
// key and reports keys mutated by other writers (another process for the file
// backend, another connection for sqlite) through Watch. Same-process writes
// are signaled by the registry's own notification path instead, so both
// delivery paths together give full coverage.
package storage

import "context"

// Provider is the persistence substrate for the plugin registry.
type Provider interface {
	// Get returns the value stored under key. The second result is false
	// when the key is absent; absence is not an error.
	Get(key string) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value atomically.
	Set(key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
	// Watch returns a channel delivering keys changed by other writers.
	// The channel closes when ctx is done or the provider is closed.
	// Watch may deliver spurious or coalesced keys; receivers re-read.
	Watch(ctx context.Context) (<-chan string, error)
	// Close releases backend resources. Watch channels close as a result.
	Close() error
}
