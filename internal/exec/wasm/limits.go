package wasm

import "time"

// Limits caps a single executor's resource use.
type Limits struct {
	// MaxMemoryMB bounds the guest's linear memory. Default 64.
	MaxMemoryMB int `yaml:"max_memory_mb"`
	// ExecTimeout bounds a single invocation. Default 30s.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// DefaultLimits returns the default executor limits.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB: 64,
		ExecTimeout: 30 * time.Second,
	}
}

// withDefaults fills zero fields with defaults.
func (l Limits) withDefaults() Limits {
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = 64
	}
	if l.ExecTimeout <= 0 {
		l.ExecTimeout = 30 * time.Second
	}
	return l
}

// MemoryPages returns the number of wasm 64KB memory pages corresponding
// to the configured memory limit.
func (l Limits) MemoryPages() uint32 {
	return uint32(l.MaxMemoryMB) * 16 // 1 MB = 16 pages of 64KB
}
