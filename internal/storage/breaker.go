package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// BreakerProvider wraps a Provider with circuit breaker protection. When the
// backend fails repeatedly the circuit opens and calls fail fast; the
// registry's fail-soft reads then collapse to empty instead of hammering a
// broken backend on every snapshot.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

// NewBreakerProvider wraps inner with a circuit breaker.
// If cfg is zero-valued, defaults are used.
func NewBreakerProvider(inner Provider, cfg BreakerConfig, logger *slog.Logger) *BreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	settings := gobreaker.Settings{
		Name:     "storage",
		Interval: interval,
		Timeout:  timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		logger:  logger,
	}
}

func (b *BreakerProvider) Get(key string) ([]byte, bool, error) {
	var present bool
	value, err := b.breaker.Execute(func() ([]byte, error) {
		v, ok, err := b.inner.Get(key)
		present = ok
		return v, err
	})
	if err != nil {
		return nil, false, err
	}
	return value, present, nil
}

func (b *BreakerProvider) Set(key string, value []byte) error {
	_, err := b.breaker.Execute(func() ([]byte, error) {
		return nil, b.inner.Set(key, value)
	})
	return err
}

func (b *BreakerProvider) Remove(key string) error {
	_, err := b.breaker.Execute(func() ([]byte, error) {
		return nil, b.inner.Remove(key)
	})
	return err
}

func (b *BreakerProvider) Watch(ctx context.Context) (<-chan string, error) {
	return b.inner.Watch(ctx)
}

func (b *BreakerProvider) Close() error {
	return b.inner.Close()
}
