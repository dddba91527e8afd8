package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolshed/internal/domain"
)

func TestCatalogRegisterAndLookup(t *testing.T) {
	c := NewCatalog()

	require.NoError(t, c.RegisterExecutor("ping", func(ctx context.Context, args map[string]any) (any, error) {
		return "pong", nil
	}))

	fn, ok := c.Executor("ping")
	require.True(t, ok)
	res, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", res)

	_, ok = c.Executor("missing")
	assert.False(t, ok)
}

func TestCatalogDuplicateExecutor(t *testing.T) {
	c := NewCatalog()
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }

	require.NoError(t, c.RegisterExecutor("x", noop))
	err := c.RegisterExecutor("x", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestCatalogNilExecutor(t *testing.T) {
	c := NewCatalog()
	err := c.RegisterExecutor("x", nil)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCatalogHooks(t *testing.T) {
	c := NewCatalog()
	hooks := &domain.Hooks{OnRegister: func(context.Context) error { return nil }}

	require.NoError(t, c.RegisterHooks("lifecycle", hooks))
	got, ok := c.Hooks("lifecycle")
	require.True(t, ok)
	assert.Same(t, hooks, got)

	require.Error(t, c.RegisterHooks("lifecycle", hooks))
	require.ErrorIs(t, c.RegisterHooks("other", nil), domain.ErrInvalidInput)
}
