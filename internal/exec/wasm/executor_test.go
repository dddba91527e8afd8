package wasm

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolshed/internal/domain"
)

// emptyModule is the smallest valid wasm binary: magic and version only.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := NewRuntime(context.Background(), DefaultRuntimeConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func TestNewExecutorRejectsGarbage(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := NewExecutor(context.Background(), rt, []byte("not wasm"), "", DefaultLimits(), testLogger())
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "compile")
}

func TestNewExecutorRejectsMissingExport(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := NewExecutor(context.Background(), rt, emptyModule, "execute", DefaultLimits(), testLogger())
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), `does not export "execute"`)
}
