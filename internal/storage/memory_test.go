package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetRemove(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	_, ok, err := m.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set("k", []byte("v1")))
	data, ok, err := m.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), data)

	require.NoError(t, m.Remove("k"))
	_, ok, err = m.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	require.NoError(t, m.Set("k", []byte("aaa")))
	data, _, err := m.Get("k")
	require.NoError(t, err)
	data[0] = 'z'

	again, _, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("aaa"), again)
}

func TestMemoryTabsShareData(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	tab := m.NewTab()

	require.NoError(t, tab.Set("k", []byte("v")))
	data, ok, err := m.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), data)
}

func TestMemoryWatchSeesOnlyForeignWrites(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	tab := m.NewTab()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := m.Watch(ctx)
	require.NoError(t, err)

	// Own writes never echo back.
	require.NoError(t, m.Set("own", []byte("v")))
	select {
	case key := <-events:
		t.Fatalf("own write delivered: %q", key)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tab.Set("foreign", []byte("v")))
	select {
	case key := <-events:
		assert.Equal(t, "foreign", key)
	case <-time.After(time.Second):
		t.Fatal("foreign write not delivered")
	}

	require.NoError(t, tab.Remove("foreign"))
	select {
	case key := <-events:
		assert.Equal(t, "foreign", key)
	case <-time.After(time.Second):
		t.Fatal("foreign remove not delivered")
	}
}

func TestMemoryWatchClosesOnCancel(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := m.Watch(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryCloseClosesWatchers(t *testing.T) {
	m := NewMemory()
	events, err := m.Watch(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, open := <-events
	assert.False(t, open)

	// Close is idempotent and a post-close Watch yields a closed channel.
	require.NoError(t, m.Close())
	events, err = m.Watch(context.Background())
	require.NoError(t, err)
	_, open = <-events
	assert.False(t, open)
}
