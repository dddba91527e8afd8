package registry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolshed/internal/domain"
	"toolshed/internal/exec"
	"toolshed/internal/exec/wasm"
	"toolshed/internal/storage"
)

func newTestSession(t *testing.T, scope string) (*Session, *Store) {
	t.Helper()
	store, _ := newTestStore(t)
	session := NewSession(store, scope, testLogger())
	t.Cleanup(session.Close)
	return session, store
}

func TestSessionInstallUpdatesSnapshot(t *testing.T) {
	session, _ := newTestSession(t, "s1")

	assert.Empty(t, session.List())
	assert.False(t, session.IsInstalled("echo"))

	require.NoError(t, session.Install(echoDefinition()))

	// The store notifies synchronously, so the snapshot is already current.
	plugins := session.List()
	require.Len(t, plugins, 1)
	assert.Equal(t, "echo", plugins[0].Name)
	assert.True(t, session.IsInstalled("echo"))
	assert.True(t, session.IsEnabled("echo"))
}

func TestSessionEnableDisable(t *testing.T) {
	session, _ := newTestSession(t, "s1")
	require.NoError(t, session.Install(echoDefinition()))

	require.NoError(t, session.Disable("echo"))
	assert.True(t, session.IsInstalled("echo"))
	assert.False(t, session.IsEnabled("echo"))

	require.NoError(t, session.Enable("echo"))
	assert.True(t, session.IsEnabled("echo"))
}

func TestSessionIsEnabledUnknownName(t *testing.T) {
	session, _ := newTestSession(t, "s1")
	assert.False(t, session.IsEnabled("ghost"))
}

func TestSessionResetRestoresDefaults(t *testing.T) {
	session, _ := newTestSession(t, "s1")
	require.NoError(t, session.Install(echoDefinition()))
	require.NoError(t, session.Disable("echo"))
	require.False(t, session.IsEnabled("echo"))

	require.NoError(t, session.Reset())
	assert.True(t, session.IsEnabled("echo"), "reset returns plugins to enabled-by-default")
}

func TestSessionsShareInstallsButNotEnablement(t *testing.T) {
	store, _ := newTestStore(t)
	work := NewSession(store, "work", testLogger())
	defer work.Close()
	home := NewSession(store, "home", testLogger())
	defer home.Close()

	require.NoError(t, work.Install(echoDefinition()))
	require.NoError(t, work.Disable("echo"))

	// Installation is global; enablement stays per scope.
	assert.True(t, home.IsInstalled("echo"))
	assert.True(t, home.IsEnabled("echo"))
	assert.False(t, work.IsEnabled("echo"))
}

func TestSessionUninstallPropagates(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewSession(store, "a", testLogger())
	defer a.Close()
	b := NewSession(store, "b", testLogger())
	defer b.Close()

	require.NoError(t, a.Install(echoDefinition()))
	require.True(t, b.IsInstalled("echo"))

	require.NoError(t, b.Uninstall("echo"))
	assert.False(t, b.IsInstalled("echo"))
	assert.False(t, a.IsInstalled("echo"))
}

func TestSessionEnabledHydrated(t *testing.T) {
	session, _ := newTestSession(t, "s1")

	require.NoError(t, session.Install(echoDefinition()))
	other := echoDefinition()
	other.Name = "disabled-one"
	require.NoError(t, session.Install(other))
	require.NoError(t, session.Disable("disabled-one"))

	hydrated := session.EnabledHydrated()
	require.Len(t, hydrated, 1)
	assert.Equal(t, "echo", hydrated[0].Name)
	assert.Contains(t, hydrated[0].Executors, "echo_tool")
}

func TestSessionOnChange(t *testing.T) {
	session, _ := newTestSession(t, "s1")

	var snapshots [][]domain.StoredPlugin
	unsub := session.OnChange(func(plugins []domain.StoredPlugin) {
		snapshots = append(snapshots, plugins)
	})

	require.NoError(t, session.Install(echoDefinition()))
	require.Len(t, snapshots, 1)
	require.Len(t, snapshots[0], 1)

	unsub()
	assert.NotPanics(t, unsub)

	require.NoError(t, session.Disable("echo"))
	assert.Len(t, snapshots, 1, "unsubscribed handler must not fire")
}

func TestSessionObservesForeignWriter(t *testing.T) {
	// Two providers over the same data simulate two processes; each gets its
	// own store and session. A write through one must surface in the other
	// through the storage watch alone.
	tab1 := storage.NewMemory()
	t.Cleanup(func() { tab1.Close() })
	tab2 := tab1.NewTab()

	hydrator := NewHydrator(exec.NewCatalog(), wasm.DefaultLimits(), testLogger())
	store1 := NewStore(tab1, hydrator, testLogger())
	store2 := NewStore(tab2, hydrator, testLogger())

	session := NewSession(store1, "shared", testLogger())
	defer session.Close()

	var notified atomic.Bool
	session.OnChange(func([]domain.StoredPlugin) { notified.Store(true) })

	require.NoError(t, store2.Install(echoDefinition(), true, "shared"))

	require.Eventually(t, func() bool {
		return session.IsInstalled("echo") && notified.Load()
	}, time.Second, 10*time.Millisecond)
}

func TestSessionIgnoresOtherScopesForeignWrites(t *testing.T) {
	tab1 := storage.NewMemory()
	t.Cleanup(func() { tab1.Close() })
	tab2 := tab1.NewTab()

	hydrator := NewHydrator(exec.NewCatalog(), wasm.DefaultLimits(), testLogger())
	store1 := NewStore(tab1, hydrator, testLogger())
	store2 := NewStore(tab2, hydrator, testLogger())

	require.NoError(t, store2.Install(echoDefinition(), true, "mine"))

	session := NewSession(store1, "mine", testLogger())
	defer session.Close()

	var calls atomic.Int64
	session.OnChange(func([]domain.StoredPlugin) { calls.Add(1) })

	// Enablement writes for an unrelated scope touch only that scope's key.
	require.NoError(t, store2.SetEnabled("echo", false, "other"))

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.True(t, session.IsEnabled("echo"))
}
