package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolshed/internal/domain"
	"toolshed/internal/exec"
	"toolshed/internal/exec/wasm"
	"toolshed/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.Memory) {
	t.Helper()
	provider := storage.NewMemory()
	t.Cleanup(func() { provider.Close() })
	hydrator := NewHydrator(exec.NewCatalog(), wasm.DefaultLimits(), testLogger())
	return NewStore(provider, hydrator, testLogger()), provider
}

func newStoreWithCatalog(t *testing.T, catalog *exec.Catalog) *Store {
	t.Helper()
	provider := storage.NewMemory()
	t.Cleanup(func() { provider.Close() })
	hydrator := NewHydrator(catalog, wasm.DefaultLimits(), testLogger())
	return NewStore(provider, hydrator, testLogger())
}

func echoDefinition() domain.Definition {
	return domain.Definition{
		Name:    "echo",
		Version: "1.0.0",
		Tools: []domain.ToolDecl{
			{Name: "echo_tool", Description: "echoes its input"},
		},
		Executors: map[string]domain.ExecutorSpec{
			"echo_tool": domain.ScriptExecutor("async (a)=>({echoed:a.message})"),
		},
	}
}

func TestInstallAppearsInOtherScopes(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Install(echoDefinition(), true, "s1"))

	// A never-before-seen scope sees the plugin, enabled by default.
	plugins := store.LoadForScope("s2")
	require.Len(t, plugins, 1)
	assert.Equal(t, "echo", plugins[0].Name)
	assert.True(t, plugins[0].Enabled)
}

func TestInstallAssignsIdentityOnce(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	first := store.LoadInstalled()[0]
	require.NotEmpty(t, first.ID)
	require.False(t, first.InstalledAt.IsZero())

	// Re-install with a new version: payload replaced, identity preserved.
	def := echoDefinition()
	def.Version = "2.0.0"
	require.NoError(t, store.Install(def, true, "s1"))

	installed := store.LoadInstalled()
	require.Len(t, installed, 1)
	assert.Equal(t, first.ID, installed[0].ID)
	assert.Equal(t, first.InstalledAt, installed[0].InstalledAt)
	assert.Equal(t, "2.0.0", installed[0].Version)
}

func TestInstallEmptyName(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Install(domain.Definition{}, true, "s1")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestScopeIsolation(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	require.NoError(t, store.SetEnabled("echo", false, "s2"))

	s1 := store.LoadForScope("s1")
	require.Len(t, s1, 1)
	assert.True(t, s1[0].Enabled, "disabling in s2 must not touch s1")

	s2 := store.LoadForScope("s2")
	require.Len(t, s2, 1)
	assert.False(t, s2[0].Enabled)
}

func TestUninstallIsGlobal(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	require.Len(t, store.LoadForScope("s2"), 1)

	require.NoError(t, store.Uninstall("echo", "s1"))
	assert.Empty(t, store.LoadForScope("s2"))
	assert.Empty(t, store.LoadForScope("s1"))
}

func TestUninstallLeavesOtherScopeEntriesInert(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	require.NoError(t, store.SetEnabled("echo", false, "s2"))
	require.NoError(t, store.Uninstall("echo", "s1"))

	// s2's stale entry survives in storage but never surfaces.
	assert.Equal(t, map[string]bool{"echo": false}, store.LoadEnabledState("s2"))
	assert.Empty(t, store.LoadForScope("s2"))
}

func TestSetEnabledUnknownNameIsInert(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.SetEnabled("ghost", true, "s1"))
	assert.Empty(t, store.LoadForScope("s1"))
}

func TestClearScopeResetsToDefault(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	require.NoError(t, store.SetEnabled("echo", false, "s1"))
	require.False(t, store.LoadForScope("s1")[0].Enabled)

	require.NoError(t, store.ClearScope("s1"))

	plugins := store.LoadForScope("s1")
	require.Len(t, plugins, 1, "global install must survive a scope reset")
	assert.True(t, plugins[0].Enabled)
}

func TestCorruptedStateCollapsesToEmpty(t *testing.T) {
	store, provider := newTestStore(t)

	require.NoError(t, provider.Set(installedKey, []byte("{not json")))
	require.NoError(t, provider.Set(EnabledKey("s1"), []byte("[]garbage")))

	assert.Empty(t, store.LoadInstalled())
	assert.Empty(t, store.LoadEnabledState("s1"))
	assert.Empty(t, store.LoadForScope("s1"))

	// A corrupted registry behaves like a fresh one: installs still work.
	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	assert.Len(t, store.LoadForScope("s1"), 1)
}

func TestConcurrentMutationsLoseNoUpdates(t *testing.T) {
	store, _ := newTestStore(t)

	const n = 16
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			def := echoDefinition()
			def.Name = fmt.Sprintf("plugin-%d", i)
			assert.NoError(t, store.Install(def, true, "s1"))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, store.SetEnabled(fmt.Sprintf("plugin-%d", i), false, "s2"))
		}()
	}
	wg.Wait()

	assert.Len(t, store.LoadInstalled(), n)
	assert.Len(t, store.LoadEnabledState("s2"), n)
}

// failingProvider errors every read and write.
type failingProvider struct {
	storage.Memory
}

func (p *failingProvider) Get(key string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}

func (p *failingProvider) Set(key string, value []byte) error {
	return errors.New("backend down")
}

func TestUnavailableStorageReadsAsEmpty(t *testing.T) {
	provider := storage.NewBreakerProvider(&failingProvider{Memory: *storage.NewMemory()},
		storage.BreakerConfig{MaxFailures: 2}, testLogger())
	t.Cleanup(func() { provider.Close() })
	hydrator := NewHydrator(exec.NewCatalog(), wasm.DefaultLimits(), testLogger())
	store := NewStore(provider, hydrator, testLogger())

	// Reads stay empty whether the circuit is closed or open.
	for range 5 {
		assert.Empty(t, store.LoadForScope("s1"))
	}
	err := store.Install(echoDefinition(), true, "s1")
	require.Error(t, err)
}

func TestOnChangeDeliversPostWriteState(t *testing.T) {
	store, _ := newTestStore(t)

	var got [][]domain.StoredPlugin
	store.OnChange(func(plugins []domain.StoredPlugin) {
		got = append(got, plugins)
	}, "s1")

	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	require.Len(t, got, 1)
	require.Len(t, got[0], 1)
	assert.True(t, got[0][0].Enabled)

	require.NoError(t, store.SetEnabled("echo", false, "s1"))
	require.Len(t, got, 2)
	assert.False(t, got[1][0].Enabled)
}

func TestOnChangeScoped(t *testing.T) {
	store, _ := newTestStore(t)

	calls := 0
	store.OnChange(func([]domain.StoredPlugin) { calls++ }, "s2")

	// Installs mutate the global list, so every subscribed scope hears them.
	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	assert.Equal(t, 1, calls)

	// Enablement writes touch one scope's key only.
	require.NoError(t, store.SetEnabled("echo", false, "s1"))
	assert.Equal(t, 1, calls)

	require.NoError(t, store.SetEnabled("echo", false, "s2"))
	assert.Equal(t, 2, calls)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)

	calls := 0
	unsub := store.OnChange(func([]domain.StoredPlugin) { calls++ }, "s1")

	unsub()
	assert.NotPanics(t, unsub)
	assert.NotPanics(t, unsub)

	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	assert.Zero(t, calls)
}

func TestPanickingHandlerDoesNotPoisonWrites(t *testing.T) {
	store, _ := newTestStore(t)

	store.OnChange(func([]domain.StoredPlugin) { panic("boom") }, "s1")

	delivered := false
	store.OnChange(func([]domain.StoredPlugin) { delivered = true }, "s1")

	require.NoError(t, store.Install(echoDefinition(), true, "s1"))
	assert.True(t, delivered)
}

func TestOnRegisterFiresOnceAtInstall(t *testing.T) {
	catalog := exec.NewCatalog()
	registered := 0
	require.NoError(t, catalog.RegisterHooks("lifecycle", &domain.Hooks{
		OnRegister: func(context.Context) error {
			registered++
			return nil
		},
	}))
	store := newStoreWithCatalog(t, catalog)

	def := echoDefinition()
	def.Hooks = &domain.HookSpecs{Handler: "lifecycle"}
	require.NoError(t, store.Install(def, true, "s1"))
	assert.Equal(t, 1, registered)

	// Enablement toggles are not installations.
	require.NoError(t, store.SetEnabled("echo", false, "s1"))
	assert.Equal(t, 1, registered)

	// Re-installation fires again.
	require.NoError(t, store.Install(def, true, "s1"))
	assert.Equal(t, 2, registered)
}
