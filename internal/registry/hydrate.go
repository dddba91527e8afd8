package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"toolshed/internal/domain"
	"toolshed/internal/exec"
	"toolshed/internal/exec/wasm"
)

// Hydrator reconstructs callable behavior from persisted plugin records.
// Reconstruction prefers the compiled-handler catalog, then wasm modules,
// then script source; a tool carrying more than one payload uses the safest.
//
// Hydration never fails: a payload that cannot be reconstructed yields a
// stand-in executor that resolves to an object describing the failure, and a
// hook bundle that cannot be reconstructed yields no-ops. One malformed
// persisted plugin must never take down the whole registry on load.
type Hydrator struct {
	catalog    *exec.Catalog
	wasmLimits wasm.Limits
	logger     *slog.Logger

	mu     sync.Mutex
	wasmRT *wasm.Runtime // created on first wasm tool
}

// NewHydrator creates a hydrator. catalog may be nil when no plugin uses
// native handlers; the wasm runtime is created lazily on first use.
func NewHydrator(catalog *exec.Catalog, limits wasm.Limits, logger *slog.Logger) *Hydrator {
	return &Hydrator{
		catalog:    catalog,
		wasmLimits: limits,
		logger:     logger,
	}
}

// Hydrate attaches reconstructed executors and hooks to a stored record.
// Executors and Hooks stay nil when the record carries nothing to
// reconstruct; callers treat nil and empty as equivalent.
func (h *Hydrator) Hydrate(p domain.StoredPlugin) domain.HydratedPlugin {
	hydrated := domain.HydratedPlugin{StoredPlugin: p}

	for _, tool := range p.Tools {
		if !tool.HasExecutor() {
			continue
		}
		if hydrated.Executors == nil {
			hydrated.Executors = make(map[string]domain.Executor)
		}
		hydrated.Executors[tool.Name] = h.executor(p.Name, tool)
	}

	hydrated.Hooks = h.hooks(p)
	return hydrated
}

func (h *Hydrator) executor(plugin string, tool domain.StoredTool) domain.Executor {
	switch {
	case tool.Handler != "":
		if h.catalog != nil {
			if fn, ok := h.catalog.Executor(tool.Handler); ok {
				return fn
			}
		}
		h.logger.Warn("native handler not in catalog",
			"plugin", plugin, "tool", tool.Name, "handler", tool.Handler)
		return standIn(tool.Handler, fmt.Errorf("handler %q not registered", tool.Handler))

	case len(tool.WASMModule) > 0:
		rt, err := h.runtime()
		if err != nil {
			return standIn(wasmRef(tool.WASMModule), err)
		}
		fn, err := wasm.NewExecutor(context.Background(), rt, tool.WASMModule, tool.WASMExport, h.wasmLimits, h.logger)
		if err != nil {
			h.logger.Warn("wasm executor failed to load",
				"plugin", plugin, "tool", tool.Name, "error", err)
			return standIn(wasmRef(tool.WASMModule), err)
		}
		return fn

	default:
		return exec.NewScriptExecutor(tool.ExecutorCode, h.logger.With("plugin", plugin, "tool", tool.Name))
	}
}

func (h *Hydrator) hooks(p domain.StoredPlugin) *domain.Hooks {
	stored := p.HooksCode
	if stored.Empty() {
		return nil
	}

	if stored.Handler != "" {
		if h.catalog != nil {
			if hooks, ok := h.catalog.Hooks(stored.Handler); ok {
				return hooks
			}
		}
		h.logger.Warn("native hook set not in catalog",
			"plugin", p.Name, "handler", stored.Handler)
		return nil
	}

	return exec.NewScriptHooks(stored, h.logger.With("plugin", p.Name))
}

// runtime lazily creates the shared wasm runtime.
func (h *Hydrator) runtime() (*wasm.Runtime, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.wasmRT != nil {
		return h.wasmRT, nil
	}
	rt, err := wasm.NewRuntime(context.Background(), wasm.DefaultRuntimeConfig(), h.logger)
	if err != nil {
		return nil, err
	}
	h.wasmRT = rt
	return rt, nil
}

// Close releases the wasm runtime, if one was created.
func (h *Hydrator) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.wasmRT == nil {
		return nil
	}
	err := h.wasmRT.Close(ctx)
	h.wasmRT = nil
	return err
}

// wasmRef renders a wasm payload as the stand-in's code echo. The full binary
// is too large to embed in a failure object, so it is truncated base64.
func wasmRef(module []byte) string {
	const max = 48
	enc := base64.StdEncoding.EncodeToString(module)
	if len(enc) > max {
		enc = enc[:max] + "..."
	}
	return "wasm:" + enc
}

// standIn is the fail-soft executor substituted for a payload that could not
// be reconstructed. It resolves, never rejects, echoing the offending code.
func standIn(code string, cause error) domain.Executor {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{
			"error": fmt.Sprintf("failed to reconstruct executor: %v", cause),
			"code":  code,
		}, nil
	}
}
