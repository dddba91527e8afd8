package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"toolshed/internal/domain"
)

const defaultExport = "execute"

// NewExecutor compiles and instantiates a wasm module and returns an
// Executor that calls the named export with the JSON-encoded argument bag.
// The export takes (ptr, len) of the input and returns (ptr, len) of the
// JSON result in guest memory.
//
// Compile or instantiate failures are returned to the caller; the registry
// substitutes its fail-soft stand-in there.
func NewExecutor(ctx context.Context, rt *Runtime, module []byte, export string, limits Limits, logger *slog.Logger) (domain.Executor, error) {
	if export == "" {
		export = defaultExport
	}
	limits = limits.withDefaults()

	compiled, err := rt.Inner().CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", domain.ErrInvalidInput, err)
	}

	modCfg := wazero.NewModuleConfig().
		WithStartFunctions() // no auto _start; the export is the entry point

	mod, err := rt.Inner().InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %v", domain.ErrInvalidInput, err)
	}

	fn := mod.ExportedFunction(export)
	if fn == nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("%w: module does not export %q", domain.ErrInvalidInput, export)
	}

	// Module instances are not safe for concurrent calls.
	var mu sync.Mutex

	return func(ctx context.Context, args map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		return invoke(ctx, mod, fn, args, limits, logger)
	}, nil
}

func invoke(ctx context.Context, mod api.Module, fn api.Function, args map[string]any, limits Limits, logger *slog.Logger) (any, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal args: %v", domain.ErrExecFailure, err)
	}

	ptr, size, err := writeBytes(mod, payload)
	if err != nil {
		return nil, err
	}
	defer freeBytes(mod, ptr, size)

	execCtx, cancel := context.WithTimeout(ctx, limits.ExecTimeout)
	defer cancel()

	results, err := fn.Call(execCtx, uint64(ptr), uint64(size))
	if err != nil {
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("%w: wasm executor", domain.ErrTimeout)
		}
		return nil, fmt.Errorf("%w: wasm executor: %v", domain.ErrExecFailure, err)
	}

	if len(results) < 2 {
		return nil, nil
	}
	outPtr := uint32(results[0])
	outLen := uint32(results[1])
	if outPtr == 0 || outLen == 0 {
		return nil, nil
	}

	data, err := readBytes(mod, outPtr, outLen)
	if err != nil {
		return nil, err
	}

	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		logger.Warn("wasm executor returned non-JSON payload", "error", err)
		return string(data), nil
	}
	return result, nil
}
