package exec

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"

	"toolshed/internal/domain"
)

// NewScriptExecutor reconstructs an Executor from persisted JavaScript source.
// The source is evaluated as a parenthesized expression and must yield a
// function; the function is called with the argument bag as its single
// parameter. Async functions are supported as long as the returned promise
// settles without real I/O (goja drains the job queue when the call returns).
//
// Reconstruction failures never surface as errors: a source that does not
// parse or does not evaluate to a function produces a stand-in executor that
// resolves to an object describing the failure and echoing the offending
// code. A single malformed persisted plugin must never crash the registry.
//
// Trust boundary: the source executes with full host privileges. There is no
// sandboxing here; provenance of persisted code is the deployment's problem.
func NewScriptExecutor(source string, logger *slog.Logger) domain.Executor {
	prog, err := goja.Compile("executor", "("+source+")", true)
	if err != nil {
		logger.Warn("executor source failed to parse", "error", err)
		return failedExecutor(source, err)
	}

	return func(ctx context.Context, args map[string]any) (any, error) {
		fn, vm, err := evalCallable(prog)
		if err != nil {
			logger.Warn("executor source failed to evaluate", "error", err)
			return failurePayload(source, err), nil
		}
		res, err := fn(goja.Undefined(), vm.ToValue(args))
		if err != nil {
			// Runtime failure of a successfully reconstructed function is
			// the plugin author's responsibility.
			return nil, fmt.Errorf("%w: %v", domain.ErrExecFailure, err)
		}
		return settle(res)
	}
}

// NewScriptHooks reconstructs callable hooks from persisted per-hook source.
// A hook whose source fails to reconstruct becomes a no-op.
func NewScriptHooks(stored *domain.StoredHooks, logger *slog.Logger) *domain.Hooks {
	h := &domain.Hooks{}

	if stored.OnRegister != "" {
		call := scriptHookCall(stored.OnRegister, "onRegister", logger)
		if call != nil {
			h.OnRegister = func(ctx context.Context) error {
				_, err := call()
				return err
			}
		}
	}
	if stored.BeforeRequest != "" {
		call := scriptHookCall(stored.BeforeRequest, "beforeRequest", logger)
		if call != nil {
			h.BeforeRequest = func(ctx context.Context, req map[string]any) (map[string]any, error) {
				return rewriteHook(call, req)
			}
		}
	}
	if stored.AfterResponse != "" {
		call := scriptHookCall(stored.AfterResponse, "afterResponse", logger)
		if call != nil {
			h.AfterResponse = func(ctx context.Context, resp map[string]any) (map[string]any, error) {
				return rewriteHook(call, resp)
			}
		}
	}
	if stored.OnError != "" {
		call := scriptHookCall(stored.OnError, "onError", logger)
		if call != nil {
			h.OnError = func(ctx context.Context, failure domain.HookFailure) {
				payload := map[string]any{"phase": failure.Phase, "tool": failure.Tool}
				if failure.Err != nil {
					payload["error"] = failure.Err.Error()
				}
				_, _ = call(payload)
			}
		}
	}

	if h.Empty() {
		return nil
	}
	return h
}

// hookCall invokes a reconstructed hook function with Go arguments and
// returns the exported result.
type hookCall func(args ...any) (any, error)

// scriptHookCall compiles hook source into a hookCall. Returns nil (the
// hook becomes a no-op) when the source does not reconstruct.
func scriptHookCall(source, name string, logger *slog.Logger) hookCall {
	prog, err := goja.Compile(name, "("+source+")", true)
	if err != nil {
		logger.Warn("hook source failed to parse", "hook", name, "error", err)
		return nil
	}
	return func(args ...any) (any, error) {
		fn, vm, err := evalCallable(prog)
		if err != nil {
			logger.Warn("hook source failed to evaluate", "hook", name, "error", err)
			return nil, nil
		}
		values := make([]goja.Value, len(args))
		for i, a := range args {
			values[i] = vm.ToValue(a)
		}
		res, err := fn(goja.Undefined(), values...)
		if err != nil {
			return nil, fmt.Errorf("%w: hook %s: %v", domain.ErrExecFailure, name, err)
		}
		return settle(res)
	}
}

// rewriteHook runs a beforeRequest/afterResponse hook and applies its result:
// an object result replaces the payload, anything else keeps the original.
func rewriteHook(call hookCall, payload map[string]any) (map[string]any, error) {
	res, err := call(payload)
	if err != nil {
		return payload, err
	}
	if m, ok := res.(map[string]any); ok {
		return m, nil
	}
	return payload, nil
}

// evalCallable runs the compiled wrapper in a fresh runtime and asserts the
// result is callable. Every invocation gets its own runtime so persisted
// code cannot accumulate shared mutable state between calls.
func evalCallable(prog *goja.Program) (goja.Callable, *goja.Runtime, error) {
	vm := goja.New()
	v, err := vm.RunProgram(prog)
	if err != nil {
		return nil, nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, nil, fmt.Errorf("source did not evaluate to a function")
	}
	return fn, vm, nil
}

// settle unwraps a promise result. Async executors must settle before
// control returns to Go; a still-pending promise is an executor failure.
func settle(v goja.Value) (any, error) {
	exported := v.Export()
	p, ok := exported.(*goja.Promise)
	if !ok {
		return exported, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("%w: promise rejected: %s", domain.ErrExecFailure, p.Result().String())
	default:
		return nil, fmt.Errorf("%w: promise did not settle", domain.ErrExecFailure)
	}
}

// failedExecutor is the stand-in for source that failed to parse.
func failedExecutor(source string, cause error) domain.Executor {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return failurePayload(source, cause), nil
	}
}

// failurePayload describes a reconstruction failure and echoes the code so a
// host surfacing the result can show what went wrong.
func failurePayload(source string, cause error) map[string]any {
	return map[string]any{
		"error": fmt.Sprintf("failed to reconstruct executor: %v", cause),
		"code":  source,
	}
}
