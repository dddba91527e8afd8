package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Executor performs a tool's work when the agent invokes it. The args bag is
// the decoded JSON argument object; the result must be JSON-serializable.
type Executor func(ctx context.Context, args map[string]any) (any, error)

// ExecutorKind selects how a tool's behavior is persisted and reconstructed.
type ExecutorKind string

const (
	// ExecutorNative looks up a compiled handler in the process-wide catalog.
	ExecutorNative ExecutorKind = "native"
	// ExecutorScript evaluates persisted JavaScript source at hydration time.
	// The source runs with host privileges; there is no sandbox.
	ExecutorScript ExecutorKind = "script"
	// ExecutorWASM runs an exported function of a wasm module under a sandbox.
	ExecutorWASM ExecutorKind = "wasm"
)

// ExecutorSpec is the serializable form of a tool's behavior: exactly one
// variant is populated, per Kind.
type ExecutorSpec struct {
	Kind    ExecutorKind
	Handler string // native catalog key
	Source  string // script source text
	Module  []byte // wasm binary
	Export  string // wasm exported function name; defaults to "execute"
}

// NativeExecutor references a handler registered in the native catalog.
func NativeExecutor(key string) ExecutorSpec {
	return ExecutorSpec{Kind: ExecutorNative, Handler: key}
}

// ScriptExecutor carries JavaScript source to be evaluated at hydration.
func ScriptExecutor(source string) ExecutorSpec {
	return ExecutorSpec{Kind: ExecutorScript, Source: source}
}

// WASMExecutor carries a wasm module and the exported function to call.
func WASMExecutor(module []byte, export string) ExecutorSpec {
	return ExecutorSpec{Kind: ExecutorWASM, Module: module, Export: export}
}

// ToolDecl is the schema advertised to the agent, independent of the local
// implementation. Parameters is a JSON Schema object.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// HookSpecs declares a plugin's lifecycle hooks in serializable form.
// Either Handler names a hook set in the native catalog, or the per-hook
// fields carry script source; a populated Handler wins over script fields.
type HookSpecs struct {
	Handler       string
	OnRegister    string
	BeforeRequest string
	AfterResponse string
	OnError       string
}

// Definition is the author-supplied, in-memory description of a plugin.
type Definition struct {
	Name        string
	Version     string
	Description string
	Tools       []ToolDecl
	// Executors maps tool name to behavior. Tools without an entry are
	// declaration-only: advertised to the agent but not locally executable.
	Executors map[string]ExecutorSpec
	Hooks     *HookSpecs
}

// StoredTool is a ToolDecl plus the persisted executor payload.
type StoredTool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Handler      string          `json:"handler,omitempty"`
	ExecutorCode string          `json:"executorCode,omitempty"`
	WASMModule   []byte          `json:"wasmModule,omitempty"`
	WASMExport   string          `json:"wasmExport,omitempty"`
}

// HasExecutor reports whether any executor payload was persisted for the tool.
func (t StoredTool) HasExecutor() bool {
	return t.Handler != "" || t.ExecutorCode != "" || len(t.WASMModule) > 0
}

// StoredHooks is the persisted hook bundle: a native hook-set key or one
// source-text string per hook.
type StoredHooks struct {
	Handler       string `json:"handler,omitempty"`
	OnRegister    string `json:"onRegister,omitempty"`
	BeforeRequest string `json:"beforeRequest,omitempty"`
	AfterResponse string `json:"afterResponse,omitempty"`
	OnError       string `json:"onError,omitempty"`
}

// Empty reports whether no hook payload is present.
func (h *StoredHooks) Empty() bool {
	return h == nil || (h.Handler == "" && h.OnRegister == "" &&
		h.BeforeRequest == "" && h.AfterResponse == "" && h.OnError == "")
}

// StoredPlugin is the persisted form of an installed plugin. Enabled is only
// meaningful in a scope-joined view; the raw global record never carries it.
type StoredPlugin struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	Tools       []StoredTool `json:"tools"`
	HooksCode   *StoredHooks `json:"hooksCode,omitempty"`
	InstalledAt time.Time    `json:"installedAt"`
	Enabled     bool         `json:"enabled,omitempty"`
}

// HookFailure describes a hook or executor failure reported to OnError.
type HookFailure struct {
	Phase string // see the Phase* constants
	Tool  string // tool context, if any
	Err   error
}

// Hook phases reported in HookFailure.
const (
	PhaseRegister      = "register"
	PhaseBeforeRequest = "before_request"
	PhaseAfterResponse = "after_response"
	PhaseExecute       = "execute"
)

// Hooks are the reconstructed, callable lifecycle hooks. Any field may be nil.
type Hooks struct {
	// OnRegister fires once when the plugin is installed.
	OnRegister func(ctx context.Context) error
	// BeforeRequest may rewrite an outgoing request before it is sent.
	// The registry treats the body as opaque; the chat protocol is the host's.
	BeforeRequest func(ctx context.Context, req map[string]any) (map[string]any, error)
	// AfterResponse observes and may mutate a completed response.
	AfterResponse func(ctx context.Context, resp map[string]any) (map[string]any, error)
	// OnError observes failures, tagged with a phase and optional tool context.
	OnError func(ctx context.Context, failure HookFailure)
}

// Empty reports whether no hook is callable.
func (h *Hooks) Empty() bool {
	return h == nil || (h.OnRegister == nil && h.BeforeRequest == nil &&
		h.AfterResponse == nil && h.OnError == nil)
}

// HydratedPlugin is a StoredPlugin plus reconstructed behavior. Executors and
// Hooks are nil, not empty, when nothing was reconstructable; callers treat
// nil and empty as the same "nothing to call" signal.
type HydratedPlugin struct {
	StoredPlugin
	Executors map[string]Executor
	Hooks     *Hooks
}
