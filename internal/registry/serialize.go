package registry

import (
	"bytes"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"toolshed/internal/domain"
)

// serializeDefinition converts an author-supplied Definition to its persisted
// form. Executor payloads are carried verbatim: a native handler key, the
// script source exactly as supplied, or the wasm module bytes. No
// transformation or validation is applied to the payload itself.
func serializeDefinition(def domain.Definition) domain.StoredPlugin {
	tools := make([]domain.StoredTool, 0, len(def.Tools))
	for _, t := range def.Tools {
		st := domain.StoredTool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
		if spec, ok := def.Executors[t.Name]; ok {
			switch spec.Kind {
			case domain.ExecutorNative:
				st.Handler = spec.Handler
			case domain.ExecutorScript:
				st.ExecutorCode = spec.Source
			case domain.ExecutorWASM:
				st.WASMModule = spec.Module
				st.WASMExport = spec.Export
			}
		}
		tools = append(tools, st)
	}

	var hooks *domain.StoredHooks
	if def.Hooks != nil {
		hooks = &domain.StoredHooks{
			Handler:       def.Hooks.Handler,
			OnRegister:    def.Hooks.OnRegister,
			BeforeRequest: def.Hooks.BeforeRequest,
			AfterResponse: def.Hooks.AfterResponse,
			OnError:       def.Hooks.OnError,
		}
		if hooks.Empty() {
			hooks = nil
		}
	}

	return domain.StoredPlugin{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Tools:       tools,
		HooksCode:   hooks,
	}
}

// checkToolSchemas compiles each tool's Parameters as JSON Schema and logs a
// warning for any that do not compile. A bad schema never rejects an install;
// the agent-facing declaration is the author's responsibility.
func checkToolSchemas(p domain.StoredPlugin, logger *slog.Logger) {
	for _, t := range p.Tools {
		if len(t.Parameters) == 0 || string(t.Parameters) == "null" {
			continue
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(t.Parameters)); err != nil {
			logger.Warn("tool parameters are not valid JSON Schema",
				"plugin", p.Name, "tool", t.Name, "error", err)
			continue
		}
		if _, err := compiler.Compile("schema.json"); err != nil {
			logger.Warn("tool parameters failed schema compilation",
				"plugin", p.Name, "tool", t.Name, "error", err)
		}
	}
}
