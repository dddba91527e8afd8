// Package mcp exposes a session's enabled plugins to an AI agent as MCP
// tools. The bridge is the registry's chat-client integration point: it
// re-registers the tool set whenever the session republishes, runs the
// plugins' request/response hooks around each call, and reports failures to
// their onError hooks.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"toolshed/internal/domain"
	"toolshed/internal/registry"
)

// Bridge keeps an MCP server's tool list in sync with one session's enabled
// hydrated plugins.
type Bridge struct {
	session *registry.Session
	server  *server.MCPServer
	logger  *slog.Logger

	mu         sync.Mutex
	registered []string
	unsub      func()
}

// NewBridge creates a bridge over the session and performs the initial
// registration. The caller must Close the bridge when done.
func NewBridge(session *registry.Session, name, version string, logger *slog.Logger) *Bridge {
	b := &Bridge{
		session: session,
		server:  server.NewMCPServer(name, version, server.WithToolCapabilities(true)),
		logger:  logger,
	}
	b.sync()
	b.unsub = session.OnChange(func([]domain.StoredPlugin) { b.sync() })
	return b
}

// ServeStdio serves the MCP protocol over stdin/stdout until EOF.
func (b *Bridge) ServeStdio() error {
	return server.ServeStdio(b.server)
}

// Server returns the underlying MCP server for embedding in other transports.
func (b *Bridge) Server() *server.MCPServer {
	return b.server
}

// Close detaches the bridge from the session.
func (b *Bridge) Close() {
	b.unsub()
}

// sync replaces the server's tool list with the session's current enabled
// set. Declaration-only tools (no executor) are not registered; the agent
// cannot call what the registry cannot run.
func (b *Bridge) sync() {
	plugins := b.session.EnabledHydrated()

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.registered) > 0 {
		b.server.DeleteTools(b.registered...)
		b.registered = b.registered[:0]
	}

	seen := make(map[string]bool)
	for _, p := range plugins {
		for _, t := range p.Tools {
			executor := p.Executors[t.Name]
			if executor == nil {
				continue
			}
			if seen[t.Name] {
				b.logger.Warn("duplicate tool name skipped", "plugin", p.Name, "tool", t.Name)
				continue
			}
			seen[t.Name] = true

			b.server.AddTool(b.declare(t), b.handler(p, t.Name, executor))
			b.registered = append(b.registered, t.Name)
		}
	}
	b.logger.Debug("tool set registered", "scope", b.session.Scope(), "tools", len(b.registered))
}

func (b *Bridge) declare(t domain.StoredTool) mcp.Tool {
	if len(t.Parameters) > 0 && string(t.Parameters) != "null" {
		return mcp.NewToolWithRawSchema(t.Name, t.Description, t.Parameters)
	}
	return mcp.NewTool(t.Name, mcp.WithDescription(t.Description))
}

// handler adapts one executor to the MCP call contract, wrapping it with the
// plugin's lifecycle hooks. Executor failures surface as tool errors to the
// agent, never as transport errors.
func (b *Bridge) handler(p domain.HydratedPlugin, toolName string, executor domain.Executor) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		args = b.beforeRequest(ctx, p, toolName, args)

		result, err := executor(ctx, args)
		if err != nil {
			b.onError(ctx, p, domain.PhaseExecute, toolName, err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		result = b.afterResponse(ctx, p, toolName, result)

		text, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("result not serializable: %v", err)), nil
		}
		return mcp.NewToolResultText(string(text)), nil
	}
}

func (b *Bridge) beforeRequest(ctx context.Context, p domain.HydratedPlugin, tool string, args map[string]any) map[string]any {
	if p.Hooks == nil || p.Hooks.BeforeRequest == nil {
		return args
	}
	req := map[string]any{"tool": tool, "arguments": args}
	rewritten, err := p.Hooks.BeforeRequest(ctx, req)
	if err != nil {
		b.onError(ctx, p, domain.PhaseBeforeRequest, tool, err)
		return args
	}
	if next, ok := rewritten["arguments"].(map[string]any); ok {
		return next
	}
	return args
}

func (b *Bridge) afterResponse(ctx context.Context, p domain.HydratedPlugin, tool string, result any) any {
	if p.Hooks == nil || p.Hooks.AfterResponse == nil {
		return result
	}
	resp := map[string]any{"tool": tool, "result": result}
	mutated, err := p.Hooks.AfterResponse(ctx, resp)
	if err != nil {
		b.onError(ctx, p, domain.PhaseAfterResponse, tool, err)
		return result
	}
	if next, ok := mutated["result"]; ok {
		return next
	}
	return result
}

func (b *Bridge) onError(ctx context.Context, p domain.HydratedPlugin, phase, tool string, err error) {
	b.logger.Warn("plugin failure", "plugin", p.Name, "phase", phase, "tool", tool, "error", err)
	if p.Hooks != nil && p.Hooks.OnError != nil {
		p.Hooks.OnError(ctx, domain.HookFailure{Phase: phase, Tool: tool, Err: err})
	}
}
