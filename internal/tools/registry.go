package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/selenehq/selene/internal/mcp"
	"github.com/selenehq/selene/internal/observe"
	"github.com/selenehq/selene/pkg/types"
)

// mcpKeyPrefix marks MCP-backed dispatch keys.
const mcpKeyPrefix = "mcp_"

// Registry is the per-request tool dispatch table. It is built once from a
// per-user snapshot of available tools and is read-only afterwards: all
// Register calls must happen before the first Dispatch.
type Registry struct {
	exact    map[string]Tool
	order    []string // exact registration order, for stable Definitions
	prefixes []prefixEntry
	host     mcp.Host

	// MCP catalogue captured at construction. Definitions and Dispatch both
	// work from this snapshot, so one request sees one consistent tool set
	// even if the host reconnects mid-flight.
	mcpDefs []types.ToolDefinition
	mcpKeys map[string]struct{}

	metrics *observe.Metrics
}

type prefixEntry struct {
	prefix  string
	handler PrefixHandler
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithMCPHost routes mcp_<serverID>_<toolName> keys to host. The host's
// tool catalogue is snapshotted here; tools appearing on the host later are
// not dispatchable through this registry.
func WithMCPHost(host mcp.Host) RegistryOption {
	return func(r *Registry) {
		if host == nil {
			return
		}
		r.host = host
		r.mcpDefs = host.Tools()
		r.mcpKeys = make(map[string]struct{}, len(r.mcpDefs))
		for _, d := range r.mcpDefs {
			r.mcpKeys[d.Name] = struct{}{}
		}
	}
}

// WithMetrics records tool execution durations and outcomes.
func WithMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty [Registry].
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{exact: make(map[string]Tool)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool under its exact definition name. Registering the
// same name twice replaces the earlier tool.
func (r *Registry) Register(t Tool) {
	name := t.Definition().Name
	if _, exists := r.exact[name]; !exists {
		r.order = append(r.order, name)
	}
	r.exact[name] = t
}

// RegisterPrefix routes every tool name starting with prefix to handler.
// Exact registrations win over prefix matches.
func (r *Registry) RegisterPrefix(prefix string, handler PrefixHandler) {
	r.prefixes = append(r.prefixes, prefixEntry{prefix: prefix, handler: handler})
}

// Definitions returns the schemas of every dispatchable tool: exact tools
// in registration order, prefix families, then MCP tools. Pass the result
// to the LLM call; an empty registry yields a nil slice, which disables
// tool use entirely.
func (r *Registry) Definitions() []types.ToolDefinition {
	var defs []types.ToolDefinition
	for _, name := range r.order {
		defs = append(defs, r.exact[name].Definition())
	}
	for _, p := range r.prefixes {
		defs = append(defs, p.handler.Definitions()...)
	}
	defs = append(defs, r.mcpDefs...)
	return defs
}

// Dispatch executes one tool call and always returns a usable [Result]:
// unparseable arguments, executor errors, and unknown names all produce a
// Result whose Content describes the failure for the model to react to.
// The calling loop never fails because of a tool.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall) Result {
	start := time.Now()
	res, ok := r.dispatch(ctx, call)
	res.ToolCallID = call.ID

	if r.metrics != nil {
		status := "ok"
		if !ok {
			status = "error"
		}
		r.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", call.Name)))
		r.metrics.RecordToolCall(ctx, call.Name, status)
	}
	return res
}

// dispatch resolves and executes the call. The second return value reports
// whether the tool ran successfully.
func (r *Registry) dispatch(ctx context.Context, call types.ToolCall) (Result, bool) {
	if call.Arguments != "" && !json.Valid([]byte(call.Arguments)) {
		slog.Warn("tool call has malformed arguments", "tool", call.Name)
		return Result{Content: fmt.Sprintf("Tool %q was not executed: its arguments are not valid JSON.", call.Name)}, false
	}

	if t, ok := r.exact[call.Name]; ok {
		return r.run(ctx, call.Name, func(ctx context.Context) (Result, error) {
			return t.Execute(ctx, call.Arguments)
		})
	}

	for _, p := range r.prefixes {
		if strings.HasPrefix(call.Name, p.prefix) {
			return r.run(ctx, call.Name, func(ctx context.Context) (Result, error) {
				return p.handler.Execute(ctx, call.Name, call.Arguments)
			})
		}
	}

	if strings.HasPrefix(call.Name, mcpKeyPrefix) {
		return r.dispatchMCP(ctx, call)
	}

	slog.Warn("unknown tool requested", "tool", call.Name)
	return Result{Content: fmt.Sprintf("Tool %q was not found. Only the tools offered in this conversation are available.", call.Name)}, false
}

// run executes fn and converts an executor error into a failure Result.
func (r *Registry) run(ctx context.Context, name string, fn func(context.Context) (Result, error)) (Result, bool) {
	res, err := fn(ctx)
	if err != nil {
		slog.Warn("tool execution failed", "tool", name, "error", err)
		return Result{Content: fmt.Sprintf("Tool %q failed: %v", name, err)}, false
	}
	if res.Content == "" {
		res.Content = fmt.Sprintf("Tool %q completed with no output.", name)
	}
	return res, true
}

// dispatchMCP parses an mcp_<serverID>_<toolName> key and routes it to the
// host. Server IDs contain no underscores, so the first underscore after
// the prefix splits the key.
func (r *Registry) dispatchMCP(ctx context.Context, call types.ToolCall) (Result, bool) {
	if r.host == nil {
		return Result{Content: fmt.Sprintf("Tool %q was not found: no external tool servers are connected.", call.Name)}, false
	}

	rest := strings.TrimPrefix(call.Name, mcpKeyPrefix)
	serverID, toolName, ok := strings.Cut(rest, "_")
	if !ok || serverID == "" || toolName == "" {
		return Result{Content: fmt.Sprintf("Tool %q was not found: malformed tool key.", call.Name)}, false
	}

	// Only keys from the construction-time snapshot are dispatchable: the
	// model was offered exactly that catalogue.
	if _, known := r.mcpKeys[call.Name]; !known {
		return Result{Content: fmt.Sprintf("Tool %q was not found. Only the tools offered in this conversation are available.", call.Name)}, false
	}

	args := call.Arguments
	if args == "" {
		args = "{}"
	}

	res, err := r.host.CallTool(ctx, serverID, toolName, args)
	if err != nil {
		slog.Warn("mcp tool call failed", "tool", call.Name, "server", serverID, "error", err)
		return Result{Content: fmt.Sprintf("Tool %q failed: %v", call.Name, err)}, false
	}
	if res.IsError {
		return Result{Content: fmt.Sprintf("Tool %q reported an error: %s", call.Name, res.Content)}, false
	}
	return Result{Content: res.Content}, true
}
