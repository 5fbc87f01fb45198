// Package tools implements the tool dispatch table between the orchestration
// engine and tool backends.
//
// A [Registry] maps tool names to executors. Three name classes exist:
//
//   - exact names ("web_search", "create_task") registered individually;
//   - prefix families ("system_*") routed to one registered handler;
//   - MCP keys ("mcp_<serverID>_<toolName>") parsed and routed to the
//     per-user MCP host snapshot.
//
// Dispatch never fails the calling loop: every failure mode — unparseable
// arguments, executor errors, unknown names — is converted into a [Result]
// whose Content describes the problem for the model to read.
package tools

import (
	"context"

	"github.com/selenehq/selene/internal/stream"
	"github.com/selenehq/selene/pkg/types"
)

// Result is the outcome of one dispatched tool call. It exists for the
// duration of one loop iteration.
type Result struct {
	// ToolCallID identifies the tool call this result answers.
	ToolCallID string

	// Content is the string fed back to the LLM as the tool-role message.
	// Never empty: failures produce a description, not a blank.
	Content string

	// Action is an optional side-channel payload forwarded directly to the
	// streaming consumer, bypassing the LLM.
	Action *stream.Action
}

// Tool is a single named executor offered to the model.
//
// Execute receives the raw JSON arguments string. Returning an error is
// allowed; the registry converts it into a failure Result. Implementations
// must be safe for concurrent use across requests, but the loop never calls
// the same tool concurrently with itself within one request.
type Tool interface {
	// Definition returns the LLM-facing schema for this tool.
	Definition() types.ToolDefinition

	// Execute runs the tool with JSON-encoded args.
	Execute(ctx context.Context, args string) (Result, error)
}

// PrefixHandler serves a family of tools sharing a name prefix. The full
// tool name is passed through so one handler can serve many related tools.
type PrefixHandler interface {
	// Definitions returns the schemas for every tool in the family.
	Definitions() []types.ToolDefinition

	// Execute runs the named family member with JSON-encoded args.
	Execute(ctx context.Context, name, args string) (Result, error)
}

// Func adapts a definition and a handler function into a [Tool].
type Func struct {
	Def     types.ToolDefinition
	Handler func(ctx context.Context, args string) (Result, error)
}

var _ Tool = Func{}

// Definition implements [Tool].
func (f Func) Definition() types.ToolDefinition { return f.Def }

// Execute implements [Tool].
func (f Func) Execute(ctx context.Context, args string) (Result, error) {
	return f.Handler(ctx, args)
}
