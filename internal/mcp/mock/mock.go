// Package mock provides an in-memory test double for the [mcp.Host] interface.
//
// [Host] records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	h := &mock.Host{}
//	h.ToolsResult = []types.ToolDefinition{{Name: "mcp_hass_turn_on_light"}}
//	h.CallToolResult = &mcp.ToolResult{Content: `{"ok":true}`}
//
//	// inject h into the system under test …
//
//	if got := h.CallCount("CallTool"); got != 1 {
//	    t.Errorf("expected 1 CallTool call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/selenehq/selene/internal/mcp"
	"github.com/selenehq/selene/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Host is a configurable test double for [mcp.Host].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil / zero values.
type Host struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// RegisterServerErr is returned by [Host.RegisterServer] when non-nil.
	RegisterServerErr error

	// ToolsResult is returned by [Host.Tools]. When nil, Tools returns an
	// empty non-nil slice.
	ToolsResult []types.ToolDefinition

	// CallToolResult is returned by [Host.CallTool] when CallToolErr is nil.
	// When both are nil, a zero-value *ToolResult is returned.
	CallToolResult *mcp.ToolResult

	// CallToolErr is returned by [Host.CallTool] when non-nil.
	CallToolErr error

	// CloseErr is returned by [Host.Close] when non-nil.
	CloseErr error
}

// Calls returns a copy of all recorded method invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// RegisterServer implements [mcp.Host].
func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "RegisterServer", Args: []any{cfg}})
	return h.RegisterServerErr
}

// Tools implements [mcp.Host].
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Tools", Args: nil})
	if h.ToolsResult == nil {
		return []types.ToolDefinition{}
	}
	out := make([]types.ToolDefinition, len(h.ToolsResult))
	copy(out, h.ToolsResult)
	return out
}

// CallTool implements [mcp.Host].
func (h *Host) CallTool(_ context.Context, serverID, toolName, args string) (*mcp.ToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "CallTool", Args: []any{serverID, toolName, args}})
	if h.CallToolErr != nil {
		return nil, h.CallToolErr
	}
	if h.CallToolResult == nil {
		return &mcp.ToolResult{}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *h.CallToolResult
	return &cp, nil
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Close", Args: nil})
	return h.CloseErr
}

// Ensure Host satisfies the interface at compile time.
var _ mcp.Host = (*Host)(nil)
