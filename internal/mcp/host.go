// Package mcp defines the interface for a Model Context Protocol (MCP) host.
//
// The host manages connections to one or more MCP servers, maintains a
// catalogue of their tools under namespaced dispatch keys
// (mcp_<serverID>_<toolName>), and executes tool calls on behalf of the
// orchestration engine.
//
// Lifecycle:
//
//  1. Call [Host.RegisterServer] for each configured MCP server.
//  2. Use [Host.Tools] to enumerate the namespaced tool definitions offered
//     to the model.
//  3. Use [Host.CallTool] to run a tool by server ID and bare tool name.
//  4. Call [Host.Close] to release all connections.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"

	"github.com/selenehq/selene/pkg/types"
)

// Host manages connections to MCP servers and routes tool calls to them.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// RegisterServer connects to the MCP server described by cfg and imports
	// its tool catalogue. If a server with the same ID is already registered
	// it is reconnected rather than duplicated.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// Tools returns the definitions of every discovered tool across all
	// registered servers. Each definition's Name is the namespaced dispatch
	// key mcp_<serverID>_<toolName>.
	Tools() []types.ToolDefinition

	// CallTool executes toolName (the server's own, un-namespaced name) on
	// the server registered under serverID. args must be a JSON object
	// string; "{}" is valid for parameter-less tools.
	//
	// A non-nil *ToolResult is returned even when [ToolResult.IsError] is
	// true (application-level error). A Go error is returned only on
	// transport or protocol failure, or when the server or tool is unknown.
	CallTool(ctx context.Context, serverID, toolName, args string) (*ToolResult, error)

	// Close shuts down all server connections. The Host must not be used
	// after Close returns.
	Close() error
}
