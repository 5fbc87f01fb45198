// Package mcphost provides the concrete implementation of the [mcp.Host]
// interface on top of the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk).
//
// It connects to MCP servers via stdio or streamable-HTTP transports and
// maintains a concurrent-safe in-memory catalogue of their tools under
// namespaced dispatch keys.
//
// Typical usage:
//
//	h := mcphost.New()
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    ID:        "homeassistant",
//	    Transport: mcp.TransportStreamableHTTP,
//	    URL:       "http://hass.local:8123/mcp",
//	})
//	defs := h.Tools() // [{Name: "mcp_homeassistant_turn_on_light", ...}, ...]
//	result, err := h.CallTool(ctx, "homeassistant", "turn_on_light", `{"room":"kitchen"}`)
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/selenehq/selene/internal/mcp"
	"github.com/selenehq/selene/pkg/types"
)

// toolEntry holds the metadata for a single discovered tool.
type toolEntry struct {
	def      types.ToolDefinition // Name is the namespaced dispatch key
	serverID string
	bareName string // the server's own tool name
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host is the concrete implementation of [mcp.Host].
//
// The zero value is not usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: namespaced dispatch key
	servers map[string]serverConn // key: server ID

	// client is reused across all server connections; the SDK allows a
	// single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

var _ mcp.Host = (*Host)(nil)

// New creates and returns a ready-to-use Host.
func New() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "selene-mcphost", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
	}
}

// DispatchKey builds the namespaced tool name for serverID and toolName.
func DispatchKey(serverID, toolName string) string {
	return "mcp_" + serverID + "_" + toolName
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. If a server with the same ID is already registered, the
// old connection is closed and replaced along with its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("mcp host: server config must have a non-empty ID")
	}
	// The ID becomes the middle segment of the mcp_<id>_<tool> dispatch
	// key; an underscore would make the key ambiguous.
	if strings.Contains(cfg.ID, "_") {
		return fmt.Errorf("mcp host: server ID %q must not contain underscores", cfg.ID)
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.ID)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp host: stdio server %q requires a non-empty Command", cfg.ID)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: streamable-http server %q requires a non-empty URL", cfg.ID)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: failed to connect to server %q: %w", cfg.ID, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: failed to list tools for server %q: %w", cfg.ID, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.ID]; ok {
		_ = old.session.Close()
		for key, t := range h.tools {
			if t.serverID == cfg.ID {
				delete(h.tools, key)
			}
		}
	}

	h.servers[cfg.ID] = serverConn{session: session}

	for _, tool := range discovered {
		key := DispatchKey(cfg.ID, tool.Name)
		h.tools[key] = toolEntry{
			def: types.ToolDefinition{
				Name:        key,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			serverID: cfg.ID,
			bareName: tool.Name,
		}
	}

	return nil
}

// Tools returns the namespaced definitions of every discovered tool, sorted
// by name for stable prompt ordering.
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// CallTool executes toolName on the server registered under serverID.
func (h *Host) CallTool(ctx context.Context, serverID, toolName, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	conn, serverOK := h.servers[serverID]
	_, toolOK := h.tools[DispatchKey(serverID, toolName)]
	h.mu.RUnlock()

	if !serverOK {
		return nil, fmt.Errorf("mcp host: server %q not registered", serverID)
	}
	if !toolOK {
		return nil, fmt.Errorf("mcp host: tool %q not found on server %q", toolName, serverID)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("mcp host: invalid args JSON for tool %q: %w", toolName, err)
		}
	}

	start := time.Now()
	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp host: call to tool %q failed: %w", toolName, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &mcp.ToolResult{
		Content:    sb.String(),
		IsError:    callResult.IsError,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// Close shuts down all server connections and clears the tool catalogue.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for id, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp host: error closing server %q: %w", id, err)
		}
		delete(h.servers, id)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
