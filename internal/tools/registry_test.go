package tools_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/selenehq/selene/internal/mcp"
	mcpmock "github.com/selenehq/selene/internal/mcp/mock"
	"github.com/selenehq/selene/internal/stream"
	"github.com/selenehq/selene/internal/tools"
	"github.com/selenehq/selene/pkg/types"
)

// echoTool returns its arguments as content.
func echoTool(name string) tools.Tool {
	return tools.Func{
		Def: types.ToolDefinition{Name: name, Description: "echoes"},
		Handler: func(_ context.Context, args string) (tools.Result, error) {
			return tools.Result{Content: "echo: " + args}, nil
		},
	}
}

// familyHandler records dispatched names for prefix-routing assertions.
type familyHandler struct {
	names []string
	err   error
}

func (f *familyHandler) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{Name: "system_cpu"},
		{Name: "system_memory"},
	}
}

func (f *familyHandler) Execute(_ context.Context, name, _ string) (tools.Result, error) {
	f.names = append(f.names, name)
	if f.err != nil {
		return tools.Result{}, f.err
	}
	return tools.Result{Content: "family: " + name}, nil
}

func TestDispatch_ExactTool(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(echoTool("web_search"))

	got := r.Dispatch(context.Background(), types.ToolCall{
		ID: "c1", Name: "web_search", Arguments: `{"query":"go"}`,
	})

	if got.ToolCallID != "c1" {
		t.Errorf("ToolCallID = %q, want %q", got.ToolCallID, "c1")
	}
	if got.Content != `echo: {"query":"go"}` {
		t.Errorf("Content = %q", got.Content)
	}
}

func TestDispatch_MalformedArguments(t *testing.T) {
	executed := false
	r := tools.NewRegistry()
	r.Register(tools.Func{
		Def: types.ToolDefinition{Name: "web_search"},
		Handler: func(context.Context, string) (tools.Result, error) {
			executed = true
			return tools.Result{Content: "ran"}, nil
		},
	})

	got := r.Dispatch(context.Background(), types.ToolCall{
		ID: "c1", Name: "web_search", Arguments: `{"query": unterminated`,
	})

	if executed {
		t.Error("tool executed despite malformed arguments")
	}
	if got.Content == "" || !strings.Contains(got.Content, "not valid JSON") {
		t.Errorf("Content = %q, want a JSON failure description", got.Content)
	}
}

func TestDispatch_ExecutorErrorBecomesResult(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(tools.Func{
		Def: types.ToolDefinition{Name: "web_search"},
		Handler: func(context.Context, string) (tools.Result, error) {
			return tools.Result{}, errors.New("upstream 503")
		},
	})

	got := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "web_search", Arguments: "{}"})

	if !strings.Contains(got.Content, "upstream 503") {
		t.Errorf("Content = %q, want to contain the executor error", got.Content)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	r := tools.NewRegistry()

	got := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "teleport", Arguments: "{}"})

	if !strings.Contains(got.Content, "not found") {
		t.Errorf("Content = %q, want a not-found description", got.Content)
	}
}

func TestDispatch_PrefixFamily(t *testing.T) {
	family := &familyHandler{}
	r := tools.NewRegistry()
	r.RegisterPrefix("system_", family)

	got := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "system_cpu", Arguments: "{}"})

	if got.Content != "family: system_cpu" {
		t.Errorf("Content = %q", got.Content)
	}
	if len(family.names) != 1 || family.names[0] != "system_cpu" {
		t.Errorf("family received %v", family.names)
	}
}

func TestDispatch_ExactWinsOverPrefix(t *testing.T) {
	family := &familyHandler{}
	r := tools.NewRegistry()
	r.RegisterPrefix("system_", family)
	r.Register(echoTool("system_cpu"))

	got := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "system_cpu", Arguments: "{}"})

	if !strings.HasPrefix(got.Content, "echo:") {
		t.Errorf("Content = %q, want the exact tool's output", got.Content)
	}
	if len(family.names) != 0 {
		t.Error("prefix handler ran despite exact registration")
	}
}

func TestDispatch_MCPKeyParsing(t *testing.T) {
	host := &mcpmock.Host{
		ToolsResult:    []types.ToolDefinition{{Name: "mcp_hass_turn_on_light"}},
		CallToolResult: &mcp.ToolResult{Content: `{"ok":true}`},
	}
	r := tools.NewRegistry(tools.WithMCPHost(host))

	got := r.Dispatch(context.Background(), types.ToolCall{
		ID: "c1", Name: "mcp_hass_turn_on_light", Arguments: `{"room":"kitchen"}`,
	})

	if got.Content != `{"ok":true}` {
		t.Errorf("Content = %q", got.Content)
	}

	if host.CallCount("CallTool") != 1 {
		t.Fatalf("host calls = %v", host.Calls())
	}
	call := host.Calls()[len(host.Calls())-1]
	if call.Args[0] != "hass" {
		t.Errorf("serverID = %v, want hass", call.Args[0])
	}
	// Everything after the server ID belongs to the tool name.
	if call.Args[1] != "turn_on_light" {
		t.Errorf("toolName = %v, want turn_on_light", call.Args[1])
	}
}

func TestDispatch_MCPEmptyArgsDefaulted(t *testing.T) {
	host := &mcpmock.Host{
		ToolsResult:    []types.ToolDefinition{{Name: "mcp_hass_ping"}},
		CallToolResult: &mcp.ToolResult{Content: "ok"},
	}
	r := tools.NewRegistry(tools.WithMCPHost(host))

	r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "mcp_hass_ping"})

	calls := host.Calls()
	call := calls[len(calls)-1]
	if call.Method != "CallTool" || call.Args[2] != "{}" {
		t.Errorf("last host call = %+v, want CallTool with {} args", call)
	}
}

func TestDispatch_MCPWithoutHost(t *testing.T) {
	r := tools.NewRegistry()

	got := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "mcp_hass_ping", Arguments: "{}"})

	if !strings.Contains(got.Content, "not found") {
		t.Errorf("Content = %q, want a not-found description", got.Content)
	}
}

func TestDispatch_MCPErrorResult(t *testing.T) {
	host := &mcpmock.Host{
		ToolsResult:    []types.ToolDefinition{{Name: "mcp_hass_turn_on_light"}},
		CallToolResult: &mcp.ToolResult{Content: "bulb unreachable", IsError: true},
	}
	r := tools.NewRegistry(tools.WithMCPHost(host))

	got := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "mcp_hass_turn_on_light", Arguments: "{}"})

	if !strings.Contains(got.Content, "bulb unreachable") {
		t.Errorf("Content = %q, want the server's error text", got.Content)
	}
}

func TestDispatch_MCPTransportError(t *testing.T) {
	host := &mcpmock.Host{
		ToolsResult: []types.ToolDefinition{{Name: "mcp_hass_ping"}},
		CallToolErr: errors.New("connection refused"),
	}
	r := tools.NewRegistry(tools.WithMCPHost(host))

	got := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "mcp_hass_ping", Arguments: "{}"})

	if !strings.Contains(got.Content, "connection refused") {
		t.Errorf("Content = %q, want the transport error", got.Content)
	}
}

func TestMCPCatalogueSnapshottedAtConstruction(t *testing.T) {
	host := &mcpmock.Host{
		ToolsResult:    []types.ToolDefinition{{Name: "mcp_hass_ping"}},
		CallToolResult: &mcp.ToolResult{Content: "ok"},
	}
	r := tools.NewRegistry(tools.WithMCPHost(host))

	// The host reconnects mid-request and gains a tool. The registry must
	// keep serving the catalogue the model was offered.
	host.ToolsResult = append(host.ToolsResult, types.ToolDefinition{Name: "mcp_hass_reboot"})

	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Name != "mcp_hass_ping" {
		t.Errorf("Definitions() = %v, want the construction-time catalogue", defs)
	}

	got := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "mcp_hass_reboot", Arguments: "{}"})
	if !strings.Contains(got.Content, "not found") {
		t.Errorf("Content = %q, want a not-found description for a post-snapshot tool", got.Content)
	}
	if host.CallCount("CallTool") != 0 {
		t.Error("host invoked for a tool outside the snapshot")
	}

	if got := r.Dispatch(context.Background(), types.ToolCall{ID: "c2", Name: "mcp_hass_ping", Arguments: "{}"}); got.Content != "ok" {
		t.Errorf("snapshot tool Content = %q, want ok", got.Content)
	}
}

func TestDefinitions_AllClasses(t *testing.T) {
	host := &mcpmock.Host{ToolsResult: []types.ToolDefinition{{Name: "mcp_hass_turn_on_light"}}}
	r := tools.NewRegistry(tools.WithMCPHost(host))
	r.Register(echoTool("web_search"))
	r.Register(echoTool("create_task"))
	r.RegisterPrefix("system_", &familyHandler{})

	defs := r.Definitions()

	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	want := []string{"web_search", "create_task", "system_cpu", "system_memory", "mcp_hass_turn_on_light"}
	if len(names) != len(want) {
		t.Fatalf("definitions = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("definitions[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDefinitions_EmptyRegistry(t *testing.T) {
	r := tools.NewRegistry()
	if defs := r.Definitions(); len(defs) != 0 {
		t.Errorf("Definitions() = %v, want empty", defs)
	}
}

func TestDispatch_PreservesAction(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(tools.Func{
		Def: types.ToolDefinition{Name: "create_task"},
		Handler: func(context.Context, string) (tools.Result, error) {
			return tools.Result{
				Content: "created",
				Action:  &stream.Action{Kind: stream.ActionRefreshPanel},
			}, nil
		},
	})

	got := r.Dispatch(context.Background(), types.ToolCall{ID: "c1", Name: "create_task", Arguments: "{}"})

	if got.Action == nil || got.Action.Kind != stream.ActionRefreshPanel {
		t.Errorf("Action = %+v, want refresh_panel", got.Action)
	}
}
