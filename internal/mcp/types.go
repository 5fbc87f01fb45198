package mcp

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// ID is the unique identifier for this server. It becomes part of every
	// exported tool's dispatch key (mcp_<ID>_<toolName>), so it must be
	// stable across restarts and must not contain underscores' worth of
	// ambiguity problems — keep it short and alphanumeric.
	ID string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string

	// URL is the MCP endpoint address used when Transport is
	// "streamable-http". Ignored for stdio transport.
	URL string

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically JSON or human-readable
	// text ready for insertion into an LLM context window.
	Content string

	// IsError indicates the tool returned an application-level error (as
	// opposed to a transport failure returned via the Go error value). When
	// true, Content contains the error message.
	IsError bool

	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
}
