package mcphost_test

import (
	"context"
	"strings"
	"testing"

	"github.com/selenehq/selene/internal/mcp"
	"github.com/selenehq/selene/internal/mcp/mcphost"
)

func TestRegisterServer_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  mcp.ServerConfig
		want string
	}{
		{
			name: "empty id",
			cfg:  mcp.ServerConfig{Transport: mcp.TransportStdio, Command: "mcp-files"},
			want: "non-empty ID",
		},
		{
			name: "underscore in id",
			cfg: mcp.ServerConfig{
				ID:        "home_assistant",
				Transport: mcp.TransportStreamableHTTP,
				URL:       "http://hass.local:8123/mcp",
			},
			want: "must not contain underscores",
		},
		{
			name: "unknown transport",
			cfg:  mcp.ServerConfig{ID: "hass", Transport: "carrier-pigeon"},
			want: "unknown transport",
		},
		{
			name: "stdio without command",
			cfg:  mcp.ServerConfig{ID: "files", Transport: mcp.TransportStdio},
			want: "non-empty Command",
		},
	}

	h := mcphost.New()
	defer h.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.RegisterServer(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("expected registration error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if len(h.Tools()) != 0 {
		t.Errorf("tools registered despite rejected configs: %v", h.Tools())
	}
}
