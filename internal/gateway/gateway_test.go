package gateway_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/selenehq/selene/internal/compress"
	"github.com/selenehq/selene/internal/config"
	"github.com/selenehq/selene/internal/engine"
	"github.com/selenehq/selene/internal/gateway"
	"github.com/selenehq/selene/internal/promptctx"
	pcmock "github.com/selenehq/selene/internal/promptctx/mock"
	"github.com/selenehq/selene/internal/router"
	"github.com/selenehq/selene/internal/stream"
	"github.com/selenehq/selene/pkg/memory"
	memmock "github.com/selenehq/selene/pkg/memory/mock"
	"github.com/selenehq/selene/pkg/provider/llm"
	llmmock "github.com/selenehq/selene/pkg/provider/llm/mock"
)

// frame is the union of engine events and the gateway's error frame.
type frame struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	MessageID int64           `json:"message_id"`
	Metrics   *stream.Metrics `json:"metrics"`
}

type noopSummariser struct{}

func (noopSummariser) Summarise(_ context.Context, prior string, _ []memory.Message) (string, error) {
	return prior, nil
}

func newEngine(fast, full *llmmock.Provider) *engine.Engine {
	store := &memmock.MessageStore{}
	asm := promptctx.New(&pcmock.ModelResolver{}, &pcmock.ProfileStore{}, store)
	comp := compress.New(compress.Config{}, &memmock.SummaryStore{}, nil, nil, noopSummariser{})
	return engine.New(router.New(nil, router.Config{}), asm, comp, store,
		engine.Providers{Fast: fast, Full: full}, engine.Config{})
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// readUntilTerminal reads frames until a done or error frame arrives.
func readUntilTerminal(t *testing.T, conn *websocket.Conn) []frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frames []frame
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		frames = append(frames, f)
		if f.Type == "done" || f.Type == "error" {
			return frames
		}
	}
}

func TestChat_RoundTrip(t *testing.T) {
	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "hello there"}}
	srv := httptest.NewServer(gateway.New(newEngine(fast, nil)).Handler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(context.Background(), conn, gateway.ChatRequest{
		UserID: "u1", SessionID: "s1", Message: "hi",
	}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	frames := readUntilTerminal(t, conn)

	var content string
	for _, f := range frames {
		if f.Type == "content" {
			content += f.Text
		}
	}
	if content != "hello there" {
		t.Errorf("content = %q, want %q", content, "hello there")
	}

	last := frames[len(frames)-1]
	if last.Type != "done" {
		t.Fatalf("terminal frame = %s, want done", last.Type)
	}
	if last.MessageID == 0 {
		t.Error("done frame carries no message ID")
	}
	if last.Metrics == nil || last.Metrics.Route != "fast" {
		t.Errorf("done metrics = %+v, want route fast", last.Metrics)
	}
}

func TestChat_MultipleRequestsPerConnection(t *testing.T) {
	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	srv := httptest.NewServer(gateway.New(newEngine(fast, nil)).Handler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for i := range 3 {
		if err := wsjson.Write(context.Background(), conn, gateway.ChatRequest{
			UserID: "u1", SessionID: "s1", Message: "hi",
		}); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
		frames := readUntilTerminal(t, conn)
		if frames[len(frames)-1].Type != "done" {
			t.Fatalf("request %d did not complete", i)
		}
	}
}

func TestChat_EngineFailureYieldsErrorFrame(t *testing.T) {
	fast := &llmmock.Provider{CompleteErr: errors.New("model unavailable")}
	srv := httptest.NewServer(gateway.New(newEngine(fast, nil)).Handler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(context.Background(), conn, gateway.ChatRequest{
		UserID: "u1", SessionID: "s1", Message: "hi",
	}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	frames := readUntilTerminal(t, conn)
	last := frames[len(frames)-1]
	if last.Type != "error" {
		t.Fatalf("terminal frame = %s, want error", last.Type)
	}
	if strings.Contains(last.Text, "model unavailable") {
		t.Error("error frame leaks internal error details to the client")
	}
}

func TestChat_EmptyMessageRejectedWithoutClosing(t *testing.T) {
	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	srv := httptest.NewServer(gateway.New(newEngine(fast, nil)).Handler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(context.Background(), conn, gateway.ChatRequest{
		UserID: "u1", SessionID: "s1",
	}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	frames := readUntilTerminal(t, conn)
	if frames[len(frames)-1].Type != "error" {
		t.Fatal("empty message not rejected")
	}

	// The connection stays usable.
	if err := wsjson.Write(context.Background(), conn, gateway.ChatRequest{
		UserID: "u1", SessionID: "s1", Message: "hi",
	}); err != nil {
		t.Fatalf("write after rejection: %v", err)
	}
	frames = readUntilTerminal(t, conn)
	if frames[len(frames)-1].Type != "done" {
		t.Error("connection unusable after rejected frame")
	}
}

func TestChat_ChannelOverrideApplied(t *testing.T) {
	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fast"}}
	full := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "full"}}
	s := gateway.New(newEngine(fast, full), gateway.WithChannelConfig([]config.ChannelConfig{
		{ID: "deep-work", RouteOverride: config.OverrideNameThinking},
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// "hi" routes fast on its own; the channel pin must lift it to full.
	if err := wsjson.Write(context.Background(), conn, gateway.ChatRequest{
		UserID: "u1", SessionID: "s1", ChannelID: "deep-work", Message: "hi",
	}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	frames := readUntilTerminal(t, conn)
	last := frames[len(frames)-1]
	if last.Type != "done" {
		t.Fatalf("terminal frame = %s, want done", last.Type)
	}
	if last.Metrics.Route != "full" {
		t.Errorf("route = %s, want full via channel override", last.Metrics.Route)
	}
	if len(full.CompleteCalls) != 1 {
		t.Errorf("full-tier calls = %d, want 1", len(full.CompleteCalls))
	}
}

func TestChat_MessageFlagBeatsChannelPin(t *testing.T) {
	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fast"}}
	full := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "full"}}
	s := gateway.New(newEngine(fast, full), gateway.WithChannelConfig([]config.ChannelConfig{
		{ID: "quick", RouteOverride: config.OverrideNameFast},
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(context.Background(), conn, gateway.ChatRequest{
		UserID: "u1", SessionID: "s1", ChannelID: "quick", Message: "hi", Thinking: true,
	}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	frames := readUntilTerminal(t, conn)
	last := frames[len(frames)-1]
	if last.Metrics == nil || last.Metrics.Route != "full" {
		t.Errorf("route = %+v, want full (explicit flag beats channel pin)", last.Metrics)
	}
}

func TestHealthz(t *testing.T) {
	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	srv := httptest.NewServer(gateway.New(newEngine(fast, nil)).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
