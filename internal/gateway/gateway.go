// Package gateway exposes the engine over HTTP: a websocket chat endpoint
// that streams the response event sequence frame by frame, a health probe,
// and the Prometheus metrics handler.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/selenehq/selene/internal/config"
	"github.com/selenehq/selene/internal/engine"
	"github.com/selenehq/selene/internal/observe"
)

// ChatRequest is one inbound websocket frame asking for a reply.
type ChatRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	ChannelID string `json:"channel_id,omitempty"`
	Message   string `json:"message"`

	// Thinking and Fast are the per-message override flags. Channel-level
	// overrides from configuration are applied on top.
	Thinking bool `json:"thinking,omitempty"`
	Fast     bool `json:"fast,omitempty"`
}

// wireError is the frame sent when a request fails fatally. The event
// sequence itself ends without a done frame in that case.
type wireError struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Server serves the websocket chat protocol.
type Server struct {
	engine  *engine.Engine
	metrics *observe.Metrics

	mu       sync.RWMutex
	channels map[string]config.ChannelConfig
}

// Option configures a [Server].
type Option func(*Server)

// WithChannelConfig installs per-channel overrides (pinned route override,
// verbatim count).
func WithChannelConfig(channels []config.ChannelConfig) Option {
	return func(s *Server) {
		for _, ch := range channels {
			s.channels[ch.ID] = ch
		}
	}
}

// WithMetrics installs the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a [Server] on top of e.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   e,
		channels: make(map[string]config.ChannelConfig),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// UpdateChannels replaces the per-channel overrides. Called by the config
// hot-reload path; in-flight requests keep the overrides they started with.
func (s *Server) UpdateChannels(channels []config.ChannelConfig) {
	next := make(map[string]config.ChannelConfig, len(channels))
	for _, ch := range channels {
		next[ch.ID] = ch
	}
	s.mu.Lock()
	s.channels = next
	s.mu.Unlock()
}

// Handler returns the gateway's HTTP handler: /v1/chat (websocket) and
// /healthz, wrapped in the tracing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return observe.Middleware(s.metrics)(mux)
}

// MetricsHandler returns the Prometheus scrape handler. Served on its own
// listener so the metrics port can stay internal.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// handleChat upgrades to websocket and serves chat requests until the
// client disconnects. Requests on one connection are processed serially;
// events are forwarded as JSON frames in production order.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection abandoned")

	ctx := r.Context()
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	for {
		var req ChatRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			slog.Debug("websocket read failed", "error", err)
			return
		}
		if req.Message == "" {
			if err := wsjson.Write(ctx, conn, wireError{Type: "error", Text: "message must not be empty"}); err != nil {
				return
			}
			continue
		}

		if err := s.serve(ctx, conn, req); err != nil {
			return
		}
	}
}

// serve runs one request through the engine and forwards its events. A
// write failure (client gone) returns an error; the engine pipeline keeps
// running to completion in its own goroutine either way.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, req ChatRequest) error {
	resp := s.engine.Stream(ctx, s.toEngineRequest(req))

	for ev := range resp.Events() {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			slog.Debug("websocket write failed, abandoning stream", "error", err)
			return err
		}
	}
	if err := resp.Err(); err != nil {
		slog.Error("chat request failed", "session_id", req.SessionID, "error", err)
		return wsjson.Write(ctx, conn, wireError{Type: "error", Text: "request failed, please try again"})
	}
	return nil
}

// toEngineRequest merges the frame with the channel's configured overrides.
// A channel-pinned override is applied only when the frame carries none, so
// an explicit per-message flag always wins.
func (s *Server) toEngineRequest(req ChatRequest) engine.Request {
	out := engine.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		ChannelID: req.ChannelID,
		Message:   req.Message,
		Thinking:  req.Thinking,
		Fast:      req.Fast,
	}

	s.mu.RLock()
	ch, ok := s.channels[req.ChannelID]
	s.mu.RUnlock()
	if !ok {
		return out
	}
	if !out.Thinking && !out.Fast {
		switch ch.RouteOverride {
		case config.OverrideNameThinking:
			out.Thinking = true
		case config.OverrideNameFast:
			out.Fast = true
		}
	}
	out.VerbatimOverride = ch.VerbatimCount
	return out
}
