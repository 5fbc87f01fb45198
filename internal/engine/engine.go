// Package engine drives one message through the full Selene pipeline:
// routing, context assembly and compression, the bounded tool-calling loop
// against the LLM, and the streaming event protocol consumed by front-ends.
//
// A request is exposed as a [Response]: a lazy, single-pass event channel
// plus a terminal error. All exactly-once side effects — persisting the
// assistant message, finalising metrics — happen before the done event is
// emitted, so a consumer that abandons the channel early can never cause a
// lost write.
package engine

import (
	"context"
	"time"

	"github.com/selenehq/selene/internal/compress"
	"github.com/selenehq/selene/internal/observe"
	"github.com/selenehq/selene/internal/promptctx"
	"github.com/selenehq/selene/internal/router"
	"github.com/selenehq/selene/internal/stream"
	"github.com/selenehq/selene/internal/tools"
	"github.com/selenehq/selene/pkg/memory"
	"github.com/selenehq/selene/pkg/provider/llm"
)

// defaultMaxRounds bounds the tool-calling loop. The cap is the primary
// backstop against a model that keeps requesting tools; the optional
// wall-clock timeout is secondary.
const defaultMaxRounds = 15

// Providers holds the LLM backend for each route tier.
type Providers struct {
	Fast     llm.Provider
	Balanced llm.Provider
	Full     llm.Provider
}

// For returns the provider serving the given route, falling back through
// cheaper tiers when a slot is unset.
func (p Providers) For(r router.Route) llm.Provider {
	switch r {
	case router.RouteFull:
		if p.Full != nil {
			return p.Full
		}
		fallthrough
	case router.RouteBalanced:
		if p.Balanced != nil {
			return p.Balanced
		}
		fallthrough
	default:
		return p.Fast
	}
}

// RegistryFactory builds the per-request tool dispatch table from the
// per-user snapshot of available tools. Called once per tool-enabled
// request; the returned registry is read-only afterwards.
type RegistryFactory func(ctx context.Context, userID string) *tools.Registry

// Enqueuer hands fire-and-forget work to the background queue. Enqueue
// reports false when the queue is full; the engine logs and drops in that
// case rather than blocking the response path.
type Enqueuer interface {
	Enqueue(name string, fn func(ctx context.Context) error) bool
}

// Indexer stores a message's embedding for later semantic retrieval.
type Indexer interface {
	IndexMessage(ctx context.Context, msg memory.Message) error
}

// Config holds the engine tuning knobs.
type Config struct {
	// MaxRounds caps the number of LLM calls per request. Default 15.
	MaxRounds int

	// RequestTimeout is the optional wall-clock bound for one request,
	// propagated as context cancellation through every blocking call.
	// Zero disables it; the round cap remains the primary backstop.
	RequestTimeout time.Duration

	// Persona is the assistant's personality description for the system
	// prompt.
	Persona string
}

// Engine orchestrates requests. Safe for concurrent use; each request runs
// in its own goroutine with its own tool registry.
type Engine struct {
	router     *router.Router
	assembler  *promptctx.Assembler
	compressor *compress.Compressor
	messages   memory.MessageStore
	providers  Providers

	registry RegistryFactory
	queue    Enqueuer
	indexer  Indexer
	metrics  *observe.Metrics

	cfg Config
}

// Option configures an [Engine].
type Option func(*Engine)

// WithRegistryFactory installs the per-request tool registry builder.
// Without one, every route behaves like the fast route: no tools.
func WithRegistryFactory(f RegistryFactory) Option {
	return func(e *Engine) { e.registry = f }
}

// WithBackgroundQueue installs the queue for fire-and-forget work
// (embedding indexing). The indexer performs the actual work; both must be
// set for indexing to happen.
func WithBackgroundQueue(q Enqueuer, idx Indexer) Option {
	return func(e *Engine) {
		e.queue = q
		e.indexer = idx
	}
}

// WithMetrics installs the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an [Engine]. All positional dependencies are required.
func New(rt *router.Router, asm *promptctx.Assembler, comp *compress.Compressor, messages memory.MessageStore, providers Providers, cfg Config, opts ...Option) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	e := &Engine{
		router:     rt,
		assembler:  asm,
		compressor: comp,
		messages:   messages,
		providers:  providers,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Request is one user message to process.
type Request struct {
	UserID    string
	SessionID string

	// ChannelID identifies the originating channel (websocket session,
	// Discord channel). Stored as message metadata.
	ChannelID string

	// Message is the user's text.
	Message string

	// Thinking and Fast are the operator override flags. When both are
	// set, thinking wins.
	Thinking bool
	Fast     bool

	// VerbatimOverride replaces the configured verbatim history count for
	// this request when positive (per-channel tuning).
	VerbatimOverride int
}

// Response is the lazy, single-pass event sequence for one request. Consume
// [Response.Events] until it closes, then check [Response.Err].
type Response struct {
	events chan stream.Event
	err    error
}

// Events returns the event channel. It is closed after the terminal done
// event, or without one when the request failed.
func (r *Response) Events() <-chan stream.Event { return r.events }

// Err reports the fatal request error, if any. Valid only after Events has
// been closed.
func (r *Response) Err() error { return r.err }

// Stream starts processing req and returns immediately. The pipeline runs
// in a background goroutine and delivers events through the response.
func (e *Engine) Stream(ctx context.Context, req Request) *Response {
	resp := &Response{events: make(chan stream.Event)}
	go e.run(ctx, req, resp)
	return resp
}

// Reply is the condensed result returned by [Engine.Respond].
type Reply struct {
	// MessageID is the persisted assistant message ID.
	MessageID int64

	// Content is the full answer text.
	Content string

	// TokensUsed is prompt plus completion tokens across all rounds.
	TokensUsed int
}

// Respond drains the event sequence and returns only the final reply. Used
// by front-ends that do not need incremental delivery (the chat bot).
func (e *Engine) Respond(ctx context.Context, req Request) (*Reply, error) {
	resp := e.Stream(ctx, req)

	var reply Reply
	var content []byte
	for ev := range resp.Events() {
		switch ev.Type {
		case stream.KindContent:
			content = append(content, ev.Text...)
		case stream.KindDone:
			reply.MessageID = ev.MessageID
			if ev.Metrics != nil {
				reply.TokensUsed = ev.Metrics.PromptTokens + ev.Metrics.CompletionTokens
			}
		}
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	reply.Content = string(content)
	return &reply, nil
}
