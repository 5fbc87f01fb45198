package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/selenehq/selene/internal/compress"
	"github.com/selenehq/selene/internal/observe"
	"github.com/selenehq/selene/internal/promptctx"
	"github.com/selenehq/selene/internal/router"
	"github.com/selenehq/selene/internal/stream"
	"github.com/selenehq/selene/internal/tools"
	"github.com/selenehq/selene/pkg/memory"
	"github.com/selenehq/selene/pkg/provider/llm"
	"github.com/selenehq/selene/pkg/types"
)

// emitter delivers events to the consumer without ever blocking the
// pipeline on an abandoned channel: once the context is cancelled, emits
// become no-ops while side effects continue to completion.
type emitter struct {
	ctx    context.Context
	events chan<- stream.Event
}

func (em *emitter) emit(ev stream.Event) {
	select {
	case em.events <- ev:
	case <-em.ctx.Done():
	}
}

// run executes the whole pipeline for one request and closes the response
// channel when finished. resp.err is set before the close so that readers
// observing the closed channel see the final error.
func (e *Engine) run(ctx context.Context, req Request, resp *Response) {
	defer close(resp.events)

	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	ctx, span := observe.StartSpan(ctx, "engine.request")
	defer span.End()

	e.metrics.ActiveRequests.Add(ctx, 1)
	defer e.metrics.ActiveRequests.Add(ctx, -1)

	start := time.Now()
	em := &emitter{ctx: ctx, events: resp.events}

	decision, err := e.process(ctx, req, em, start)
	if err != nil {
		resp.err = err
		status := "error"
		route, source := "unknown", "unknown"
		if decision != nil {
			route, source = decision.Route.String(), decision.Source.String()
		}
		e.metrics.RecordRequest(ctx, route, source, status)
		e.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		observe.Logger(ctx).Error("request failed",
			"session_id", req.SessionID, "error", err)
	}
}

// process runs routing, context building, and the tool loop. It returns
// the route decision for error labelling even on failure.
func (e *Engine) process(ctx context.Context, req Request, em *emitter, start time.Time) (*router.Decision, error) {
	// The user message is durable before anything else happens.
	userMsg, err := e.messages.Add(ctx, req.SessionID, "user", req.Message, map[string]string{
		"channel_id": req.ChannelID,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: persist user message: %w", err)
	}

	decision := e.router.Decide(ctx, req.Message)
	if ov := router.ResolveOverride(req.Thinking, req.Fast); ov != router.OverrideNone {
		decision = router.ApplyOverride(decision, ov)
		e.metrics.RecordRouteOverride(ctx, ov.String())
	}
	e.metrics.RouteDecisionDuration.Record(ctx, decision.DecisionTime.Seconds(),
		metric.WithAttributes(observe.Attr("source", decision.Source.String())))

	em.emit(stream.Status("Thinking…"))

	pc, err := e.assembler.Assemble(ctx, promptctx.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Message:   req.Message,
		Route:     decision.Route,
	})
	if err != nil {
		return &decision, fmt.Errorf("engine: assemble context: %w", err)
	}
	e.metrics.ContextAssemblyDuration.Record(ctx, pc.AssemblyDuration.Seconds())

	provider := e.providers.For(decision.Route)
	if provider == nil {
		return &decision, fmt.Errorf("engine: no provider configured for route %s", decision.Route)
	}

	history := pc.History
	if e.compressor.ShouldForceSummarise(history, provider.Capabilities().ContextWindow) {
		shorter, serr := e.compressor.ForceSummarise(ctx, req.SessionID, history, req.VerbatimOverride)
		if serr != nil {
			// Degrade: an oversized prompt is still better than no reply.
			slog.Warn("forced summarisation failed", "session_id", req.SessionID, "error", serr)
		} else {
			history = shorter
			e.metrics.SummarisationRuns.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("trigger", "budget")))
		}
	}

	cc, err := e.compressor.Build(ctx, compress.Request{
		SessionID:        req.SessionID,
		Message:          req.Message,
		History:          history,
		VerbatimOverride: req.VerbatimOverride,
	})
	if err != nil {
		return &decision, fmt.Errorf("engine: compress context: %w", err)
	}

	system := e.assembler.SystemPrompt(pc, e.cfg.Persona)
	if cc.SummaryPrefix != "" {
		system += "\n\n## Earlier Conversation Summary\n" + cc.SummaryPrefix
	}

	msgs := make([]types.Message, 0, len(cc.Relevant)+len(cc.Recent))
	msgs = append(msgs, cc.Relevant...)
	msgs = append(msgs, cc.Recent...)

	// An empty tool set is the mechanism that disables tool use on the
	// fast route: the model cannot request what it was never offered.
	var reg *tools.Registry
	var defs []types.ToolDefinition
	if decision.Route.AllowsTools() && e.registry != nil {
		reg = e.registry(ctx, req.UserID)
		defs = reg.Definitions()
	}

	content, loopMetrics, err := e.loop(ctx, em, provider, pc.Model, system, msgs, reg, defs)
	if err != nil {
		return &decision, err
	}

	if content != "" {
		em.emit(stream.Content(content))
	}

	// Exactly-once side effects, in order: persist, enqueue, finalise
	// metrics — all before the terminal event.
	meta := map[string]string{
		"channel_id":   req.ChannelID,
		"route":        decision.Route.String(),
		"route_source": decision.Source.String(),
	}
	if len(loopMetrics.ToolsUsed) > 0 {
		meta["tools_used"] = strings.Join(loopMetrics.ToolsUsed, ",")
	}
	assistantMsg, err := e.messages.Add(ctx, req.SessionID, "assistant", content, meta)
	if err != nil {
		return &decision, fmt.Errorf("engine: persist assistant message: %w", err)
	}

	e.enqueueIndexing(userMsg, assistantMsg)

	loopMetrics.Duration = time.Since(start)
	loopMetrics.Route = decision.Route.String()
	loopMetrics.RouteSource = decision.Source.String()
	e.metrics.RecordRequest(ctx, loopMetrics.Route, loopMetrics.RouteSource, "ok")
	e.metrics.RequestDuration.Record(ctx, loopMetrics.Duration.Seconds(),
		metric.WithAttributes(observe.Attr("route", loopMetrics.Route)))

	em.emit(stream.Done(assistantMsg.ID, loopMetrics))
	return &decision, nil
}

// loop drives the bounded LLM/tool cycle. It returns the final answer text
// and the accumulated metrics. An LLM failure is fatal and propagates; a
// tool failure never is.
func (e *Engine) loop(ctx context.Context, em *emitter, provider llm.Provider, model promptctx.ModelChoice, system string, msgs []types.Message, reg *tools.Registry, defs []types.ToolDefinition) (string, stream.Metrics, error) {
	m := stream.Metrics{ToolsUsed: []string{}}

	for round := 1; round <= e.cfg.MaxRounds; round++ {
		m.Rounds = round

		llmStart := time.Now()
		resp, err := provider.Complete(ctx, llm.CompletionRequest{
			Messages:     msgs,
			Tools:        defs,
			Temperature:  model.Temperature,
			MaxTokens:    model.MaxTokens,
			SystemPrompt: system,
		})
		e.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
		if err != nil {
			return "", m, fmt.Errorf("engine: llm call (round %d): %w", round, err)
		}

		m.PromptTokens += resp.Usage.PromptTokens
		m.CompletionTokens += resp.Usage.CompletionTokens

		if resp.Reasoning != "" {
			em.emit(stream.Reasoning(resp.Reasoning))
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, m, nil
		}

		if round == e.cfg.MaxRounds {
			slog.Warn("tool loop round limit reached, forcing completion",
				"max_rounds", e.cfg.MaxRounds)
			e.metrics.LoopRoundLimitHits.Add(ctx, 1)
			return resp.Content, m, nil
		}

		// One assistant message carrying the calls, then exactly one
		// tool-role message per call, in issue order.
		msgs = append(msgs, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			em.emit(stream.Status(fmt.Sprintf("Running %s…", call.Name)))

			result := e.dispatch(ctx, reg, call)
			m.ToolsUsed = appendUnique(m.ToolsUsed, call.Name)

			if result.Action != nil {
				em.emit(stream.ActionEvent(*result.Action))
			}

			msgs = append(msgs, types.Message{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: call.ID,
			})
		}
	}

	// Unreachable: the round==MaxRounds branch above always returns.
	return "", m, nil
}

// dispatch routes one call through the registry, covering the case of a
// model hallucinating a tool call when none were offered.
func (e *Engine) dispatch(ctx context.Context, reg *tools.Registry, call types.ToolCall) tools.Result {
	if reg == nil {
		slog.Warn("model requested a tool but none were offered", "tool", call.Name)
		return tools.Result{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Tool %q is not available in this conversation.", call.Name),
		}
	}
	return reg.Dispatch(ctx, call)
}

// enqueueIndexing hands the turn's persisted messages to the background
// queue for embedding storage. Best-effort: a full queue drops the work
// with a log line rather than delaying the response.
func (e *Engine) enqueueIndexing(userMsg, assistantMsg memory.Message) {
	if e.queue == nil || e.indexer == nil {
		return
	}

	for _, item := range []struct {
		name string
		msg  memory.Message
	}{
		{"index-user-message", userMsg},
		{"index-assistant-message", assistantMsg},
	} {
		msg := item.msg
		if !e.queue.Enqueue(item.name, func(ctx context.Context) error {
			return e.indexer.IndexMessage(ctx, msg)
		}) {
			slog.Warn("background queue full, dropping task", "task", item.name)
		}
	}
}

// appendUnique appends s when absent, preserving first-use order.
func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
