package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/selenehq/selene/internal/compress"
	"github.com/selenehq/selene/internal/engine"
	"github.com/selenehq/selene/internal/promptctx"
	pcmock "github.com/selenehq/selene/internal/promptctx/mock"
	"github.com/selenehq/selene/internal/router"
	"github.com/selenehq/selene/internal/stream"
	"github.com/selenehq/selene/internal/tools"
	"github.com/selenehq/selene/pkg/memory"
	memmock "github.com/selenehq/selene/pkg/memory/mock"
	"github.com/selenehq/selene/pkg/provider/llm"
	llmmock "github.com/selenehq/selene/pkg/provider/llm/mock"
	"github.com/selenehq/selene/pkg/types"
)

// passthroughSummariser keeps the rolling summary tests deterministic.
type passthroughSummariser struct {
	calls int
}

func (s *passthroughSummariser) Summarise(_ context.Context, prior string, msgs []memory.Message) (string, error) {
	s.calls++
	return "summary", nil
}

// harness wires an engine from mocks with sensible defaults.
type harness struct {
	store     *memmock.MessageStore
	summaries *memmock.SummaryStore

	fast     *llmmock.Provider
	balanced *llmmock.Provider
	full     *llmmock.Provider

	memoryB *pcmock.Builder
	intentB *pcmock.Builder

	summariser *passthroughSummariser

	registryTools []tools.Tool

	compressCfg compress.Config
	engineCfg   engine.Config
}

func newHarness() *harness {
	return &harness{
		store:     &memmock.MessageStore{},
		summaries: &memmock.SummaryStore{},
		fast:      &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fast reply"}},
		balanced:  &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "balanced reply"}},
		full:      &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "full reply"}},
		memoryB:   &pcmock.Builder{DigestKind: "memory"},
		intentB:   &pcmock.Builder{DigestKind: "intent"},

		summariser:  &passthroughSummariser{},
		compressCfg: compress.Config{VerbatimCount: 20},
		engineCfg:   engine.Config{MaxRounds: 15},
	}
}

func (h *harness) build() *engine.Engine {
	rt := router.New(nil, router.Config{})

	asm := promptctx.New(
		&pcmock.ModelResolver{},
		&pcmock.ProfileStore{},
		h.store,
		promptctx.WithMemoryDigest(h.memoryB),
		promptctx.WithIntentDigest(h.intentB),
	)

	comp := compress.New(h.compressCfg, h.summaries, nil, nil, h.summariser)

	opts := []engine.Option{}
	if len(h.registryTools) > 0 {
		reg := tools.NewRegistry()
		for _, t := range h.registryTools {
			reg.Register(t)
		}
		opts = append(opts, engine.WithRegistryFactory(
			func(context.Context, string) *tools.Registry { return reg }))
	}

	return engine.New(rt, asm, comp, h.store,
		engine.Providers{Fast: h.fast, Balanced: h.balanced, Full: h.full},
		h.engineCfg, opts...)
}

// drain collects all events and the terminal error.
func drain(t *testing.T, resp *engine.Response) ([]stream.Event, error) {
	t.Helper()
	var events []stream.Event
	for ev := range resp.Events() {
		events = append(events, ev)
	}
	return events, resp.Err()
}

func lastEvent(events []stream.Event) stream.Event {
	if len(events) == 0 {
		return stream.Event{}
	}
	return events[len(events)-1]
}

func echoTool(name string) tools.Tool {
	return tools.Func{
		Def: types.ToolDefinition{Name: name},
		Handler: func(_ context.Context, args string) (tools.Result, error) {
			return tools.Result{Content: "result of " + name}, nil
		},
	}
}

func TestFastRoute_NoToolsNoExpensiveLookups(t *testing.T) {
	h := newHarness()
	h.registryTools = []tools.Tool{echoTool("web_search")}
	e := h.build()

	// "hi" hits the deterministic smalltalk rule.
	events, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "hi",
	}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if calls := len(h.fast.CompleteCalls); calls != 1 {
		t.Fatalf("LLM calls = %d, want exactly 1", calls)
	}
	if tls := h.fast.CompleteCalls[0].Req.Tools; len(tls) != 0 {
		t.Errorf("tool set = %v, want empty on the fast route", tls)
	}
	if h.memoryB.BuildCallCount() != 0 || h.intentB.BuildCallCount() != 0 {
		t.Error("memory/intent digest lookups ran on the fast route")
	}

	done := lastEvent(events)
	if done.Type != stream.KindDone {
		t.Fatalf("last event = %s, want done", done.Type)
	}
	if len(done.Metrics.ToolsUsed) != 0 {
		t.Errorf("ToolsUsed = %v, want empty", done.Metrics.ToolsUsed)
	}
	if done.Metrics.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", done.Metrics.Rounds)
	}
	if done.Metrics.Route != "fast" || done.Metrics.RouteSource != "rules" {
		t.Errorf("route provenance = %s/%s, want fast/rules", done.Metrics.Route, done.Metrics.RouteSource)
	}

	// No tool-role messages were appended anywhere.
	for _, m := range h.store.Messages {
		if m.Role == "tool" {
			t.Errorf("tool message persisted: %+v", m)
		}
	}
}

func TestToolScenario_TwoCallsOneDispatch(t *testing.T) {
	h := newHarness()
	h.registryTools = []tools.Tool{echoTool("web_search")}
	h.balanced.Responses = []*llm.CompletionResponse{
		{
			ToolCalls: []types.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"news"}`}},
			Usage:     llm.Usage{PromptTokens: 100, CompletionTokens: 10},
		},
		{
			Content: "Here is what I found.",
			Usage:   llm.Usage{PromptTokens: 150, CompletionTokens: 30},
		},
	}
	e := h.build()

	// No rule matches and there is no classifier, so this lands on the
	// balanced fallback route where tools are offered.
	events, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "find the latest release notes",
	}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if calls := len(h.balanced.CompleteCalls); calls != 2 {
		t.Fatalf("LLM calls = %d, want 2", calls)
	}

	// The follow-up call carries the assistant tool-call message and
	// exactly one tool-result message, in order.
	second := h.balanced.CompleteCalls[1].Req.Messages
	var toolMsgs []types.Message
	for _, m := range second {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 1 {
		t.Fatalf("tool messages in follow-up = %d, want 1", len(toolMsgs))
	}
	if toolMsgs[0].ToolCallID != "c1" {
		t.Errorf("ToolCallID = %q, want c1", toolMsgs[0].ToolCallID)
	}
	if toolMsgs[0].Content != "result of web_search" {
		t.Errorf("tool content = %q", toolMsgs[0].Content)
	}

	done := lastEvent(events)
	if done.Type != stream.KindDone {
		t.Fatalf("last event = %s, want done", done.Type)
	}
	if len(done.Metrics.ToolsUsed) != 1 || done.Metrics.ToolsUsed[0] != "web_search" {
		t.Errorf("ToolsUsed = %v, want [web_search]", done.Metrics.ToolsUsed)
	}
	if done.Metrics.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", done.Metrics.Rounds)
	}
	if done.Metrics.PromptTokens != 250 || done.Metrics.CompletionTokens != 40 {
		t.Errorf("tokens = %d/%d, want 250/40", done.Metrics.PromptTokens, done.Metrics.CompletionTokens)
	}
}

func TestToolResults_MatchIssueOrder(t *testing.T) {
	h := newHarness()
	h.registryTools = []tools.Tool{echoTool("alpha"), echoTool("beta"), echoTool("gamma")}
	h.balanced.Responses = []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{
			{ID: "c1", Name: "gamma", Arguments: "{}"},
			{ID: "c2", Name: "alpha", Arguments: "{}"},
			{ID: "c3", Name: "beta", Arguments: "{}"},
		}},
		{Content: "done"},
	}
	e := h.build()

	if _, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "run everything",
	})); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	second := h.balanced.CompleteCalls[1].Req.Messages
	var ids []string
	for _, m := range second {
		if m.Role == "tool" {
			ids = append(ids, m.ToolCallID)
		}
	}
	want := []string{"c1", "c2", "c3"}
	if len(ids) != len(want) {
		t.Fatalf("tool results = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("tool result %d = %q, want %q (issue order must be preserved)", i, ids[i], want[i])
		}
	}
}

func TestRoundCap_ForcesTermination(t *testing.T) {
	h := newHarness()
	h.engineCfg.MaxRounds = 4
	h.registryTools = []tools.Tool{echoTool("web_search")}
	// The scripted last response repeats, so the model requests a tool on
	// every round forever.
	h.balanced.Responses = []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "web_search", Arguments: "{}"}}},
	}
	e := h.build()

	events, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "search everything forever",
	}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if calls := len(h.balanced.CompleteCalls); calls != 4 {
		t.Errorf("LLM calls = %d, want exactly the round cap of 4", calls)
	}

	done := lastEvent(events)
	if done.Type != stream.KindDone {
		t.Fatalf("last event = %s, want done (loop must terminate, not hang)", done.Type)
	}
	if done.Metrics.Rounds != 4 {
		t.Errorf("Rounds = %d, want 4", done.Metrics.Rounds)
	}
}

func TestToolExecutorError_BecomesResultMessage(t *testing.T) {
	h := newHarness()
	h.registryTools = []tools.Tool{tools.Func{
		Def: types.ToolDefinition{Name: "web_search"},
		Handler: func(context.Context, string) (tools.Result, error) {
			return tools.Result{}, errors.New("search backend exploded")
		},
	}}
	h.balanced.Responses = []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "web_search", Arguments: "{}"}}},
		{Content: "sorry, search is down"},
	}
	e := h.build()

	events, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "look this up",
	}))
	if err != nil {
		t.Fatalf("tool failure must not fail the request: %v", err)
	}

	second := h.balanced.CompleteCalls[1].Req.Messages
	found := false
	for _, m := range second {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			found = true
			if m.Content == "" {
				t.Error("tool-result content is empty, want an error description")
			}
			if !strings.Contains(m.Content, "search backend exploded") {
				t.Errorf("tool-result content = %q, want the executor error", m.Content)
			}
		}
	}
	if !found {
		t.Fatal("no tool-result message for the failed call")
	}

	if lastEvent(events).Type != stream.KindDone {
		t.Error("loop did not reach done after tool failure")
	}
}

func TestLLMFailure_Propagates(t *testing.T) {
	h := newHarness()
	h.balanced.CompleteErr = errors.New("model unavailable")
	e := h.build()

	events, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "explain this",
	}))
	if err == nil {
		t.Fatal("LLM failure must propagate as a request failure")
	}
	for _, ev := range events {
		if ev.Type == stream.KindDone {
			t.Error("done emitted despite fatal failure")
		}
	}
}

func TestPersistenceBeforeDone(t *testing.T) {
	h := newHarness()
	e := h.build()

	resp := e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", ChannelID: "web", Message: "hi",
	})

	for ev := range resp.Events() {
		if ev.Type != stream.KindDone {
			continue
		}
		// At the moment the done event is observed, the assistant message
		// is already durable.
		var assistant *memory.Message
		for i := range h.store.Messages {
			if h.store.Messages[i].Role == "assistant" {
				assistant = &h.store.Messages[i]
			}
		}
		if assistant == nil {
			t.Fatal("assistant message not persisted before done")
		}
		if assistant.ID != ev.MessageID {
			t.Errorf("done MessageID = %d, persisted ID = %d", ev.MessageID, assistant.ID)
		}
		if assistant.Content != "fast reply" {
			t.Errorf("persisted content = %q", assistant.Content)
		}
		if assistant.Metadata["route"] != "fast" {
			t.Errorf("persisted route metadata = %q", assistant.Metadata["route"])
		}
	}
	if err := resp.Err(); err != nil {
		t.Fatalf("request failed: %v", err)
	}
}

func TestActionsEmittedImmediately(t *testing.T) {
	h := newHarness()
	h.registryTools = []tools.Tool{tools.Func{
		Def: types.ToolDefinition{Name: "create_task"},
		Handler: func(context.Context, string) (tools.Result, error) {
			return tools.Result{
				Content: "created",
				Action:  &stream.Action{Kind: stream.ActionRefreshPanel},
			}, nil
		},
	}}
	h.balanced.Responses = []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "create_task", Arguments: "{}"}}},
		{Content: "task created"},
	}
	e := h.build()

	events, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "remind me to stretch",
	}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	actionIdx, contentIdx := -1, -1
	for i, ev := range events {
		switch ev.Type {
		case stream.KindAction:
			if actionIdx == -1 {
				actionIdx = i
			}
		case stream.KindContent:
			if contentIdx == -1 {
				contentIdx = i
			}
		}
	}
	if actionIdx == -1 {
		t.Fatal("no action event emitted")
	}
	if contentIdx != -1 && actionIdx > contentIdx {
		t.Error("action emitted after content; must be emitted during dispatch, not at loop end")
	}
}

func TestThinkingOverride_UsesFullTier(t *testing.T) {
	h := newHarness()
	e := h.build()

	if _, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "hi", Thinking: true,
	})); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if len(h.full.CompleteCalls) != 1 {
		t.Errorf("full-tier calls = %d, want 1 (thinking floors the route)", len(h.full.CompleteCalls))
	}
	if len(h.fast.CompleteCalls) != 0 {
		t.Errorf("fast-tier calls = %d, want 0", len(h.fast.CompleteCalls))
	}
}

func TestFastOverride_SuppressesTools(t *testing.T) {
	h := newHarness()
	h.registryTools = []tools.Tool{echoTool("web_search")}
	e := h.build()

	if _, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "look up the weather", Fast: true,
	})); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if len(h.fast.CompleteCalls) != 1 {
		t.Fatalf("fast-tier calls = %d, want 1", len(h.fast.CompleteCalls))
	}
	if tls := h.fast.CompleteCalls[0].Req.Tools; len(tls) != 0 {
		t.Errorf("tool set = %v, want empty under the fast override", tls)
	}
}

func TestForcedSummarisation_RunsBeforePromptBuild(t *testing.T) {
	h := newHarness()
	h.compressCfg = compress.Config{VerbatimCount: 2, ContextBudgetTokens: 40}
	e := h.build()

	// Seed enough history to blow the tiny budget.
	for range 10 {
		if _, err := h.store.Add(context.Background(), "s1", "user",
			strings.Repeat("long message ", 10), nil); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if _, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "hi",
	})); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if h.summariser.calls == 0 {
		t.Error("summariser never ran despite history over budget")
	}
	if h.summaries.SetSummaryCalls == 0 {
		t.Error("rolling summary not persisted")
	}

	// The prompt was built from the shortened view: only the verbatim
	// tail (plus the current message) reaches the LLM.
	sent := h.fast.CompleteCalls[0].Req.Messages
	if len(sent) > 2 {
		t.Errorf("prompt carries %d messages, want at most the verbatim tail of 2", len(sent))
	}
}

func TestForcedSummarisation_HonoursVerbatimOverride(t *testing.T) {
	h := newHarness()
	h.compressCfg = compress.Config{VerbatimCount: 2, ContextBudgetTokens: 40}
	e := h.build()

	for range 10 {
		if _, err := h.store.Add(context.Background(), "s1", "user",
			strings.Repeat("long message ", 10), nil); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	// The channel keeps 6 verbatim messages; the forced pass must cut at
	// the override, not the global count, or the prompt loses the tail the
	// override promised.
	if _, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "hi", VerbatimOverride: 6,
	})); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if h.summariser.calls == 0 {
		t.Error("summariser never ran despite history over budget")
	}
	sent := h.fast.CompleteCalls[0].Req.Messages
	if len(sent) != 6 {
		t.Errorf("prompt carries %d messages, want the override tail of 6", len(sent))
	}
}

func TestRespond_DrainsToReply(t *testing.T) {
	h := newHarness()
	h.fast.CompleteResponse = &llm.CompletionResponse{
		Content: "fast reply",
		Usage:   llm.Usage{PromptTokens: 12, CompletionTokens: 5},
	}
	e := h.build()

	reply, err := e.Respond(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "hi",
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply.Content != "fast reply" {
		t.Errorf("Content = %q", reply.Content)
	}
	if reply.MessageID == 0 {
		t.Error("MessageID not set")
	}
	if reply.TokensUsed != 17 {
		t.Errorf("TokensUsed = %d, want 17", reply.TokensUsed)
	}
}

func TestRespond_SurfacesFailure(t *testing.T) {
	h := newHarness()
	h.fast.CompleteErr = errors.New("model unavailable")
	h.balanced.CompleteErr = errors.New("model unavailable")
	e := h.build()

	if _, err := e.Respond(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "hi",
	}); err == nil {
		t.Fatal("Respond succeeded despite LLM failure")
	}
}

func TestBackgroundIndexingEnqueued(t *testing.T) {
	h := newHarness()

	var enqueued []string
	queue := enqueueFunc(func(name string, fn func(context.Context) error) bool {
		enqueued = append(enqueued, name)
		return true
	})
	indexer := indexerFunc(func(context.Context, memory.Message) error { return nil })

	rt := router.New(nil, router.Config{})
	asm := promptctx.New(&pcmock.ModelResolver{}, &pcmock.ProfileStore{}, h.store)
	comp := compress.New(h.compressCfg, h.summaries, nil, nil, h.summariser)
	e := engine.New(rt, asm, comp, h.store,
		engine.Providers{Fast: h.fast},
		h.engineCfg,
		engine.WithBackgroundQueue(queue, indexer))

	if _, err := drain(t, e.Stream(context.Background(), engine.Request{
		UserID: "u1", SessionID: "s1", Message: "hi",
	})); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if len(enqueued) != 2 {
		t.Fatalf("enqueued tasks = %v, want user and assistant indexing", enqueued)
	}
}

type enqueueFunc func(string, func(context.Context) error) bool

func (f enqueueFunc) Enqueue(name string, fn func(context.Context) error) bool { return f(name, fn) }

type indexerFunc func(context.Context, memory.Message) error

func (f indexerFunc) IndexMessage(ctx context.Context, msg memory.Message) error { return f(ctx, msg) }
