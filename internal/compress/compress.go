package compress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/selenehq/selene/pkg/memory"
	"github.com/selenehq/selene/pkg/provider/embeddings"
	"github.com/selenehq/selene/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common LLM
// tokenizers; this avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// earlierContextMarker prefixes semantically retrieved messages so the model
// can tell them apart from the recent verbatim tail.
const earlierContextMarker = "[Earlier in this conversation] "

// Config holds the compression tuning knobs.
type Config struct {
	// VerbatimCount is how many recent messages are kept verbatim.
	// Default 30.
	VerbatimCount int

	// RetrievalTopK is how many older messages may be pulled back by
	// embedding similarity. Default 6. Zero disables the semantic tier.
	RetrievalTopK int

	// SemanticMaxChars truncates each retrieved message, counted in
	// characters. Default 500.
	SemanticMaxChars int

	// SummaryBatchSize bounds how many messages one summarisation LLM call
	// folds into the rolling summary. Default 40.
	SummaryBatchSize int

	// ContextBudgetTokens is the token budget for the whole history.
	// Default 24000.
	ContextBudgetTokens int

	// ThresholdRatio is the fraction of the budget at which forced
	// summarisation triggers. Default 0.75.
	ThresholdRatio float64

	// EmbedCacheCapacity bounds the query-embedding cache. Default 512.
	EmbedCacheCapacity int
}

func (c *Config) applyDefaults() {
	if c.VerbatimCount <= 0 {
		c.VerbatimCount = 30
	}
	if c.RetrievalTopK < 0 {
		c.RetrievalTopK = 0
	}
	if c.SemanticMaxChars <= 0 {
		c.SemanticMaxChars = 500
	}
	if c.SummaryBatchSize <= 0 {
		c.SummaryBatchSize = 40
	}
	if c.ContextBudgetTokens <= 0 {
		c.ContextBudgetTokens = 24000
	}
	if c.ThresholdRatio <= 0 {
		c.ThresholdRatio = 0.75
	}
	if c.EmbedCacheCapacity <= 0 {
		c.EmbedCacheCapacity = 512
	}
}

// Request identifies one compression turn. History must be ordered
// oldest-first (the order [memory.MessageStore.Recent] returns).
type Request struct {
	SessionID string
	Message   string
	History   []memory.Message

	// VerbatimOverride, when positive, replaces the configured verbatim
	// count for this request (per-channel tuning).
	VerbatimOverride int
}

// CompressedContext is the bounded prompt body produced by [Compressor.Build].
type CompressedContext struct {
	// SummaryPrefix is the rolling summary text for injection into the
	// system prompt. Empty when the session has no summary yet.
	SummaryPrefix string

	// Relevant holds semantically retrieved older messages, oldest-first,
	// each truncated and prefixed with an earlier-context marker.
	Relevant []types.Message

	// Recent is the verbatim tail, oldest-first.
	Recent []types.Message
}

// Compressor produces bounded prompt bodies and maintains the rolling
// summary. Safe for concurrent use.
type Compressor struct {
	cfg        Config
	summaries  memory.SummaryStore
	index      memory.SemanticIndex
	embedder   embeddings.Provider
	summariser Summariser

	cache *embedCache
}

// New creates a [Compressor]. summaries and summariser are required. index
// and embedder are optional as a pair; when either is nil the semantic
// retrieval tier is disabled.
func New(cfg Config, summaries memory.SummaryStore, index memory.SemanticIndex, embedder embeddings.Provider, summariser Summariser) *Compressor {
	cfg.applyDefaults()
	return &Compressor{
		cfg:        cfg,
		summaries:  summaries,
		index:      index,
		embedder:   embedder,
		summariser: summariser,
		cache:      newEmbedCache(cfg.EmbedCacheCapacity),
	}
}

// ShouldForceSummarise reports whether the history's estimated token count
// exceeds the threshold fraction of the effective budget. The effective
// budget is the configured one, lowered to contextWindow when the model's
// window is smaller. contextWindow of 0 means unknown.
func (c *Compressor) ShouldForceSummarise(history []memory.Message, contextWindow int) bool {
	budget := c.cfg.ContextBudgetTokens
	if contextWindow > 0 && contextWindow < budget {
		budget = contextWindow
	}
	threshold := int(float64(budget) * c.cfg.ThresholdRatio)
	return estimateTokens(history) > threshold
}

// ForceSummarise folds everything older than the verbatim tail into the
// session's rolling summary, in batches of at most SummaryBatchSize
// messages per LLM call, and persists the result. It returns the remaining
// (unsummarised) history tail, which callers use for prompt building in
// place of the full history. verbatimOverride, when positive, replaces the
// configured tail length so channel-level overrides keep the same messages
// a subsequent Build will render verbatim.
//
// The history itself stays durable in the message store; only the prompt's
// view of it shrinks.
func (c *Compressor) ForceSummarise(ctx context.Context, sessionID string, history []memory.Message, verbatimOverride int) ([]memory.Message, error) {
	verbatim := c.cfg.VerbatimCount
	if verbatimOverride > 0 {
		verbatim = verbatimOverride
	}
	cut := len(history) - verbatim
	if cut <= 0 {
		return history, nil
	}

	summary, err := c.summaries.Summary(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("compress: load summary: %w", err)
	}

	toFold := history[:cut]
	for len(toFold) > 0 {
		batch := toFold
		if len(batch) > c.cfg.SummaryBatchSize {
			batch = batch[:c.cfg.SummaryBatchSize]
		}
		summary, err = c.summariser.Summarise(ctx, summary, batch)
		if err != nil {
			return nil, fmt.Errorf("compress: fold history: %w", err)
		}
		toFold = toFold[len(batch):]
	}

	if err := c.summaries.SetSummary(ctx, sessionID, summary); err != nil {
		return nil, fmt.Errorf("compress: persist summary: %w", err)
	}

	return history[cut:], nil
}

// Build produces the bounded prompt body for one turn. It is idempotent:
// identical requests with no intervening writes yield structurally
// identical results.
//
// Failure policy: a summary-store or retrieval failure degrades that tier
// (logged, omitted) rather than failing the turn. Build itself fails only
// on context cancellation.
func (c *Compressor) Build(ctx context.Context, req Request) (*CompressedContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compress: build: %w", err)
	}

	out := &CompressedContext{}

	summary, err := c.summaries.Summary(ctx, req.SessionID)
	if err != nil {
		slog.Warn("rolling summary unavailable", "session_id", req.SessionID, "error", err)
	} else {
		out.SummaryPrefix = summary
	}

	verbatim := c.cfg.VerbatimCount
	if req.VerbatimOverride > 0 {
		verbatim = req.VerbatimOverride
	}

	recent := req.History
	if len(recent) > verbatim {
		recent = recent[len(recent)-verbatim:]
	}
	out.Recent = toPromptMessages(recent)

	out.Relevant = c.retrieve(ctx, req, recent)

	return out, nil
}

// retrieve runs the semantic tier: embed the current message (cached),
// search the index excluding the verbatim tail, and render the hits
// oldest-first with the earlier-context marker. Any failure degrades to an
// empty tier.
func (c *Compressor) retrieve(ctx context.Context, req Request, verbatimTail []memory.Message) []types.Message {
	if c.index == nil || c.embedder == nil || c.cfg.RetrievalTopK <= 0 {
		return nil
	}
	// Nothing older than the tail means nothing to retrieve.
	if len(req.History) <= len(verbatimTail) {
		return nil
	}

	key := req.SessionID + "\x00" + req.Message
	embedding := c.cache.get(key)
	if embedding == nil {
		var err error
		embedding, err = c.embedder.Embed(ctx, req.Message)
		if err != nil {
			slog.Warn("query embedding failed", "session_id", req.SessionID, "error", err)
			return nil
		}
		c.cache.put(key, embedding)
	}

	exclude := make([]int64, 0, len(verbatimTail))
	for _, m := range verbatimTail {
		exclude = append(exclude, m.ID)
	}

	scored, err := c.index.Search(ctx, req.SessionID, embedding, c.cfg.RetrievalTopK, exclude)
	if err != nil {
		slog.Warn("semantic retrieval failed", "session_id", req.SessionID, "error", err)
		return nil
	}
	if len(scored) == 0 {
		return nil
	}

	// Search returns most-similar-first; the prompt wants oldest-first.
	msgs := make([]memory.Message, 0, len(scored))
	for _, s := range scored {
		msgs = append(msgs, s.Message)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, types.Message{
			Role:    m.Role,
			Content: earlierContextMarker + truncateRunes(m.Content, c.cfg.SemanticMaxChars),
		})
	}
	return out
}

// truncateRunes shortens s to at most n runes, never splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// toPromptMessages converts stored messages to prompt messages.
func toPromptMessages(msgs []memory.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, types.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// estimateTokens returns a rough token count for stored messages using the
// 1-token-per-4-characters heuristic.
func estimateTokens(msgs []memory.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Role) + len(m.Content)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
