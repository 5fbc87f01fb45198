// Package digest provides the concrete builders behind the four prompt
// digests: memory (semantic recall), ability (available tools), preference
// (stored user preferences), and intent (LLM-classified goal of the current
// message).
//
// Each builder implements [promptctx.DigestBuilder]. Build does the fetch
// and condensing; Format renders the result for prompt injection and is pure.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/selenehq/selene/internal/promptctx"
	"github.com/selenehq/selene/pkg/memory"
	"github.com/selenehq/selene/pkg/provider/embeddings"
	"github.com/selenehq/selene/pkg/provider/llm"
	"github.com/selenehq/selene/pkg/types"
)

// memorySnippetMaxChars truncates each recalled message in the memory digest.
const memorySnippetMaxChars = 300

// prefFactPrefix marks user facts that represent preferences. The prefix is
// stripped for display.
const prefFactPrefix = "pref_"

// Memory recalls semantically relevant earlier messages for the current one.
type Memory struct {
	embedder embeddings.Provider
	index    memory.SemanticIndex
	topK     int
}

// NewMemory creates the memory digest builder. topK values below 1 default
// to 3.
func NewMemory(embedder embeddings.Provider, index memory.SemanticIndex, topK int) *Memory {
	if topK < 1 {
		topK = 3
	}
	return &Memory{embedder: embedder, index: index, topK: topK}
}

func (m *Memory) Kind() string { return "memory" }

// Build embeds message and recalls the most similar stored messages in the
// session.
func (m *Memory) Build(ctx context.Context, userID, sessionID, message string) (promptctx.Digest, error) {
	if strings.TrimSpace(message) == "" {
		return promptctx.Digest{Kind: m.Kind()}, nil
	}

	embedding, err := m.embedder.Embed(ctx, message)
	if err != nil {
		return promptctx.Digest{}, fmt.Errorf("digest: embed for memory recall: %w", err)
	}

	hits, err := m.index.Search(ctx, sessionID, embedding, m.topK, nil)
	if err != nil {
		return promptctx.Digest{}, fmt.Errorf("digest: memory recall: %w", err)
	}
	if len(hits) == 0 {
		return promptctx.Digest{Kind: m.Kind()}, nil
	}

	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "- %s\n", truncateRunes(h.Message.Content, memorySnippetMaxChars))
	}
	return promptctx.Digest{
		Kind: m.Kind(),
		Text: strings.TrimSpace(sb.String()),
		Meta: map[string]string{"hits": fmt.Sprint(len(hits))},
	}, nil
}

func (m *Memory) Format(d promptctx.Digest) string { return d.Text }

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

// Ability summarises the tools available to the user so the model knows
// what it can do before any tool schema is attached.
type Ability struct {
	definitions func(ctx context.Context, userID string) []types.ToolDefinition
}

// NewAbility creates the ability digest builder. definitions returns the
// per-user tool snapshot (typically the registry factory's Definitions).
func NewAbility(definitions func(ctx context.Context, userID string) []types.ToolDefinition) *Ability {
	return &Ability{definitions: definitions}
}

func (a *Ability) Kind() string { return "ability" }

// Build renders one line per available tool.
func (a *Ability) Build(ctx context.Context, userID, _, _ string) (promptctx.Digest, error) {
	defs := a.definitions(ctx, userID)
	if len(defs) == 0 {
		return promptctx.Digest{Kind: a.Kind()}, nil
	}

	var sb strings.Builder
	for _, def := range defs {
		desc := def.Description
		if i := strings.IndexByte(desc, '.'); i > 0 {
			desc = desc[:i+1]
		}
		if desc == "" {
			sb.WriteString("- " + def.Name + "\n")
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", def.Name, desc)
	}
	return promptctx.Digest{Kind: a.Kind(), Text: strings.TrimSpace(sb.String())}, nil
}

func (a *Ability) Format(d promptctx.Digest) string { return d.Text }

// FactStore resolves durable user facts. Satisfied by the postgres store.
type FactStore interface {
	Facts(ctx context.Context, userID string) (map[string]string, error)
}

// Preference extracts the preference-class facts from the user's fact
// store: keys carrying the "pref_" prefix.
type Preference struct {
	facts FactStore
}

// NewPreference creates the preference digest builder.
func NewPreference(facts FactStore) *Preference {
	return &Preference{facts: facts}
}

func (p *Preference) Kind() string { return "preference" }

// Build renders the preference facts sorted by key, prefix stripped.
func (p *Preference) Build(ctx context.Context, userID, _, _ string) (promptctx.Digest, error) {
	facts, err := p.facts.Facts(ctx, userID)
	if err != nil {
		return promptctx.Digest{}, fmt.Errorf("digest: load preferences: %w", err)
	}

	keys := make([]string, 0, len(facts))
	for k := range facts {
		if strings.HasPrefix(k, prefFactPrefix) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return promptctx.Digest{Kind: p.Kind()}, nil
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %s\n", strings.TrimPrefix(k, prefFactPrefix), facts[k])
	}
	return promptctx.Digest{Kind: p.Kind(), Text: strings.TrimSpace(sb.String())}, nil
}

func (p *Preference) Format(d promptctx.Digest) string { return d.Text }

// intentPrompt steers the classifier model to a single-sentence answer.
const intentPrompt = "State, in one short sentence, what the user is currently trying to accomplish. Answer with the intent only, no preamble."

// Intent asks a cheap model what the user is trying to do right now.
type Intent struct {
	provider llm.Provider
}

// NewIntent creates the intent digest builder. provider should be the fast
// tier: the digest is advisory and must stay cheap.
func NewIntent(provider llm.Provider) *Intent {
	return &Intent{provider: provider}
}

func (i *Intent) Kind() string { return "intent" }

// Build classifies the current message's intent with one LLM call.
func (i *Intent) Build(ctx context.Context, _, _, message string) (promptctx.Digest, error) {
	if strings.TrimSpace(message) == "" {
		return promptctx.Digest{Kind: i.Kind()}, nil
	}

	resp, err := i.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: message}},
		SystemPrompt: intentPrompt,
		Temperature:  0.2,
		MaxTokens:    64,
	})
	if err != nil {
		return promptctx.Digest{}, fmt.Errorf("digest: classify intent: %w", err)
	}
	return promptctx.Digest{Kind: i.Kind(), Text: strings.TrimSpace(resp.Content)}, nil
}

func (i *Intent) Format(d promptctx.Digest) string { return d.Text }

// Compile-time interface checks.
var (
	_ promptctx.DigestBuilder = (*Memory)(nil)
	_ promptctx.DigestBuilder = (*Ability)(nil)
	_ promptctx.DigestBuilder = (*Preference)(nil)
	_ promptctx.DigestBuilder = (*Intent)(nil)
)
