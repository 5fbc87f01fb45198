package digest_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/selenehq/selene/internal/digest"
	"github.com/selenehq/selene/pkg/memory"
	memmock "github.com/selenehq/selene/pkg/memory/mock"
	embmock "github.com/selenehq/selene/pkg/provider/embeddings/mock"
	"github.com/selenehq/selene/pkg/provider/llm"
	llmmock "github.com/selenehq/selene/pkg/provider/llm/mock"
	"github.com/selenehq/selene/pkg/types"
)

func TestMemory_RecallsAndTruncates(t *testing.T) {
	embedder := &embmock.Provider{EmbedResult: []float32{0.1}}
	index := &memmock.SemanticIndex{SearchResult: []memory.ScoredMessage{
		{Message: memory.Message{ID: 1, Content: "short note"}},
		{Message: memory.Message{ID: 2, Content: strings.Repeat("x", 400)}},
	}}
	b := digest.NewMemory(embedder, index, 3)

	d, err := b.Build(context.Background(), "u1", "s1", "what did I say about notes?")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Kind != "memory" {
		t.Errorf("Kind = %q", d.Kind)
	}
	if !strings.Contains(d.Text, "short note") {
		t.Errorf("digest missing recalled message: %q", d.Text)
	}
	for _, line := range strings.Split(d.Text, "\n") {
		if len(line) > 310 {
			t.Errorf("snippet not truncated: %d chars", len(line))
		}
	}
	if len(index.SearchCalls) != 1 || index.SearchCalls[0].TopK != 3 {
		t.Errorf("search calls = %+v", index.SearchCalls)
	}
	if b.Format(d) != d.Text {
		t.Error("Format must render the built text")
	}
}

func TestMemory_TruncationKeepsRunesIntact(t *testing.T) {
	embedder := &embmock.Provider{EmbedResult: []float32{0.1}}
	// 3 bytes per rune; a byte-indexed cut at 300 would land mid-rune.
	index := &memmock.SemanticIndex{SearchResult: []memory.ScoredMessage{
		{Message: memory.Message{ID: 1, Content: strings.Repeat("猫", 400)}},
	}}
	b := digest.NewMemory(embedder, index, 3)

	d, err := b.Build(context.Background(), "u1", "s1", "cats?")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !utf8.ValidString(d.Text) {
		t.Errorf("digest text is not valid UTF-8: %q", d.Text)
	}
	snippet := strings.TrimPrefix(d.Text, "- ")
	if got := utf8.RuneCountInString(snippet); got != 300 {
		t.Errorf("snippet rune count = %d, want 300", got)
	}
}

func TestMemory_EmptyMessageSkipsLookup(t *testing.T) {
	embedder := &embmock.Provider{}
	index := &memmock.SemanticIndex{}
	b := digest.NewMemory(embedder, index, 3)

	d, err := b.Build(context.Background(), "u1", "s1", "  ")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Text != "" || len(embedder.EmbedCalls) != 0 {
		t.Error("empty message triggered an embedding lookup")
	}
}

func TestMemory_SearchFailure(t *testing.T) {
	embedder := &embmock.Provider{EmbedResult: []float32{0.1}}
	index := &memmock.SemanticIndex{SearchErr: errors.New("pg down")}
	b := digest.NewMemory(embedder, index, 3)

	if _, err := b.Build(context.Background(), "u1", "s1", "hello"); err == nil {
		t.Fatal("Build succeeded despite search failure")
	}
}

func TestAbility_ListsTools(t *testing.T) {
	b := digest.NewAbility(func(context.Context, string) []types.ToolDefinition {
		return []types.ToolDefinition{
			{Name: "web_search", Description: "Search the web. Returns the top results."},
			{Name: "create_task"},
		}
	})

	d, err := b.Build(context.Background(), "u1", "s1", "hi")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(d.Text, "web_search: Search the web.") {
		t.Errorf("description not trimmed to the first sentence: %q", d.Text)
	}
	if !strings.Contains(d.Text, "- create_task") {
		t.Errorf("tool without description missing: %q", d.Text)
	}
}

func TestAbility_NoTools(t *testing.T) {
	b := digest.NewAbility(func(context.Context, string) []types.ToolDefinition { return nil })

	d, err := b.Build(context.Background(), "u1", "s1", "hi")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Text != "" {
		t.Errorf("Text = %q, want empty", d.Text)
	}
}

type stubFacts struct {
	facts map[string]string
	err   error
}

func (s stubFacts) Facts(context.Context, string) (map[string]string, error) {
	return s.facts, s.err
}

func TestPreference_FiltersAndSorts(t *testing.T) {
	b := digest.NewPreference(stubFacts{facts: map[string]string{
		"pref_units":    "metric",
		"pref_language": "German",
		"birthday":      "1990-04-01",
	}})

	d, err := b.Build(context.Background(), "u1", "s1", "hi")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "- language: German\n- units: metric"
	if d.Text != want {
		t.Errorf("Text = %q, want %q", d.Text, want)
	}
}

func TestPreference_NoPreferences(t *testing.T) {
	b := digest.NewPreference(stubFacts{facts: map[string]string{"birthday": "1990-04-01"}})

	d, err := b.Build(context.Background(), "u1", "s1", "hi")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Text != "" {
		t.Errorf("Text = %q, want empty", d.Text)
	}
}

func TestPreference_StoreFailure(t *testing.T) {
	b := digest.NewPreference(stubFacts{err: errors.New("pg down")})
	if _, err := b.Build(context.Background(), "u1", "s1", "hi"); err == nil {
		t.Fatal("Build succeeded despite store failure")
	}
}

func TestIntent_ClassifiesWithFastModel(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " Book a flight to Lisbon. "}}
	b := digest.NewIntent(p)

	d, err := b.Build(context.Background(), "u1", "s1", "I need to get to Lisbon next week")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Text != "Book a flight to Lisbon." {
		t.Errorf("Text = %q", d.Text)
	}

	req := p.CompleteCalls[0].Req
	if len(req.Tools) != 0 {
		t.Error("intent classification must not offer tools")
	}
	if req.MaxTokens == 0 || req.MaxTokens > 128 {
		t.Errorf("MaxTokens = %d, want a small bound", req.MaxTokens)
	}
}

func TestIntent_ProviderFailure(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: errors.New("model unavailable")}
	b := digest.NewIntent(p)
	if _, err := b.Build(context.Background(), "u1", "s1", "hello"); err == nil {
		t.Fatal("Build succeeded despite provider failure")
	}
}
