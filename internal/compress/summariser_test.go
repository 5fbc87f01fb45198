package compress_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/selenehq/selene/internal/compress"
	"github.com/selenehq/selene/pkg/memory"
	"github.com/selenehq/selene/pkg/provider/llm"
	llmmock "github.com/selenehq/selene/pkg/provider/llm/mock"
)

func TestLLMSummariser_FormatsTranscript(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "a concise summary"},
	}
	s := compress.NewLLMSummariser(provider)

	got, err := s.Summarise(context.Background(), "", []memory.Message{
		{Role: "user", Content: "I adopted a cat"},
		{Role: "assistant", Content: "What's its name?"},
	})
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if got != "a concise summary" {
		t.Errorf("summary = %q", got)
	}

	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("complete calls = %d, want 1", len(provider.CompleteCalls))
	}
	req := provider.CompleteCalls[0].Req
	if req.SystemPrompt == "" {
		t.Error("summarisation request has no system prompt")
	}
	if len(req.Tools) != 0 {
		t.Error("summarisation request offers tools")
	}
	body := req.Messages[0].Content
	if !strings.Contains(body, "[user]: I adopted a cat") {
		t.Errorf("transcript missing user line:\n%s", body)
	}
	if !strings.Contains(body, "[assistant]: What's its name?") {
		t.Errorf("transcript missing assistant line:\n%s", body)
	}
}

func TestLLMSummariser_IncludesPriorSummary(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "merged"},
	}
	s := compress.NewLLMSummariser(provider)

	if _, err := s.Summarise(context.Background(), "they planned a trip", []memory.Message{
		{Role: "user", Content: "cancel the trip"},
	}); err != nil {
		t.Fatalf("Summarise: %v", err)
	}

	body := provider.CompleteCalls[0].Req.Messages[0].Content
	if !strings.Contains(body, "Existing summary:\nthey planned a trip") {
		t.Errorf("prior summary not included:\n%s", body)
	}
}

func TestLLMSummariser_EmptyInput(t *testing.T) {
	provider := &llmmock.Provider{}
	s := compress.NewLLMSummariser(provider)

	got, err := s.Summarise(context.Background(), "keep me", nil)
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if got != "keep me" {
		t.Errorf("summary = %q, want prior passed through", got)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("LLM called for empty input")
	}
}

func TestLLMSummariser_ProviderError(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	s := compress.NewLLMSummariser(provider)

	if _, err := s.Summarise(context.Background(), "", []memory.Message{{Role: "user", Content: "x"}}); err == nil {
		t.Fatal("Summarise succeeded despite provider error")
	}
}
