// Package compress bounds the prompt history for one conversation turn.
//
// Three tiers make up a compressed context: the per-session rolling summary
// (everything older than the retrieval horizon, persisted via
// [memory.SummaryStore]), a handful of relevant-but-old messages pulled back
// by embedding similarity, and the verbatim tail of recent messages.
//
// The compressor also owns forced summarisation: when the estimated token
// count of a session's history approaches the model's context window, the
// oldest segment is folded into the rolling summary before the prompt is
// built.
package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/selenehq/selene/pkg/memory"
	"github.com/selenehq/selene/pkg/provider/llm"
	"github.com/selenehq/selene/pkg/types"
)

// summarisationPrompt is the system prompt sent to the LLM when folding
// conversation segments into the rolling summary.
const summarisationPrompt = `Summarise the following conversation between a user and their personal assistant.
Preserve: facts the user shared about themselves, decisions made, tasks created or completed,
preferences expressed, and any commitments the assistant made.
Be concise but keep every detail that could matter in a later conversation.
If an existing summary is provided, merge the new messages into it rather than starting over.`

// Summariser folds a conversation segment into a rolling summary.
type Summariser interface {
	// Summarise merges msgs into prior and returns the updated summary text.
	// prior may be empty when no summary exists yet.
	Summarise(ctx context.Context, prior string, msgs []memory.Message) (string, error)
}

// LLMSummariser uses an LLM provider to maintain the rolling summary.
type LLMSummariser struct {
	llm llm.Provider
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates an [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats the prior summary and the new messages into a single
// user message and asks the model for the merged summary.
func (s *LLMSummariser) Summarise(ctx context.Context, prior string, msgs []memory.Message) (string, error) {
	if len(msgs) == 0 {
		return prior, nil
	}

	var sb strings.Builder
	if prior != "" {
		fmt.Fprintf(&sb, "Existing summary:\n%s\n\nNew messages:\n", prior)
	}
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []types.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("compress: summarise: %w", err)
	}

	return resp.Content, nil
}
