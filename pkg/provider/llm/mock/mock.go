// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the orchestration engine sends
// correct CompletionRequests and to feed controlled responses without a live
// LLM backend. Responses can be scripted as a sequence so a single test can
// drive a multi-round tool-calling loop.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []*llm.CompletionResponse{
//	        {ToolCalls: []types.ToolCall{{ID: "c1", Name: "web_search", Arguments: "{}"}}},
//	        {Content: "Here is what I found."},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/selenehq/selene/pkg/provider/llm"
	"github.com/selenehq/selene/pkg/types"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Responses is a scripted sequence consumed one per Complete call. When
	// the sequence is exhausted (or nil), the last entry is repeated; if
	// Responses is empty, CompleteResponse is returned instead.
	Responses []*llm.CompletionResponse

	// CompleteResponse is returned by Complete when Responses is empty.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// CountTokensCallCount is the number of times CountTokens was called.
	CountTokensCallCount int

	nextResponse int
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.Responses) == 0 {
		return p.CompleteResponse, nil
	}

	idx := p.nextResponse
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	} else {
		p.nextResponse++
	}
	return p.Responses[idx], nil
}

// CountTokens records the call and returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCallCount++
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Reset clears all recorded calls and rewinds the response script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.CountTokensCallCount = 0
	p.nextResponse = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
