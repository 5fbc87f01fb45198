// Package mock provides in-memory test doubles for the memory contracts.
//
// The mocks record every call so tests can assert both returned data and
// interaction patterns (e.g., that the semantic index was never searched on
// the fast route).
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/selenehq/selene/pkg/memory"
)

// MessageStore is a mock implementation of memory.MessageStore backed by an
// in-memory slice. IDs are assigned sequentially starting at 1.
type MessageStore struct {
	mu sync.Mutex

	// AddErr, if non-nil, is returned by Add.
	AddErr error

	// RecentErr, if non-nil, is returned by Recent.
	RecentErr error

	// Messages holds all stored messages in insertion order.
	Messages []memory.Message

	// AddCalls counts invocations of Add.
	AddCalls int

	// RecentCalls counts invocations of Recent.
	RecentCalls int

	nextID int64
}

// Add implements memory.MessageStore.
func (s *MessageStore) Add(ctx context.Context, sessionID, role, content string, metadata map[string]string) (memory.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AddCalls++
	if s.AddErr != nil {
		return memory.Message{}, s.AddErr
	}
	s.nextID++
	msg := memory.Message{
		ID:        s.nextID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	s.Messages = append(s.Messages, msg)
	return msg, nil
}

// Recent implements memory.MessageStore.
func (s *MessageStore) Recent(ctx context.Context, sessionID string, limit int) ([]memory.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecentCalls++
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}

	var out []memory.Message
	for _, m := range s.Messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SummaryStore is a mock implementation of memory.SummaryStore.
type SummaryStore struct {
	mu sync.Mutex

	// SummaryErr, if non-nil, is returned by Summary.
	SummaryErr error

	// SetSummaryErr, if non-nil, is returned by SetSummary.
	SetSummaryErr error

	// Summaries maps session ID to the stored rolling summary.
	Summaries map[string]string

	// SetSummaryCalls counts invocations of SetSummary.
	SetSummaryCalls int
}

// Summary implements memory.SummaryStore.
func (s *SummaryStore) Summary(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SummaryErr != nil {
		return "", s.SummaryErr
	}
	return s.Summaries[sessionID], nil
}

// SetSummary implements memory.SummaryStore.
func (s *SummaryStore) SetSummary(ctx context.Context, sessionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetSummaryCalls++
	if s.SetSummaryErr != nil {
		return s.SetSummaryErr
	}
	if s.Summaries == nil {
		s.Summaries = map[string]string{}
	}
	s.Summaries[sessionID] = text
	return nil
}

// SearchCall records a single invocation of SemanticIndex.Search.
type SearchCall struct {
	SessionID string
	TopK      int
	Exclude   []int64
}

// SemanticIndex is a mock implementation of memory.SemanticIndex.
type SemanticIndex struct {
	mu sync.Mutex

	// SearchResult is returned by every Search call.
	SearchResult []memory.ScoredMessage

	// SearchErr, if non-nil, is returned by Search.
	SearchErr error

	// IndexErr, if non-nil, is returned by Index.
	IndexErr error

	// Indexed records every message passed to Index.
	Indexed []memory.Message

	// SearchCalls records every invocation of Search.
	SearchCalls []SearchCall
}

// Index implements memory.SemanticIndex.
func (s *SemanticIndex) Index(ctx context.Context, msg memory.Message, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IndexErr != nil {
		return s.IndexErr
	}
	s.Indexed = append(s.Indexed, msg)
	return nil
}

// Search implements memory.SemanticIndex.
func (s *SemanticIndex) Search(ctx context.Context, sessionID string, embedding []float32, topK int, exclude []int64) ([]memory.ScoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchCalls = append(s.SearchCalls, SearchCall{SessionID: sessionID, TopK: topK, Exclude: exclude})
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	return s.SearchResult, nil
}

// Compile-time interface checks.
var (
	_ memory.MessageStore  = (*MessageStore)(nil)
	_ memory.SummaryStore  = (*SummaryStore)(nil)
	_ memory.SemanticIndex = (*SemanticIndex)(nil)
)
