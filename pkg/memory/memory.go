// Package memory defines the persistence contracts used by the Selene
// message-processing core.
//
// Three narrow interfaces cover the core's needs:
//
//   - MessageStore: the durable, time-ordered conversation log. The engine
//     writes the user message on receipt and the assistant message at loop
//     end, and reads the recent tail for prompt building.
//   - SummaryStore: the rolling summary — a persisted condensation of
//     conversation history older than the verbatim window, owned by the
//     context compressor.
//   - SemanticIndex: a vector index over past messages supporting
//     similarity search, used to pull relevant-but-old messages back into
//     a compressed prompt.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// selene internals. Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Message is one persisted conversation message. It is durable once the
// MessageStore.Add call that created it returns.
type Message struct {
	// ID is the store-assigned identifier, unique across all sessions.
	ID int64

	// SessionID is the conversation this message belongs to.
	SessionID string

	// Role is one of "user", "assistant", "tool", or "system".
	Role string

	// Content is the message text.
	Content string

	// Metadata carries optional per-message annotations (route provenance,
	// tool names used, channel identifier).
	Metadata map[string]string

	// CreatedAt is when the store recorded this message.
	CreatedAt time.Time
}

// ScoredMessage pairs a retrieved message with its vector-space distance from
// the query embedding. Lower Distance values indicate higher semantic
// similarity.
type ScoredMessage struct {
	Message Message

	// Distance is the cosine distance to the query embedding.
	Distance float64
}

// MessageStore is the durable conversation log.
type MessageStore interface {
	// Add appends a message to the session log and returns the stored message
	// with its assigned ID and timestamp. The message is durable once Add
	// returns.
	Add(ctx context.Context, sessionID, role, content string, metadata map[string]string) (Message, error)

	// Recent returns up to limit messages from the session, ordered
	// oldest-first. A limit of 0 applies the implementation default.
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// SummaryStore persists the per-session rolling summary.
type SummaryStore interface {
	// Summary returns the current rolling summary for the session, or the
	// empty string when no summary exists yet.
	Summary(ctx context.Context, sessionID string) (string, error)

	// SetSummary replaces the session's rolling summary.
	SetSummary(ctx context.Context, sessionID, text string) error
}

// SemanticIndex is a vector index over past messages.
type SemanticIndex interface {
	// Index stores the embedding for an already-persisted message. Indexing
	// the same message ID again replaces the previous embedding.
	Index(ctx context.Context, msg Message, embedding []float32) error

	// Search returns the topK messages in the session whose embeddings are
	// closest to the query embedding, most similar first. Messages with IDs
	// in exclude are omitted (used to keep the verbatim tail out of the
	// semantic tier).
	Search(ctx context.Context, sessionID string, embedding []float32, topK int, exclude []int64) ([]ScoredMessage, error)
}
