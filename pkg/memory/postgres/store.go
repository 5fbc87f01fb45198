// Package postgres provides a PostgreSQL-backed implementation of the Selene
// memory contracts (message log, rolling summaries, semantic index) plus the
// per-user profile, fact, and task storage behind the prompt context and the
// built-in tools.
//
// All three layers share a single [pgxpool.Pool] connection pool. The
// pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	msg, _ := store.Add(ctx, sessionID, "user", "hello", nil)
//	_ = store.Index(ctx, msg, embedding)
//	hits, _ := store.Search(ctx, sessionID, queryVec, 5, nil)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/selenehq/selene/pkg/memory"
)

// defaultRecentLimit is applied when MessageStore.Recent is called with limit 0.
const defaultRecentLimit = 50

// Store implements [memory.MessageStore], [memory.SummaryStore], and
// [memory.SemanticIndex] over a shared connection pool.
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time interface checks.
var (
	_ memory.MessageStore  = (*Store)(nil)
	_ memory.SummaryStore  = (*Store)(nil)
	_ memory.SemanticIndex = (*Store)(nil)
)

// NewStore connects to the database at dsn, runs migrations for the given
// embedding dimensionality, and returns a ready Store.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool without running migrations.
// Useful for tests that manage their own schema.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Add implements [memory.MessageStore].
func (s *Store) Add(ctx context.Context, sessionID, role, content string, metadata map[string]string) (memory.Message, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	const q = `
		INSERT INTO messages (session_id, role, content, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	msg := memory.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
	}
	err := s.pool.QueryRow(ctx, q, sessionID, role, content, metadata).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return memory.Message{}, fmt.Errorf("postgres: add message: %w", err)
	}
	return msg, nil
}

// Recent implements [memory.MessageStore]. Results are ordered oldest-first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]memory.Message, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	// Fetch the newest N, then flip to chronological order.
	const q = `
		SELECT id, session_id, role, content, metadata, created_at
		FROM   (SELECT id, session_id, role, content, metadata, created_at
		        FROM   messages
		        WHERE  session_id = $1
		        ORDER  BY id DESC
		        LIMIT  $2) tail
		ORDER  BY id ASC`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	return msgs, nil
}

// Summary implements [memory.SummaryStore].
func (s *Store) Summary(ctx context.Context, sessionID string) (string, error) {
	const q = `SELECT summary FROM session_summaries WHERE session_id = $1`

	var summary string
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get summary: %w", err)
	}
	return summary, nil
}

// SetSummary implements [memory.SummaryStore].
func (s *Store) SetSummary(ctx context.Context, sessionID, text string) error {
	const q = `
		INSERT INTO session_summaries (session_id, summary, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET
		    summary    = EXCLUDED.summary,
		    updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q, sessionID, text); err != nil {
		return fmt.Errorf("postgres: set summary: %w", err)
	}
	return nil
}

// Index implements [memory.SemanticIndex].
func (s *Store) Index(ctx context.Context, msg memory.Message, embedding []float32) error {
	const q = `
		INSERT INTO message_embeddings (message_id, session_id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE SET
		    embedding = EXCLUDED.embedding`

	vec := pgvector.NewVector(embedding)
	if _, err := s.pool.Exec(ctx, q, msg.ID, msg.SessionID, vec); err != nil {
		return fmt.Errorf("postgres: index message %d: %w", msg.ID, err)
	}
	return nil
}

// Search implements [memory.SemanticIndex]. Results are ordered by ascending
// cosine distance (most similar first).
func (s *Store) Search(ctx context.Context, sessionID string, embedding []float32, topK int, exclude []int64) ([]memory.ScoredMessage, error) {
	queryVec := pgvector.NewVector(embedding)

	const q = `
		SELECT m.id, m.session_id, m.role, m.content, m.metadata, m.created_at,
		       e.embedding <=> $1 AS distance
		FROM   message_embeddings e
		JOIN   messages m ON m.id = e.message_id
		WHERE  e.session_id = $2
		  AND  m.id <> ALL($3)
		ORDER  BY distance
		LIMIT  $4`

	if exclude == nil {
		exclude = []int64{}
	}
	rows, err := s.pool.Query(ctx, q, queryVec, sessionID, exclude, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: semantic search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ScoredMessage, error) {
		var sm memory.ScoredMessage
		if err := row.Scan(
			&sm.Message.ID,
			&sm.Message.SessionID,
			&sm.Message.Role,
			&sm.Message.Content,
			&sm.Message.Metadata,
			&sm.Message.CreatedAt,
			&sm.Distance,
		); err != nil {
			return memory.ScoredMessage{}, err
		}
		return sm, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan search rows: %w", err)
	}
	if results == nil {
		results = []memory.ScoredMessage{}
	}
	return results, nil
}

// scanMessage scans one messages row.
func scanMessage(row pgx.CollectableRow) (memory.Message, error) {
	var m memory.Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt)
	return m, err
}
