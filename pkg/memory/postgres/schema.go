package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlMessages is the conversation log table.
const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id
    ON messages (session_id, id);
`

// ddlSummaries holds one rolling summary row per session.
const ddlSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id  TEXT         PRIMARY KEY,
    summary     TEXT         NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlEmbeddings returns the semantic index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlEmbeddings(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS message_embeddings (
    message_id  BIGINT       PRIMARY KEY REFERENCES messages (id) ON DELETE CASCADE,
    session_id  TEXT         NOT NULL,
    embedding   vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_message_embeddings_session_id
    ON message_embeddings (session_id);

CREATE INDEX IF NOT EXISTS idx_message_embeddings_embedding
    ON message_embeddings USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// ddlUsers holds the per-user profile, fact, and task tables backing the
// prompt context and the built-in tools.
const ddlUsers = `
CREATE TABLE IF NOT EXISTS user_profiles (
    user_id       TEXT         PRIMARY KEY,
    display_name  TEXT         NOT NULL DEFAULT '',
    about         TEXT         NOT NULL DEFAULT '',
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_facts (
    user_id     TEXT         NOT NULL,
    key         TEXT         NOT NULL,
    value       TEXT         NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS tasks (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    title       TEXT         NOT NULL,
    notes       TEXT         NOT NULL DEFAULT '',
    due         TIMESTAMPTZ,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_id
    ON tasks (user_id);
`

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlMessages,
		ddlEmbeddings(embeddingDimensions),
		ddlSummaries,
		ddlUsers,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
