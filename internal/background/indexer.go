package background

import (
	"context"
	"fmt"

	"github.com/selenehq/selene/pkg/memory"
	"github.com/selenehq/selene/pkg/provider/embeddings"
)

// MessageIndexer embeds a persisted message and stores the vector in the
// semantic index. It is the task body the engine enqueues after every turn.
type MessageIndexer struct {
	embedder embeddings.Provider
	index    memory.SemanticIndex
}

// NewMessageIndexer creates a [MessageIndexer].
func NewMessageIndexer(embedder embeddings.Provider, index memory.SemanticIndex) *MessageIndexer {
	return &MessageIndexer{embedder: embedder, index: index}
}

// IndexMessage embeds msg and stores it. Empty messages (e.g. an assistant
// turn that produced only tool actions) are skipped.
func (i *MessageIndexer) IndexMessage(ctx context.Context, msg memory.Message) error {
	if msg.Content == "" {
		return nil
	}

	embedding, err := i.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return fmt.Errorf("background: embed message %d: %w", msg.ID, err)
	}
	if err := i.index.Index(ctx, msg, embedding); err != nil {
		return fmt.Errorf("background: index message %d: %w", msg.ID, err)
	}
	return nil
}
