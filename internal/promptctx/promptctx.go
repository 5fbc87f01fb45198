// Package promptctx assembles everything a single LLM prompt needs: the
// model choice for the decided route, the user's profile, the recent raw
// conversation history, and the four auxiliary digests (memory, ability,
// preference, intent).
//
// All lookups are independent and are fetched concurrently. The assembler is
// tier-aware: on the fast route the expensive memory and intent lookups are
// never invoked and static defaults are substituted instead.
package promptctx

import (
	"context"
	"time"

	"github.com/selenehq/selene/internal/router"
	"github.com/selenehq/selene/pkg/memory"
)

// Digest is an opaque snapshot produced by a [DigestBuilder]. The assembler
// treats it as a value to carry; only the builder that produced it knows how
// to render it.
type Digest struct {
	// Kind names the digest family ("memory", "ability", ...).
	Kind string

	// Text is the pre-formatted body. Empty means the digest has nothing to
	// contribute to this prompt.
	Text string

	// Meta carries optional annotations (source counts, retrieval scores).
	Meta map[string]string
}

// DigestBuilder is the two-step digest contract: Build fetches and condenses
// whatever the digest covers, Format renders a built digest for prompt
// injection. Format must be pure and must return the empty string for an
// empty digest.
type DigestBuilder interface {
	// Kind returns the digest family name this builder produces.
	Kind() string

	// Build fetches the digest for one message turn.
	Build(ctx context.Context, userID, sessionID, message string) (Digest, error)

	// Format renders a digest produced by this builder.
	Format(d Digest) string
}

// Profile is the per-user profile snapshot injected into the system prompt.
type Profile struct {
	UserID      string
	DisplayName string

	// About is free-text background the user has shared about themselves.
	About string

	// Facts are durable key-value attributes (timezone, locale, ...).
	Facts map[string]string
}

// ProfileStore resolves user profiles.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// ModelChoice is the resolved provider/model pair for one request tier.
type ModelChoice struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
}

// ModelResolver maps a route tier to the model that should serve it.
type ModelResolver interface {
	Resolve(ctx context.Context, route router.Route) (ModelChoice, error)
}

// Request identifies one assembly turn.
type Request struct {
	UserID    string
	SessionID string
	Message   string
	Route     router.Route
}

// PromptContext is the assembled result. History is ordered oldest-first.
// Degraded lists the lookups that failed and were substituted with their
// zero value; it is empty on a fully successful assembly.
type PromptContext struct {
	Model   ModelChoice
	Profile Profile
	History []memory.Message

	Memory     Digest
	Ability    Digest
	Preference Digest
	Intent     Digest

	Degraded         []string
	AssemblyDuration time.Duration
}
