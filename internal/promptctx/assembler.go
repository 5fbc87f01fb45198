package promptctx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/selenehq/selene/internal/router"
	"github.com/selenehq/selene/pkg/memory"
)

// defaultHistoryLimit bounds the raw history tail fetched per assembly.
const defaultHistoryLimit = 50

// Assembler fans out the per-turn context lookups and collects them into a
// [PromptContext]. Safe for concurrent use.
type Assembler struct {
	models   ModelResolver
	profiles ProfileStore
	messages memory.MessageStore

	memoryDigest     DigestBuilder
	abilityDigest    DigestBuilder
	preferenceDigest DigestBuilder
	intentDigest     DigestBuilder

	historyLimit int
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithHistoryLimit overrides the number of raw history messages fetched per
// assembly (default 50).
func WithHistoryLimit(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// WithMemoryDigest installs the memory digest builder.
func WithMemoryDigest(b DigestBuilder) Option {
	return func(a *Assembler) { a.memoryDigest = b }
}

// WithAbilityDigest installs the ability digest builder.
func WithAbilityDigest(b DigestBuilder) Option {
	return func(a *Assembler) { a.abilityDigest = b }
}

// WithPreferenceDigest installs the preference digest builder.
func WithPreferenceDigest(b DigestBuilder) Option {
	return func(a *Assembler) { a.preferenceDigest = b }
}

// WithIntentDigest installs the intent digest builder.
func WithIntentDigest(b DigestBuilder) Option {
	return func(a *Assembler) { a.intentDigest = b }
}

// New creates an [Assembler]. models, profiles, and messages are required;
// digest builders are optional and default to absent (their digests stay
// empty).
func New(models ModelResolver, profiles ProfileStore, messages memory.MessageStore, opts ...Option) *Assembler {
	a := &Assembler{
		models:       models,
		profiles:     profiles,
		messages:     messages,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble fetches all context components for one turn concurrently.
//
// Failure policy: only history retrieval is fatal. Every other lookup that
// fails is logged, recorded in [PromptContext.Degraded], and substituted
// with its zero value so that a flaky auxiliary store never blocks a reply.
//
// On [router.RouteFast] the memory and intent digest builders are not
// invoked at all; their digests stay empty.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*PromptContext, error) {
	start := time.Now()

	var (
		model      ModelChoice
		profile    Profile
		history    []memory.Message
		memDigest  Digest
		ablDigest  Digest
		prefDigest Digest
		intDigest  Digest

		degradedMu sync.Mutex
		degraded   []string
	)

	degrade := func(name string, err error) {
		slog.Warn("context lookup degraded",
			"lookup", name,
			"session_id", req.SessionID,
			"error", err,
		)
		degradedMu.Lock()
		degraded = append(degraded, name)
		degradedMu.Unlock()
	}

	fast := req.Route == router.RouteFast

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		m, err := a.models.Resolve(egCtx, req.Route)
		if err != nil {
			degrade("model", err)
			return nil
		}
		model = m
		return nil
	})

	eg.Go(func() error {
		p, err := a.profiles.Profile(egCtx, req.UserID)
		if err != nil {
			degrade("profile", err)
			return nil
		}
		profile = p
		return nil
	})

	eg.Go(func() error {
		msgs, err := a.messages.Recent(egCtx, req.SessionID, a.historyLimit)
		if err != nil {
			return fmt.Errorf("prompt context: fetch history: %w", err)
		}
		history = msgs
		return nil
	})

	buildDigest := func(b DigestBuilder, out *Digest) func() error {
		return func() error {
			d, err := b.Build(egCtx, req.UserID, req.SessionID, req.Message)
			if err != nil {
				degrade(b.Kind(), err)
				return nil
			}
			*out = d
			return nil
		}
	}

	if a.memoryDigest != nil && !fast {
		eg.Go(buildDigest(a.memoryDigest, &memDigest))
	}
	if a.abilityDigest != nil {
		eg.Go(buildDigest(a.abilityDigest, &ablDigest))
	}
	if a.preferenceDigest != nil {
		eg.Go(buildDigest(a.preferenceDigest, &prefDigest))
	}
	if a.intentDigest != nil && !fast {
		eg.Go(buildDigest(a.intentDigest, &intDigest))
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &PromptContext{
		Model:            model,
		Profile:          profile,
		History:          history,
		Memory:           memDigest,
		Ability:          ablDigest,
		Preference:       prefDigest,
		Intent:           intDigest,
		Degraded:         degraded,
		AssemblyDuration: time.Since(start),
	}, nil
}
