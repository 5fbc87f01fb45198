// Package mock provides test doubles for the promptctx lookup contracts
// with recorded calls, so tests can assert which lookups ran.
package mock

import (
	"context"
	"sync"

	"github.com/selenehq/selene/internal/promptctx"
	"github.com/selenehq/selene/internal/router"
)

// BuildCall records one Builder.Build invocation.
type BuildCall struct {
	UserID    string
	SessionID string
	Message   string
}

// Builder is a scripted [promptctx.DigestBuilder] that records Build calls.
type Builder struct {
	// DigestKind is returned by Kind.
	DigestKind string

	// BuildDigest and BuildErr script Build's return values.
	BuildDigest promptctx.Digest
	BuildErr    error

	mu    sync.Mutex
	calls []BuildCall
}

var _ promptctx.DigestBuilder = (*Builder)(nil)

func (b *Builder) Kind() string { return b.DigestKind }

func (b *Builder) Build(_ context.Context, userID, sessionID, message string) (promptctx.Digest, error) {
	b.mu.Lock()
	b.calls = append(b.calls, BuildCall{UserID: userID, SessionID: sessionID, Message: message})
	b.mu.Unlock()
	return b.BuildDigest, b.BuildErr
}

// Format returns the digest text unchanged.
func (b *Builder) Format(d promptctx.Digest) string { return d.Text }

// BuildCalls returns a copy of the recorded Build calls.
func (b *Builder) BuildCalls() []BuildCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BuildCall, len(b.calls))
	copy(out, b.calls)
	return out
}

// BuildCallCount returns the number of Build calls recorded.
func (b *Builder) BuildCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Reset clears recorded calls.
func (b *Builder) Reset() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

// ProfileStore is a scripted [promptctx.ProfileStore].
type ProfileStore struct {
	ProfileResult promptctx.Profile
	ProfileErr    error

	mu    sync.Mutex
	calls []string // user IDs
}

var _ promptctx.ProfileStore = (*ProfileStore)(nil)

func (s *ProfileStore) Profile(_ context.Context, userID string) (promptctx.Profile, error) {
	s.mu.Lock()
	s.calls = append(s.calls, userID)
	s.mu.Unlock()
	return s.ProfileResult, s.ProfileErr
}

// ProfileCallCount returns the number of Profile calls recorded.
func (s *ProfileStore) ProfileCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Reset clears recorded calls.
func (s *ProfileStore) Reset() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// ModelResolver is a scripted [promptctx.ModelResolver].
type ModelResolver struct {
	ResolveResult promptctx.ModelChoice
	ResolveErr    error

	mu    sync.Mutex
	calls []router.Route
}

var _ promptctx.ModelResolver = (*ModelResolver)(nil)

func (r *ModelResolver) Resolve(_ context.Context, route router.Route) (promptctx.ModelChoice, error) {
	r.mu.Lock()
	r.calls = append(r.calls, route)
	r.mu.Unlock()
	return r.ResolveResult, r.ResolveErr
}

// ResolveCalls returns a copy of the recorded routes.
func (r *ModelResolver) ResolveCalls() []router.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]router.Route, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset clears recorded calls.
func (r *ModelResolver) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
