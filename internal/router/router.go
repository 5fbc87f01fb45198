// Package router classifies an incoming user message into a cost/capability
// tier before any expensive work happens.
//
// Routing is a two-stage cascade: a deterministic rule engine (regex plus
// fuzzy smalltalk matching) runs first under a tight time box; if it is
// inconclusive, a remote classifier model is consulted under its own time
// box and a circuit breaker. If both stages fail or time out the router
// fails closed to a configured fallback route — a request is never rejected
// because routing was unavailable.
//
// The resulting [Decision] is advisory: callers may apply operator overrides
// via [ApplyOverride], but the router itself never mutates session state.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/selenehq/selene/internal/resilience"
)

// Default time boxes for the two routing stages.
const (
	defaultRulesTimeout      = 50 * time.Millisecond
	defaultClassifierTimeout = 1500 * time.Millisecond
)

// Classifier is the remote model that classifies messages the rule engine
// cannot. Implementations must respect ctx cancellation.
type Classifier interface {
	// Classify returns a Decision with Source set to [SourceClassifier].
	Classify(ctx context.Context, message string) (Decision, error)
}

// Config holds the router's tuning knobs.
type Config struct {
	// RulesTimeout bounds the rule engine stage. Defaults to 50ms.
	RulesTimeout time.Duration

	// ClassifierTimeout bounds the remote classifier stage. Defaults to 1.5s.
	ClassifierTimeout time.Duration

	// FallbackRoute is returned when both stages fail. Defaults to
	// [RouteBalanced], which keeps tools optional rather than forcing
	// either extreme.
	FallbackRoute Route
}

// Router decides the tier for each incoming message. Safe for concurrent use.
type Router struct {
	rules      ruleEngine
	classifier Classifier
	breaker    *resilience.CircuitBreaker
	cfg        Config
}

// New creates a Router. classifier may be nil, in which case inconclusive
// rules go straight to the fallback route.
func New(classifier Classifier, cfg Config) *Router {
	if cfg.RulesTimeout <= 0 {
		cfg.RulesTimeout = defaultRulesTimeout
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = defaultClassifierTimeout
	}
	return &Router{
		classifier: classifier,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "route-classifier",
		}),
		cfg: cfg,
	}
}

// Decide classifies message and returns the [Decision] that will govern the
// request. It never returns an error: every failure path degrades to the
// configured fallback route with Source = [SourceFallback].
func (r *Router) Decide(ctx context.Context, message string) Decision {
	start := time.Now()

	if d, ok := r.tryRules(ctx, message); ok {
		return finalise(d, start)
	}

	if r.classifier != nil {
		if d, ok := r.tryClassifier(ctx, message); ok {
			return finalise(d, start)
		}
	}

	slog.Debug("routing fell back", "fallback_route", r.cfg.FallbackRoute.String())
	return finalise(Decision{
		Route:       r.cfg.FallbackRoute,
		Class:       ClassFactual,
		Confidence:  ConfidenceEstimate,
		RiskIfWrong: "low",
		Source:      SourceFallback,
	}, start)
}

// tryRules runs the rule engine under its time box. The rules are pure CPU
// work, but the time box still applies so a pathological input cannot stall
// the request.
func (r *Router) tryRules(ctx context.Context, message string) (Decision, bool) {
	type result struct {
		d  Decision
		ok bool
	}

	ch := make(chan result, 1)
	go func() {
		d, ok := r.rules.evaluate(message)
		ch <- result{d, ok}
	}()

	timer := time.NewTimer(r.cfg.RulesTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.d, res.ok
	case <-timer.C:
		slog.Warn("rule engine timed out", "timeout", r.cfg.RulesTimeout)
		return Decision{}, false
	case <-ctx.Done():
		return Decision{}, false
	}
}

// tryClassifier invokes the remote classifier under its time box and the
// circuit breaker. Any failure degrades rather than propagating.
func (r *Router) tryClassifier(ctx context.Context, message string) (Decision, bool) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.ClassifierTimeout)
	defer cancel()

	var d Decision
	err := r.breaker.Execute(func() error {
		var innerErr error
		d, innerErr = r.classifier.Classify(cctx, message)
		return innerErr
	})
	if err != nil {
		slog.Warn("route classifier failed", "error", err)
		return Decision{}, false
	}
	d.Source = SourceClassifier
	return d, true
}

// finalise stamps timing and the pre-override route on a decision.
func finalise(d Decision, start time.Time) Decision {
	d.DecisionTime = time.Since(start)
	d.OriginalRoute = d.Route
	return d
}
