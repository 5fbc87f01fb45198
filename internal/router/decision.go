package router

import (
	"log/slog"
	"time"
)

// Route is the cost/capability tier assigned to a message.
type Route int

const (
	// RouteFast answers with a cheap model and no tools.
	RouteFast Route = iota

	// RouteBalanced uses the standard model; tools are offered but optional.
	RouteBalanced

	// RouteFull uses the strongest model with the full tool set.
	RouteFull
)

// String returns the human-readable name of the route.
func (r Route) String() string {
	switch r {
	case RouteFast:
		return "fast"
	case RouteBalanced:
		return "balanced"
	case RouteFull:
		return "full"
	default:
		return "unknown"
	}
}

// AllowsTools reports whether tools may be offered to the model on this route.
func (r Route) AllowsTools() bool {
	return r != RouteFast
}

// Class is the semantic category of a message.
type Class int

const (
	// ClassChat is smalltalk and social conversation.
	ClassChat Class = iota

	// ClassTransform rewrites or reformats content the user supplied.
	ClassTransform

	// ClassFactual answers a knowledge question.
	ClassFactual

	// ClassActionable asks the assistant to do something with a tool.
	ClassActionable
)

// String returns the human-readable name of the class.
func (c Class) String() string {
	switch c {
	case ClassChat:
		return "chat"
	case ClassTransform:
		return "transform"
	case ClassFactual:
		return "factual"
	case ClassActionable:
		return "actionable"
	default:
		return "unknown"
	}
}

// Confidence is the verification level the answer requires.
type Confidence int

const (
	// ConfidenceEstimate means a best-effort answer is acceptable.
	ConfidenceEstimate Confidence = iota

	// ConfidenceVerified means the answer should be grounded in a lookup.
	ConfidenceVerified
)

// Source records which mechanism produced a decision.
type Source int

const (
	// SourceRules means the deterministic rule engine decided.
	SourceRules Source = iota

	// SourceClassifier means the remote classifier model decided.
	SourceClassifier

	// SourceFallback means both mechanisms failed and the configured
	// fallback route was used.
	SourceFallback
)

// String returns the human-readable name of the source.
func (s Source) String() string {
	switch s {
	case SourceRules:
		return "rules"
	case SourceClassifier:
		return "classifier"
	case SourceFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Decision is the immutable classification result for one message. It is
// created once by [Router.Decide], never mutated, and consumed read-only by
// every downstream stage. Overrides produce a new Decision via
// [ApplyOverride] rather than modifying the original.
type Decision struct {
	// Route is the tier that will govern the request.
	Route Route

	// Class is the semantic category of the message.
	Class Class

	// Confidence is the verification level the answer requires.
	Confidence Confidence

	// RiskIfWrong describes the cost of a misclassification ("low",
	// "medium", "high"). Advisory only.
	RiskIfWrong string

	// Source records which mechanism decided.
	Source Source

	// DecisionTime is how long the decision took.
	DecisionTime time.Duration

	// OriginalRoute is the route before any operator override, equal to
	// Route when no override applied. Retained for observability.
	OriginalRoute Route
}

// Override is an operator-level route override.
type Override int

const (
	// OverrideNone leaves the decision untouched.
	OverrideNone Override = iota

	// OverrideThinking floors the route at [RouteFull] ("deep thinking" mode).
	OverrideThinking

	// OverrideFast ceilings the route at [RouteFast].
	OverrideFast
)

// String returns the human-readable name of the override.
func (o Override) String() string {
	switch o {
	case OverrideThinking:
		return "thinking"
	case OverrideFast:
		return "fast"
	default:
		return "none"
	}
}

// ResolveOverride collapses the two independent operator flags into a single
// Override. The flags are mutually exclusive; when both are set, thinking
// wins and the conflict is logged.
func ResolveOverride(thinking, fast bool) Override {
	switch {
	case thinking && fast:
		slog.Warn("both thinking and fast overrides set; thinking wins")
		return OverrideThinking
	case thinking:
		return OverrideThinking
	case fast:
		return OverrideFast
	default:
		return OverrideNone
	}
}

// ApplyOverride returns a copy of d with the override applied. It is pure
// and idempotent: applying the same override twice yields the same result,
// and the pre-override route is preserved in OriginalRoute. Overrides are
// logged with the original value.
func ApplyOverride(d Decision, o Override) Decision {
	out := d
	switch o {
	case OverrideThinking:
		if d.Route < RouteFull {
			out.Route = RouteFull
		}
	case OverrideFast:
		if d.Route > RouteFast {
			out.Route = RouteFast
		}
	}
	if out.Route != d.Route {
		slog.Info("route override applied",
			"override", o,
			"original_route", d.Route.String(),
			"route", out.Route.String())
	}
	return out
}
