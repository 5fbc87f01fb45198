// Package stream defines the typed event sequence produced by the
// orchestration engine and consumed by front-ends (websocket gateway, chat
// bots, tests).
//
// A response is exposed as a lazy, single-pass, finite sequence of [Event]
// values delivered over a channel. The sequence is not restartable and not
// seekable. The producer performs every exactly-once side effect
// (persistence, metrics finalisation) before yielding the terminal
// [KindDone] event, so a consumer that abandons iteration early can never
// cause a lost write. No event is ever emitted after done.
package stream

import "time"

// Kind discriminates the event variants in a response sequence.
type Kind string

const (
	// KindStatus carries human-readable progress text ("searching the web…").
	KindStatus Kind = "status"

	// KindContent carries an incremental slice of the final answer.
	KindContent Kind = "content"

	// KindReasoning carries optional intermediate model commentary.
	KindReasoning Kind = "reasoning"

	// KindAction carries a side-channel payload produced by a tool that
	// bypasses the LLM and goes straight to the consumer.
	KindAction Kind = "action"

	// KindDone terminates the sequence. It carries the persisted assistant
	// message ID and the finalised metrics.
	KindDone Kind = "done"
)

// ActionKind names the external system a side-channel action targets.
type ActionKind string

const (
	// ActionOpenURL asks the UI to open a browser URL.
	ActionOpenURL ActionKind = "open_url"

	// ActionPlayMedia asks the UI to start media playback.
	ActionPlayMedia ActionKind = "play_media"

	// ActionArtifact delivers a generated artifact (image, file) reference.
	ActionArtifact ActionKind = "artifact"

	// ActionRefreshPanel asks the UI to refresh a named panel (tasks,
	// calendar, files) after a tool mutated its backing data.
	ActionRefreshPanel ActionKind = "refresh_panel"
)

// Action is a side-channel payload forwarded directly to the consumer,
// interleaved with content events in production order.
type Action struct {
	// Kind selects the consumer behaviour.
	Kind ActionKind `json:"kind"`

	// Payload holds kind-specific data (e.g., {"url": ...} for ActionOpenURL).
	Payload map[string]any `json:"payload,omitempty"`
}

// Metrics is the accumulator finalised exactly once at loop termination.
type Metrics struct {
	// PromptTokens is the total prompt tokens across all LLM rounds.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the total completion tokens across all LLM rounds.
	CompletionTokens int `json:"completion_tokens"`

	// Duration is the wall-clock time from request receipt to loop end.
	Duration time.Duration `json:"duration"`

	// ToolsUsed is the de-duplicated set of tool names invoked, in first-use
	// order. Empty (never nil) when no tools ran.
	ToolsUsed []string `json:"tools_used"`

	// Route is the tier that governed the request, after overrides.
	Route string `json:"route"`

	// RouteSource records how the route was decided (rules, classifier,
	// fallback) for observability of override behaviour.
	RouteSource string `json:"route_source"`

	// Rounds is the number of LLM calls made.
	Rounds int `json:"rounds"`
}

// Event is one element of the response sequence. Exactly the fields implied
// by Type are populated.
type Event struct {
	// Type discriminates the variant.
	Type Kind `json:"type"`

	// Text is the payload for status, content, and reasoning events.
	Text string `json:"text,omitempty"`

	// Action is set for action events.
	Action *Action `json:"action,omitempty"`

	// MessageID is the persisted assistant message ID, set on done.
	MessageID int64 `json:"message_id,omitempty"`

	// Metrics is the finalised metrics, set on done.
	Metrics *Metrics `json:"metrics,omitempty"`
}

// Status builds a status event.
func Status(text string) Event { return Event{Type: KindStatus, Text: text} }

// Content builds a content event.
func Content(text string) Event { return Event{Type: KindContent, Text: text} }

// Reasoning builds a reasoning event.
func Reasoning(text string) Event { return Event{Type: KindReasoning, Text: text} }

// ActionEvent builds an action event.
func ActionEvent(a Action) Event { return Event{Type: KindAction, Action: &a} }

// Done builds the terminal event.
func Done(messageID int64, m Metrics) Event {
	return Event{Type: KindDone, MessageID: messageID, Metrics: &m}
}
