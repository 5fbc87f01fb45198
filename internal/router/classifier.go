package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/selenehq/selene/pkg/provider/llm"
	"github.com/selenehq/selene/pkg/types"
)

// classifierSystemPrompt instructs the model to classify without answering.
// The output contract is a single JSON object so the response can be parsed
// without any prose stripping beyond code-fence removal.
const classifierSystemPrompt = `You are a message classifier for a personal assistant. Classify the user's message. Do NOT answer it.

Respond with ONLY a JSON object:
{"route": "fast"|"balanced"|"full", "class": "chat"|"transform"|"factual"|"actionable", "confidence": "estimate"|"verified", "risk_if_wrong": "low"|"medium"|"high"}

Routing guide:
- "fast": smalltalk, acknowledgements, simple follow-ups. No tools needed.
- "balanced": rewording, summarising, general knowledge questions.
- "full": anything that needs tools (search, email, calendar, media, system control) or multi-step reasoning.`

// LLMClassifier implements [Classifier] on top of any [llm.Provider],
// normally the fast-tier model so classification stays cheap.
type LLMClassifier struct {
	provider llm.Provider
}

var _ Classifier = (*LLMClassifier)(nil)

// NewLLMClassifier creates a classifier backed by provider.
func NewLLMClassifier(provider llm.Provider) *LLMClassifier {
	return &LLMClassifier{provider: provider}
}

// classifierOutput mirrors the JSON contract in classifierSystemPrompt.
type classifierOutput struct {
	Route       string `json:"route"`
	Class       string `json:"class"`
	Confidence  string `json:"confidence"`
	RiskIfWrong string `json:"risk_if_wrong"`
}

// Classify asks the backing model to classify message. No tools are offered
// and temperature is zero so the output is deterministic and parseable.
func (c *LLMClassifier) Classify(ctx context.Context, message string) (Decision, error) {
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifierSystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: message},
		},
		Temperature: 0,
		MaxTokens:   128,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("router: classifier completion: %w", err)
	}

	var out classifierOutput
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &out); err != nil {
		return Decision{}, fmt.Errorf("router: parse classifier output %q: %w", resp.Content, err)
	}

	d := Decision{Source: SourceClassifier}

	switch out.Route {
	case "fast":
		d.Route = RouteFast
	case "balanced":
		d.Route = RouteBalanced
	case "full":
		d.Route = RouteFull
	default:
		return Decision{}, fmt.Errorf("router: classifier returned unknown route %q", out.Route)
	}

	switch out.Class {
	case "chat":
		d.Class = ClassChat
	case "transform":
		d.Class = ClassTransform
	case "actionable":
		d.Class = ClassActionable
	default:
		// Unknown classes degrade to factual rather than failing the
		// request; the route is what actually matters downstream.
		d.Class = ClassFactual
	}

	if out.Confidence == "verified" {
		d.Confidence = ConfidenceVerified
	}
	d.RiskIfWrong = out.RiskIfWrong

	return d, nil
}

// stripFences removes a surrounding markdown code fence if the model wrapped
// its JSON in one despite the instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
