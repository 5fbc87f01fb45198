package router

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// smalltalkPhrases are known conversational openers and closers that route
// fast with high confidence. Matched case-insensitively, exact or fuzzy.
var smalltalkPhrases = []string{
	"hi", "hello", "hey", "yo", "good morning", "good afternoon",
	"good evening", "good night", "how are you", "what's up", "whats up",
	"thanks", "thank you", "ok", "okay", "bye", "goodbye", "see you",
	"lol", "haha", "nice", "cool", "great",
}

// maxFuzzyDistance is the Damerau-Levenshtein budget for treating a short
// message as a misspelled smalltalk phrase ("helo", "thnaks").
const maxFuzzyDistance = 1

// actionablePatterns match messages that clearly require a tool. A match
// routes full with ClassActionable.
var actionablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsearch\b.*\b(web|online|internet)\b`),
	regexp.MustCompile(`(?i)\b(send|write|draft|check|read)\b.*\b(email|mail)\b`),
	regexp.MustCompile(`(?i)\b(create|add|schedule|cancel|move)\b.*\b(event|meeting|appointment|reminder|task|todo)\b`),
	regexp.MustCompile(`(?i)\b(play|pause|skip|queue)\b.*\b(music|song|track|playlist)\b`),
	regexp.MustCompile(`(?i)\b(open|navigate to|go to|visit)\b.*\b(page|site|website|url)\b`),
	regexp.MustCompile(`(?i)\b(run|execute)\b.*\b(code|script|python|javascript)\b`),
	regexp.MustCompile(`(?i)\bgenerate\b.*\b(image|picture|photo)\b`),
	regexp.MustCompile(`(?i)\b(cpu|memory|disk|uptime|docker)\b.*\b(usage|status|stats|containers?)\b`),
}

// transformPatterns match requests to rework content the user already
// supplied; these need no tools but benefit from the standard model.
var transformPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(translate|summari[sz]e|rewrite|rephrase|proofread|shorten|expand|fix)\b`),
	regexp.MustCompile(`(?i)\bmake (this|it) (shorter|longer|formal|casual|clearer)\b`),
}

// ruleEngine is the cheap deterministic first stage of routing. It is
// stateless and safe for concurrent use.
type ruleEngine struct{}

// evaluate classifies message by pattern matching. The second return value
// is false when the rules are inconclusive and the classifier should run.
func (ruleEngine) evaluate(message string) (Decision, bool) {
	trimmed := strings.TrimSpace(strings.ToLower(message))
	trimmed = strings.TrimRight(trimmed, ".!?")

	if isSmalltalk(trimmed) {
		return Decision{
			Route:      RouteFast,
			Class:      ClassChat,
			Confidence: ConfidenceEstimate,
			Source:     SourceRules,
		}, true
	}

	for _, p := range actionablePatterns {
		if p.MatchString(message) {
			return Decision{
				Route:       RouteFull,
				Class:       ClassActionable,
				Confidence:  ConfidenceVerified,
				RiskIfWrong: "medium",
				Source:      SourceRules,
			}, true
		}
	}

	for _, p := range transformPatterns {
		if p.MatchString(message) {
			return Decision{
				Route:      RouteBalanced,
				Class:      ClassTransform,
				Confidence: ConfidenceEstimate,
				Source:     SourceRules,
			}, true
		}
	}

	return Decision{}, false
}

// isSmalltalk reports whether trimmed (already lowercased, trailing
// punctuation stripped) is a known smalltalk phrase, allowing a small
// edit distance for typos on phrases long enough to make that safe.
func isSmalltalk(trimmed string) bool {
	for _, phrase := range smalltalkPhrases {
		if trimmed == phrase {
			return true
		}
		// Fuzzy match only for phrases of 4+ runes; shorter ones produce
		// false positives ("no" vs "yo").
		if len(phrase) >= 4 && len(trimmed) >= 3 {
			if matchr.DamerauLevenshtein(trimmed, phrase) <= maxFuzzyDistance {
				return true
			}
		}
	}
	return false
}
