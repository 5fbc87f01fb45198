package promptctx

import (
	"fmt"
	"sort"
	"strings"
)

// SystemPrompt renders an assembled [PromptContext] into the system prompt
// string for the LLM call.
//
// persona is the assistant's free-text personality description appended to
// the opening line. Empty sections (no profile, empty digests) are omitted
// entirely rather than rendering as bare headers.
//
// The formatter is pure: it performs no I/O and is safe for concurrent use.
func (a *Assembler) SystemPrompt(pc *PromptContext, persona string) string {
	p := strings.TrimSpace(persona)
	if pc == nil {
		if p != "" {
			return "You are Selene, a personal assistant. " + p
		}
		return "You are Selene, a personal assistant."
	}

	var sb strings.Builder

	if p != "" {
		fmt.Fprintf(&sb, "You are Selene, a personal assistant. %s", p)
	} else {
		sb.WriteString("You are Selene, a personal assistant.")
	}

	if section := formatProfileSection(pc.Profile); section != "" {
		sb.WriteString("\n\n## About the User\n")
		sb.WriteString(section)
	}

	writeDigest := func(title string, b DigestBuilder, d Digest) {
		text := d.Text
		if b != nil {
			text = b.Format(d)
		}
		if strings.TrimSpace(text) == "" {
			return
		}
		sb.WriteString("\n\n## " + title + "\n")
		sb.WriteString(strings.TrimSpace(text))
	}

	writeDigest("Relevant Memories", a.memoryDigest, pc.Memory)
	writeDigest("Your Abilities", a.abilityDigest, pc.Ability)
	writeDigest("User Preferences", a.preferenceDigest, pc.Preference)
	writeDigest("Current Intent", a.intentDigest, pc.Intent)

	return sb.String()
}

// formatProfileSection renders the user profile as lines. Returns an empty
// string when there is nothing meaningful to render.
func formatProfileSection(p Profile) string {
	var lines []string

	if p.DisplayName != "" {
		lines = append(lines, fmt.Sprintf("Name: %s", p.DisplayName))
	}
	if about := strings.TrimSpace(p.About); about != "" {
		lines = append(lines, fmt.Sprintf("About: %s", about))
	}

	// Deterministic fact ordering so identical profiles render identically.
	keys := make([]string, 0, len(p.Facts))
	for k := range p.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, p.Facts[k]))
	}

	return strings.Join(lines, "\n")
}
