package agent

import "strings"

const basePrompt = "You are a voice assistant on a live phone call. " +
	"Keep replies short, conversational, and easy to speak aloud. " +
	"Never use lists, markdown, or emoji."

// SystemPrompt builds the system instructions for an agent. It is
// deterministic for identical configs so it can be rebuilt cheaply per
// session without caching concerns.
func SystemPrompt(cfg Config) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if name := strings.TrimSpace(cfg.Name); name != "" {
		b.WriteString(" Your name is ")
		b.WriteString(name)
		b.WriteString(".")
	}
	if persona := strings.TrimSpace(cfg.Persona); persona != "" {
		b.WriteString(" ")
		b.WriteString(persona)
	}
	return b.String()
}
