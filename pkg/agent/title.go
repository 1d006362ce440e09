package agent

import (
	"context"
	"strings"

	"github.com/miniclaw/miniclaw/pkg/llm"
)

const titleMaxChars = 60

const titlePrompt = "Write a short title (at most six words) for a conversation that starts " +
	"with the message below. Reply with the title only, no quotes or punctuation at the end.\n\n"

// GenerateTitle asks the model for a session title seeded with the
// opening message. Failures fall back to an empty string so callers can
// keep the default title.
func GenerateTitle(ctx context.Context, client llm.Client, seed string) string {
	seed = strings.TrimSpace(seed)
	if seed == "" || client == nil {
		return ""
	}
	if len(seed) > 500 {
		seed = seed[:500]
	}

	text, err := client.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: titlePrompt + seed}},
	})
	if err != nil {
		return ""
	}
	return CleanTitle(text)
}

// CleanTitle normalizes a model-produced title to a single short line.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(strings.TrimSpace(title), ".")
	runes := []rune(title)
	if len(runes) > titleMaxChars {
		title = strings.TrimSpace(string(runes[:titleMaxChars]))
	}
	return title
}
