package patch

import (
	"strings"

	"github.com/throw-if-null/reactor/internal/api"
)

// IsNoChanges reports whether text is the NO_CHANGES sentinel, optionally
// wrapped in a markdown fence.
func IsNoChanges(text string) bool {
	return strings.TrimSpace(stripFence(strings.TrimSpace(text))) == api.NoChanges
}

// Normalize extracts the unified diff from a model response: it unwraps a
// fenced block and drops any prose before the first file header.
func Normalize(text string) string {
	text = stripFence(strings.TrimSpace(text))
	lines := strings.Split(text, "\n")
	start := -1
	for i, l := range lines {
		if strings.HasPrefix(l, "diff --git ") || strings.HasPrefix(l, "--- ") {
			start = i
			break
		}
	}
	if start < 0 {
		return text
	}
	out := strings.Join(lines[start:], "\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}

// stripFence returns the body of the first ``` fenced block in text, or text
// unchanged when there is none.
func stripFence(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return text
	}
	rest := text[open+3:]
	// drop the info string (e.g. "diff")
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return strings.TrimSuffix(rest, "```")
	}
	body := rest[nl+1:]
	if end := strings.Index(body, "\n```"); end >= 0 {
		return body[:end+1]
	}
	if strings.HasPrefix(body, "```") {
		return ""
	}
	return body
}
