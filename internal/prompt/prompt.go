// Package prompt assembles the text sent to the model for one iteration:
// the task, the repository files that look relevant to it, the previous
// iteration's failure and the response instructions.
package prompt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/paths"
)

// Request is everything a builder needs for one iteration.
type Request struct {
	TaskPrompt string
	// PriorFailure is the feedback from the previous iteration, empty on the
	// first one.
	PriorFailure string
	// Root is the sandbox directory the model's diff will be applied to.
	Root string
	// ExplainOnly asks for an explanation instead of a diff.
	ExplainOnly bool
}

// Builder turns a request into prompt text.
type Builder interface {
	Build(ctx context.Context, req Request) (string, error)
}

const (
	DefaultMaxFiles     = 10
	DefaultMaxFileBytes = 50 * 1024
)

const diffInstructions = `Respond with a unified diff only, in git format: "--- a/<path>" and "+++ b/<path>" headers followed by @@ hunks, with paths relative to the repository root. Use /dev/null as the old path to create a file and as the new path to delete one. Do not add explanations or markdown fences.
If the code already satisfies the request, respond with exactly ` + api.NoChanges + `.`

const explainInstructions = `The change budget is nearly exhausted, so no patch will be applied in this cycle. Do not produce a diff. Explain briefly which files need to change and how.`

// FileContext selects files by keyword and inlines them.
type FileContext struct {
	MaxFiles     int
	MaxFileBytes int
}

type file struct {
	path    string
	content string
}

func (b FileContext) Build(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.TaskPrompt) == "" {
		return "", errors.New("empty task prompt")
	}
	files, err := b.collect(ctx, req.Root, Keywords(req.TaskPrompt))
	if err != nil {
		return "", err
	}

	var lines, chars int
	for _, f := range files {
		lines += strings.Count(f.content, "\n")
		chars += utf8.RuneCountInString(f.content)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "User Request: %s\n\n", strings.TrimSpace(req.TaskPrompt))
	fmt.Fprintf(&sb, "Context: %d files, %d lines, %d chars\n\n", len(files), lines, chars)
	for _, f := range files {
		fmt.Fprintf(&sb, "=== File: %s ===\n", f.path)
		sb.WriteString(f.content)
		if !strings.HasSuffix(f.content, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if fb := strings.TrimSpace(req.PriorFailure); fb != "" {
		sb.WriteString("=== Previous attempt failed ===\n")
		sb.WriteString(fb)
		sb.WriteString("\n\n")
	}
	if req.ExplainOnly {
		sb.WriteString(explainInstructions)
	} else {
		sb.WriteString(diffInstructions)
	}
	sb.WriteString("\n")
	return sb.String(), nil
}

// collect walks root and returns, sorted by path, the files whose name equals
// a dotted keyword or whose content contains any other keyword.
func (b FileContext) collect(ctx context.Context, root string, keywords []string) ([]file, error) {
	if len(keywords) == 0 || root == "" {
		return nil, nil
	}
	maxFiles, maxBytes := b.MaxFiles, b.MaxFileBytes
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}

	var names, terms []string
	for _, kw := range keywords {
		if strings.Contains(kw, ".") {
			names = append(names, kw)
		} else {
			terms = append(terms, kw)
		}
	}

	var out []file
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && (d.Name() == ".git" || d.Name() == paths.StateDir || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > int64(maxBytes) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		if !matches(d.Name(), string(data), names, terms) {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		out = append(out, file{path: filepath.ToSlash(rel), content: string(data)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	if len(out) > maxFiles {
		out = out[:maxFiles]
	}
	return out, nil
}

func matches(name, content string, names, terms []string) bool {
	for _, n := range names {
		if name == n {
			return true
		}
	}
	for _, t := range terms {
		if strings.Contains(content, t) {
			return true
		}
	}
	return false
}

// Keywords keeps prompt words longer than three bytes that contain a dot
// (likely a file name) or an upper-case letter (likely an identifier),
// trimmed of surrounding punctuation.
func Keywords(prompt string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(prompt) {
		kw := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
		})
		kw = strings.TrimRight(kw, ".")
		if len(kw) <= 3 || seen[kw] || (!strings.Contains(kw, ".") && !strings.ContainsFunc(kw, unicode.IsUpper)) {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

// TruncateHeadTail shortens s to at most limit characters (runes) by
// cutting from the middle, leaving a marker in its place. It reports whether
// s was cut.
func TruncateHeadTail(s string, limit int) (string, bool) {
	n := utf8.RuneCountInString(s)
	if limit <= 0 || n <= limit {
		return s, false
	}
	r := []rune(s)
	marker := fmt.Sprintf("\n\n[WARNING: prompt truncated to %d of %d characters]\n\n", limit, n)
	keep := limit - utf8.RuneCountInString(marker)
	if keep <= 0 {
		return string(r[:limit]), true
	}
	head := keep / 2
	return string(r[:head]) + marker + string(r[n-(keep-head):]), true
}
