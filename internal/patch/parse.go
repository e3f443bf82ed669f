package patch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

type opKind int

const (
	opModify opKind = iota
	opCreate
	opDelete
	opRename
)

type line struct {
	kind byte // ' ', '-', '+'
	text string
}

type hunk struct {
	origStart int
	origLines int
	lines     []line
	origNoEOL bool
	newNoEOL  bool
}

type filePatch struct {
	op    opKind
	orig  string // slash-separated, relative; empty for creates
	path  string // slash-separated, relative; empty for deletes
	hunks []hunk
}

// target is the path whose content the hunks are applied to.
func (fp filePatch) source() string {
	if fp.op == opCreate {
		return fp.path
	}
	return fp.orig
}

// parse turns unified diff text into per-file patches. It validates structure
// only; path safety is checked separately.
func parse(text string) ([]filePatch, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty diff")
	}
	if !hasLinePrefix(text, "--- ") || !hasLinePrefix(text, "+++ ") {
		return nil, errors.New("missing ---/+++ file headers")
	}
	if !hasLinePrefix(text, "@@") {
		return nil, errors.New("no hunks found")
	}

	fds, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, err
	}
	if len(fds) == 0 {
		return nil, errors.New("no file diffs found")
	}

	out := make([]filePatch, 0, len(fds))
	for _, fd := range fds {
		fp, err := convert(fd)
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, nil
}

func convert(fd *diff.FileDiff) (filePatch, error) {
	orig := stripPrefix(fd.OrigName)
	newName := stripPrefix(fd.NewName)
	if orig == "" && newName == "" {
		return filePatch{}, errors.New("file diff without names")
	}

	var fp filePatch
	switch {
	case orig == devNull && newName == devNull:
		return filePatch{}, errors.New("both sides are /dev/null")
	case orig == devNull:
		fp = filePatch{op: opCreate, path: newName}
	case newName == devNull:
		fp = filePatch{op: opDelete, orig: orig}
	case orig != newName:
		fp = filePatch{op: opRename, orig: orig, path: newName}
	default:
		fp = filePatch{op: opModify, orig: orig, path: newName}
	}

	if len(fd.Hunks) == 0 && fp.op != opRename && fp.op != opDelete {
		return filePatch{}, fmt.Errorf("%s: no hunks", displayName(fp))
	}

	for _, h := range fd.Hunks {
		ph, err := convertHunk(h)
		if err != nil {
			return filePatch{}, fmt.Errorf("%s: %w", displayName(fp), err)
		}
		fp.hunks = append(fp.hunks, ph)
	}
	return fp, nil
}

func convertHunk(h *diff.Hunk) (hunk, error) {
	ph := hunk{
		origStart: int(h.OrigStartLine),
		origLines: int(h.OrigLines),
		origNoEOL: h.OrigNoNewlineAt > 0,
	}
	// go-diff consumes "\ No newline at end of file" markers. After a '-'
	// line it sets OrigNoNewlineAt; otherwise it drops the preceding line
	// break from Body.
	bodyNoEOL := len(h.Body) > 0 && h.Body[len(h.Body)-1] != '\n'

	body := strings.TrimSuffix(string(h.Body), "\n")
	if body == "" {
		return hunk{}, errors.New("empty hunk")
	}
	for _, l := range strings.Split(body, "\n") {
		if l == "" {
			// Blank context lines often lose their leading space.
			ph.lines = append(ph.lines, line{kind: ' '})
			continue
		}
		switch l[0] {
		case ' ', '-', '+':
			ph.lines = append(ph.lines, line{kind: l[0], text: strings.TrimSuffix(l[1:], "\r")})
		default:
			return hunk{}, fmt.Errorf("malformed hunk line %q", truncateForError(l))
		}
	}
	ph.lines = trimTrailingBlanks(ph.lines, int(h.OrigLines), int(h.NewLines))
	if len(ph.lines) == 0 {
		return hunk{}, errors.New("empty hunk")
	}

	if bodyNoEOL {
		switch ph.lines[len(ph.lines)-1].kind {
		case '+':
			ph.newNoEOL = true
		default:
			ph.origNoEOL = true
			ph.newNoEOL = true
		}
	}
	return ph, nil
}

// trimTrailingBlanks drops blank context lines that run past the counts in
// the hunk header, such as the empty line separating two file sections.
func trimTrailingBlanks(lines []line, origLines, newLines int) []line {
	orig, added := 0, 0
	for _, l := range lines {
		switch l.kind {
		case ' ':
			orig++
			added++
		case '-':
			orig++
		case '+':
			added++
		}
	}
	for len(lines) > 0 {
		last := lines[len(lines)-1]
		if last.kind != ' ' || last.text != "" || orig <= origLines || added <= newLines {
			break
		}
		lines = lines[:len(lines)-1]
		orig--
		added--
	}
	return lines
}

// stripPrefix drops a git-style a/ or b/ prefix, the -p1 convention.
func stripPrefix(name string) string {
	name = strings.TrimSpace(name)
	if name == devNull {
		return name
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

func hasLinePrefix(text, prefix string) bool {
	if strings.HasPrefix(text, prefix) {
		return true
	}
	return strings.Contains(text, "\n"+prefix)
}

func displayName(fp filePatch) string {
	if fp.path != "" {
		return filepath.FromSlash(fp.path)
	}
	return filepath.FromSlash(fp.orig)
}

func truncateForError(s string) string {
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
