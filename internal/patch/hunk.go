package patch

import (
	"fmt"
	"strings"
)

// doc is a file's content as lines plus whether it ended with a newline.
type doc struct {
	lines []string
	eol   bool
}

func splitDoc(content []byte) doc {
	if len(content) == 0 {
		return doc{eol: true}
	}
	s := string(content)
	eol := strings.HasSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	return doc{lines: strings.Split(s, "\n"), eol: eol}
}

func (d doc) bytes() []byte {
	if len(d.lines) == 0 {
		return nil
	}
	s := strings.Join(d.lines, "\n")
	if d.eol {
		s += "\n"
	}
	return []byte(s)
}

// applyHunks applies hunks in order. Each hunk is placed at its stated
// position when the old side matches there, otherwise at the nearest offset
// that matches, first exactly and then ignoring trailing whitespace. Hunks may
// not overlap or move backwards.
func applyHunks(d doc, hunks []hunk) (doc, error) {
	out := make([]string, 0, len(d.lines))
	pos := 0   // next unconsumed line in d
	delta := 0 // drift between stated and actual positions so far
	eol := d.eol

	for i, h := range hunks {
		old := h.oldSide()

		var at int
		if len(old) == 0 {
			// pure insertion: origStart is the line after which to insert
			at = h.origStart + delta
			if h.origStart == 0 {
				at = 0
			}
			if at < pos || at > len(d.lines) {
				return doc{}, fmt.Errorf("hunk %d: insertion point %d out of range", i+1, h.origStart)
			}
		} else {
			want := h.origStart - 1 + delta
			if want < 0 {
				want = 0
			}
			var ok bool
			at, ok = locate(d.lines, old, want, pos, exactEqual)
			if !ok {
				at, ok = locate(d.lines, old, want, pos, looseEqual)
			}
			if !ok {
				return doc{}, fmt.Errorf("hunk %d (@@ -%d,%d): context does not match", i+1, h.origStart, h.origLines)
			}
		}

		out = append(out, d.lines[pos:at]...)
		// keep the file's own text for context lines
		k := at
		for _, l := range h.lines {
			switch l.kind {
			case ' ':
				out = append(out, d.lines[k])
				k++
			case '-':
				k++
			case '+':
				out = append(out, l.text)
			}
		}
		delta = at - (h.origStart - 1)
		if len(old) == 0 {
			delta = at - h.origStart
		}
		pos = at + len(old)

		if pos == len(d.lines) {
			switch {
			case h.newNoEOL:
				eol = false
			case h.origNoEOL || !d.eol:
				eol = true
			}
		}
	}
	out = append(out, d.lines[pos:]...)
	return doc{lines: out, eol: eol}, nil
}

// oldSide returns the context and removed lines, the text the hunk expects.
func (h hunk) oldSide() []string {
	var old []string
	for _, l := range h.lines {
		if l.kind == ' ' || l.kind == '-' {
			old = append(old, l.text)
		}
	}
	return old
}

// locate finds old in lines at or after from, preferring the position closest
// to want.
func locate(lines, old []string, want, from int, eq func(a, b string) bool) (int, bool) {
	last := len(lines) - len(old)
	if last < from {
		return 0, false
	}
	if want < from {
		want = from
	}
	if want > last {
		want = last
	}
	for off := 0; ; off++ {
		lo, hi := want-off, want+off
		if lo < from && hi > last {
			return 0, false
		}
		if hi <= last && matchAt(lines, old, hi, eq) {
			return hi, true
		}
		if off > 0 && lo >= from && matchAt(lines, old, lo, eq) {
			return lo, true
		}
	}
}

func matchAt(lines, old []string, at int, eq func(a, b string) bool) bool {
	for j, o := range old {
		if !eq(lines[at+j], o) {
			return false
		}
	}
	return true
}

func exactEqual(a, b string) bool { return a == b }

func looseEqual(a, b string) bool {
	return strings.TrimRight(a, " \t\r") == strings.TrimRight(b, " \t\r")
}
