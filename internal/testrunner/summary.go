package testrunner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/throw-if-null/reactor/internal/api"
)

const (
	maxFailureLines = 40
	tailLines       = 30
)

// Summary is the condensed view of a test run used as retry feedback.
type Summary struct {
	Passed  int
	Failed  int
	Ignored int
	// Failures holds the lines naming failing tests or packages.
	Failures []string
	ExitCode int
	TimedOut bool
	// Tail is the end of stderr, or stdout when stderr is empty.
	Tail string
}

// Summarize extracts counts and failing test names from cargo-style
// (`test result:`, `... FAILED`) and go test (`--- FAIL:`, `FAIL\t`) output.
func Summarize(r api.TestResult) Summary {
	s := Summary{ExitCode: r.ExitCode, TimedOut: r.TimedOut}
	for _, out := range []string{r.Stdout, r.Stderr} {
		for _, l := range strings.Split(out, "\n") {
			l = strings.TrimRight(l, "\r")
			trimmed := strings.TrimSpace(l)
			switch {
			case strings.HasPrefix(trimmed, "test result:"):
				s.addCounts(trimmed)
			case strings.HasPrefix(trimmed, "--- FAIL:"),
				strings.HasPrefix(l, "FAIL\t"),
				strings.HasPrefix(trimmed, "FAILED "),
				strings.HasPrefix(trimmed, "test ") && strings.HasSuffix(trimmed, " FAILED"),
				strings.HasPrefix(trimmed, "panic:"):
				if len(s.Failures) < maxFailureLines {
					s.Failures = append(s.Failures, trimmed)
				}
				if strings.HasPrefix(trimmed, "--- FAIL:") {
					s.Failed++
				}
			}
		}
	}
	tail := r.Stderr
	if strings.TrimSpace(tail) == "" {
		tail = r.Stdout
	}
	s.Tail = lastLines(tail, tailLines)
	return s
}

// addCounts parses "test result: ok. 5 passed; 2 failed; 1 ignored; ...".
// Counts accumulate across several test binaries.
func (s *Summary) addCounts(line string) {
	for _, part := range strings.Split(line, ";") {
		var n int
		found := false
		for _, tok := range strings.Fields(part) {
			if v, err := strconv.Atoi(tok); err == nil {
				n, found = v, true
				break
			}
		}
		if !found {
			continue
		}
		switch {
		case strings.Contains(part, "passed"):
			s.Passed += n
		case strings.Contains(part, "failed"):
			s.Failed += n
		case strings.Contains(part, "ignored"):
			s.Ignored += n
		}
	}
}

// String renders the summary as feedback for the next prompt.
func (s Summary) String() string {
	var b strings.Builder
	if s.TimedOut {
		b.WriteString("The test command timed out and was killed.\n")
	} else {
		fmt.Fprintf(&b, "The test command exited with code %d.\n", s.ExitCode)
	}
	if s.Passed+s.Failed+s.Ignored > 0 {
		fmt.Fprintf(&b, "Passed: %d, failed: %d, ignored: %d.\n", s.Passed, s.Failed, s.Ignored)
	}
	if len(s.Failures) > 0 {
		b.WriteString("Failures:\n")
		for _, f := range s.Failures {
			b.WriteString("  " + f + "\n")
		}
	}
	if s.Tail != "" {
		b.WriteString("Output (last lines):\n")
		b.WriteString(s.Tail)
		if !strings.HasSuffix(s.Tail, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
