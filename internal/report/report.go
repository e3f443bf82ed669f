// Package report renders task reports for people and machines and stores
// them next to the iteration artifacts.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/natefinch/atomic"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/paths"
)

const stderrLines = 5

// WriteJSON writes reps as indented JSON: a single object for one report,
// an array otherwise.
func WriteJSON(w io.Writer, reps ...*api.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if len(reps) == 1 {
		return enc.Encode(reps[0])
	}
	if reps == nil {
		reps = []*api.Report{}
	}
	return enc.Encode(reps)
}

// WriteFile stores rep as report.json in the task's runs directory under
// repoRoot and returns the path written.
func WriteFile(repoRoot string, rep *api.Report) (string, error) {
	rel, err := paths.RunsDir(rep.TaskID)
	if err != nil {
		return "", err
	}
	dir, err := paths.SafeJoin(repoRoot, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := WriteJSON(&buf, rep); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "report.json")
	if err := atomic.WriteFile(path, &buf); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

type styles struct {
	box     lipgloss.Style
	label   lipgloss.Style
	dim     lipgloss.Style
	states  map[api.State]lipgloss.Style
	outcome map[api.IterationOutcome]lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	green := r.NewStyle().Foreground(lipgloss.Color("#22aa55")).Bold(true)
	yellow := r.NewStyle().Foreground(lipgloss.Color("#d7a000")).Bold(true)
	red := r.NewStyle().Foreground(lipgloss.Color("#d03030")).Bold(true)
	grey := r.NewStyle().Foreground(lipgloss.Color("#888888"))
	return styles{
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1),
		label: r.NewStyle().Bold(true),
		dim:   grey,
		states: map[api.State]lipgloss.Style{
			api.StateSuccess:   green,
			api.StateExhausted: yellow,
			api.StateAborted:   red,
		},
		outcome: map[api.IterationOutcome]lipgloss.Style{
			api.IterationPassed:      green,
			api.IterationFailed:      red,
			api.IterationPatchFailed: red,
			api.IterationReadOnly:    yellow,
			api.IterationAborted:     grey,
		},
	}
}

// WriteText writes a terminal summary of each report. Colors are only used
// when w is a terminal that supports them.
func WriteText(w io.Writer, reps ...*api.Report) error {
	st := newStyles(w)
	for i, rep := range reps {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, render(st, rep)+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func render(st styles, rep *api.Report) string {
	var b strings.Builder
	state := strings.ToUpper(string(rep.FinalState))
	if s, ok := st.states[rep.FinalState]; ok {
		state = s.Render(state)
	}
	fmt.Fprintf(&b, "%s %s  %s\n", st.label.Render("Task"), rep.TaskID, state)
	fmt.Fprintf(&b, "%s %s\n", st.label.Render("Prompt:"), oneLine(rep.Prompt, 100))
	fmt.Fprintf(&b, "%s %d   %s %d in / %d out   %s $%.4f\n",
		st.label.Render("Iterations:"), rep.IterationCount,
		st.label.Render("Tokens:"), rep.TokensIn, rep.TokensOut,
		st.label.Render("Cost:"), rep.Cost)

	sandbox := string(rep.SandboxMode)
	if rep.SandboxPath != "" {
		sandbox += ", retained at " + rep.SandboxPath
	}
	if rep.DryRun {
		sandbox += ", dry run"
	}
	fmt.Fprintf(&b, "%s %s\n", st.label.Render("Sandbox:"), sandbox)

	modified := "no"
	if rep.OriginalModified {
		modified = "yes"
		if len(rep.WrittenBack) > 0 {
			modified += " (" + strings.Join(rep.WrittenBack, ", ") + ")"
		}
	}
	fmt.Fprintf(&b, "%s %s", st.label.Render("Original modified:"), modified)
	if rep.FinishedAt.After(rep.StartedAt) {
		fmt.Fprintf(&b, "\n%s %s", st.label.Render("Duration:"), rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	}
	if rep.AbortReason != "" {
		fmt.Fprintf(&b, "\n%s %s", st.label.Render("Abort reason:"), rep.AbortReason)
	}
	out := st.box.Render(b.String())

	for _, it := range rep.Iterations {
		out += "\n" + renderIteration(st, it)
	}
	return out
}

func renderIteration(st styles, it api.Iteration) string {
	outcome := string(it.Outcome)
	if s, ok := st.outcome[it.Outcome]; ok {
		outcome = s.Render(outcome)
	}
	parts := []string{fmt.Sprintf("#%d %s", it.Seq, outcome)}
	if it.Patch != nil {
		p := "patch " + string(it.Patch.Outcome)
		if n := len(it.Patch.Touched); n > 0 {
			p += fmt.Sprintf(" (%d files)", n)
		}
		parts = append(parts, p)
	}
	if t := it.Test; t != nil {
		if t.TimedOut {
			parts = append(parts, fmt.Sprintf("tests timed out after %s", t.Duration.Round(time.Millisecond)))
		} else {
			parts = append(parts, fmt.Sprintf("tests exit %d in %s", t.ExitCode, t.Duration.Round(time.Millisecond)))
		}
	}
	parts = append(parts, st.dim.Render(fmt.Sprintf("%d/%d tokens $%.4f", it.TokensIn, it.TokensOut, it.Cost)))
	line := "  " + strings.Join(parts, "  ")

	var detail string
	switch {
	case it.Patch != nil && it.Patch.Error != "":
		detail = it.Patch.Error
	case it.Test != nil && !it.Test.Passed():
		detail = tail(it.Test.Stderr, stderrLines)
		if detail == "" {
			detail = tail(it.Test.Stdout, stderrLines)
		}
	case it.Outcome == api.IterationAborted:
		detail = it.Feedback
	}
	if detail == "" {
		return line
	}
	return line + "\n" + st.dim.Render(indent(detail, "      "))
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return s
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}
