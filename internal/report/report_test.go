package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/reactor/internal/api"
)

func sampleReport() *api.Report {
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	return &api.Report{
		TaskID:         "t-1",
		Prompt:         "Add a HelloWorld function",
		FinalState:     api.StateSuccess,
		IterationCount: 2,
		Iterations: []api.Iteration{
			{
				Seq:     1,
				Diff:    "--- a/lib.go\n",
				Patch:   &api.PatchResult{Outcome: api.PatchApplied, Touched: []string{"lib.go"}},
				Test:    &api.TestResult{ExitCode: 1, Stderr: "line1\nline2\n--- FAIL: TestHello\n", Duration: 1500 * time.Millisecond},
				Outcome: api.IterationFailed,
			},
			{
				Seq:     2,
				Patch:   &api.PatchResult{Outcome: api.PatchApplied, Touched: []string{"lib.go"}},
				Test:    &api.TestResult{ExitCode: 0, Duration: time.Second},
				Outcome: api.IterationPassed,
			},
		},
		TokensIn:         200,
		TokensOut:        100,
		Cost:             0.02,
		SandboxMode:      api.SandboxCopy,
		OriginalModified: true,
		WrittenBack:      []string{"lib.go"},
		StartedAt:        start,
		FinishedAt:       start.Add(3 * time.Second),
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleReport()))

	var got api.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "t-1", got.TaskID)
	assert.Equal(t, api.StateSuccess, got.FinalState)
	assert.Contains(t, got.Iterations[0].Test.Stderr, "--- FAIL: TestHello")

	buf.Reset()
	require.NoError(t, WriteJSON(&buf, sampleReport(), sampleReport()))
	var many []api.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &many))
	assert.Len(t, many, 2)

	buf.Reset()
	require.NoError(t, WriteJSON(&buf))
	assert.JSONEq(t, "[]", buf.String())
}

func TestWriteText(t *testing.T) {
	rep := sampleReport()
	aborted := &api.Report{
		TaskID:      "t-2",
		Prompt:      "Break things",
		FinalState:  api.StateAborted,
		AbortReason: "call_llm: llm call failed: connection refused",
		SandboxMode: api.SandboxCopy,
		SandboxPath: "/tmp/sb/t-2",
		DryRun:      true,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, rep, aborted))
	out := buf.String()

	assert.Contains(t, out, "t-1")
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "200 in / 100 out")
	assert.Contains(t, out, "$0.0200")
	assert.Contains(t, out, "yes (lib.go)")
	assert.Contains(t, out, "#1 failed")
	assert.Contains(t, out, "tests exit 1 in 1.5s")
	assert.Contains(t, out, "--- FAIL: TestHello")
	assert.Contains(t, out, "#2 passed")

	assert.Contains(t, out, "ABORTED")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "retained at /tmp/sb/t-2")
	assert.Contains(t, out, "dry run")
}

func TestWriteFile(t *testing.T) {
	root := t.TempDir()
	path, err := WriteFile(root, sampleReport())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".reactor", "runs", "t-1", "report.json"), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got api.Report
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 2, got.IterationCount)
	assert.Equal(t, []string{"lib.go"}, got.WrittenBack)
}

func TestWriteFile_RejectsBadTaskID(t *testing.T) {
	_, err := WriteFile(t.TempDir(), &api.Report{TaskID: "../escape"})
	assert.Error(t, err)
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\tc", 10))
	assert.Equal(t, "abcdefg...", oneLine("abcdefghijklmnop", 10))
}
