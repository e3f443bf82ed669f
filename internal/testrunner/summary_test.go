package testrunner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/throw-if-null/reactor/internal/api"
)

func timedOutResult() api.TestResult {
	return api.TestResult{ExitCode: TimeoutExitCode, TimedOut: true}
}

func exitResult(code int) api.TestResult {
	return api.TestResult{ExitCode: code}
}

func TestSummarize_Cargo(t *testing.T) {
	out := strings.Join([]string{
		"running 8 tests",
		"test utils::tests::adds ... ok",
		"test utils::tests::hello_world ... FAILED",
		"",
		"test result: FAILED. 5 passed; 2 failed; 1 ignored; 0 measured; 0 filtered out",
	}, "\n")
	s := Summarize(api.TestResult{ExitCode: 101, Stdout: out, Stderr: "error: test failed, to rerun pass `--lib`\n"})

	assert.Equal(t, 5, s.Passed)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Ignored)
	assert.Equal(t, []string{"test utils::tests::hello_world ... FAILED"}, s.Failures)
	assert.Equal(t, "error: test failed, to rerun pass `--lib`", s.Tail)

	text := s.String()
	assert.Contains(t, text, "exited with code 101")
	assert.Contains(t, text, "Passed: 5, failed: 2, ignored: 1.")
	assert.Contains(t, text, "hello_world ... FAILED")
}

func TestSummarize_GoTest(t *testing.T) {
	out := strings.Join([]string{
		"--- FAIL: TestHelloWorld (0.00s)",
		"    lib_test.go:9: got \"\", want \"hello world\"",
		"FAIL",
		"FAIL\texample.com/lib\t0.002s",
	}, "\n")
	s := Summarize(api.TestResult{ExitCode: 1, Stdout: out})

	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, []string{"--- FAIL: TestHelloWorld (0.00s)", "FAIL\texample.com/lib\t0.002s"}, s.Failures)
	assert.Contains(t, s.Tail, "lib_test.go:9")
}

func TestSummarize_TimedOut(t *testing.T) {
	s := Summarize(timedOutResult())
	assert.True(t, s.TimedOut)
	assert.Contains(t, s.String(), "timed out")
	assert.Empty(t, s.Tail)
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "c\nd", lastLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, "", lastLines("\n\n", 2))
}
