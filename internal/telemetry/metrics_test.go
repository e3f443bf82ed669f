package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountAndExport(t *testing.T) {
	m := NewMetrics()
	m.Iterations.WithLabelValues("failed").Inc()
	m.Iterations.WithLabelValues("passed").Inc()
	m.Tasks.WithLabelValues("success").Inc()
	m.LLMCost.Add(0.25)

	if got := testutil.ToFloat64(m.Iterations.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed iterations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMCost); got != 0.25 {
		t.Fatalf("cost = %v, want 0.25", got)
	}

	path := filepath.Join(t.TempDir(), "reactor.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `reactor_tasks_total{state="success"} 1`) {
		t.Fatalf("textfile missing task counter:\n%s", b)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.TestTimeouts.Inc()
	if got := testutil.ToFloat64(b.TestTimeouts); got != 0 {
		t.Fatalf("registries share state: %v", got)
	}
}
