package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the loop counters. Each instance owns its registry so
// concurrent sessions and tests do not collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	Tasks        *prometheus.CounterVec
	Iterations   *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	PatchResults *prometheus.CounterVec
	LLMTokens    *prometheus.CounterVec
	LLMCost      prometheus.Counter
	TestDuration prometheus.Histogram
	TestTimeouts prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "tasks_total",
			Help:      "Tasks finished, by terminal state.",
		}, []string{"state"}),
		Iterations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "iterations_total",
			Help:      "Loop iterations, by outcome.",
		}, []string{"outcome"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "state_transitions_total",
			Help:      "State machine transitions, by target state.",
		}, []string{"to"}),
		PatchResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "patch_results_total",
			Help:      "Patch application results, by outcome.",
		}, []string{"outcome"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "llm_tokens_total",
			Help:      "Model tokens, by direction.",
		}, []string{"direction"}),
		LLMCost: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "llm_cost_dollars_total",
			Help:      "Dollars spent on model calls.",
		}),
		TestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reactor",
			Name:      "test_run_seconds",
			Help:      "Wall-clock duration of test command runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		TestTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reactor",
			Name:      "test_timeouts_total",
			Help:      "Test runs killed at the timeout.",
		}),
	}
}

// WriteTextfile writes the current values in the node_exporter textfile
// format, atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
