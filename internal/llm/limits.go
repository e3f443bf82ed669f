package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// limited applies a per-request deadline and an optional client-side rate
// limit. There are no retries.
type limited struct {
	next    Client
	timeout time.Duration
	lim     *rate.Limiter
}

func withLimits(c Client, timeout time.Duration, perMinute int) Client {
	l := &limited{next: c, timeout: timeout}
	if perMinute > 0 {
		l.lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return l
}

func (l *limited) Complete(ctx context.Context, prompt string) (Completion, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if l.lim != nil {
		if err := l.lim.Wait(ctx); err != nil {
			return Completion{}, callError("rate limit", err)
		}
	}
	return l.next.Complete(ctx, prompt)
}

func (l *limited) EstimateCost(prompt string) float64 {
	if e, ok := l.next.(Estimator); ok {
		return e.EstimateCost(prompt)
	}
	return 0
}
