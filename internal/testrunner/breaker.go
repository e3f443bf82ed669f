package testrunner

import (
	"fmt"
	"sync"

	"github.com/throw-if-null/reactor/internal/api"
)

// Breaker trips after a run of consecutive timeouts.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
}

func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{threshold: threshold}
}

// Observe records r. It returns ErrCircuitOpen once the threshold of
// consecutive timeouts is reached, ErrTimedOut for a timeout below it, and
// nil otherwise. Any run that finished on its own resets the count.
func (b *Breaker) Observe(r api.TestResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !r.TimedOut {
		b.consecutive = 0
		return nil
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		return fmt.Errorf("%w (%d in a row)", ErrCircuitOpen, b.consecutive)
	}
	return ErrTimedOut
}

func (b *Breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
