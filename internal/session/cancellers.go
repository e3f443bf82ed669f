package session

import (
	"context"
	"sync"
)

// Cancellers maps running task ids to the cancel func of their context so a
// signal or an operator can stop a task at its next state boundary.
type Cancellers struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func NewCancellers() *Cancellers {
	return &Cancellers{m: map[string]context.CancelFunc{}}
}

// Register stores cancel for taskID, replacing any previous entry.
func (c *Cancellers) Register(taskID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[taskID] = cancel
}

func (c *Cancellers) Unregister(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, taskID)
}

// Cancel calls the cancel func registered for taskID and reports whether
// there was one.
func (c *Cancellers) Cancel(taskID string) bool {
	c.mu.Lock()
	cancel, ok := c.m[taskID]
	c.mu.Unlock()
	if !ok || cancel == nil {
		return false
	}
	cancel()
	return true
}

// CancelAll cancels every registered task and returns how many there were.
func (c *Cancellers) CancelAll() int {
	c.mu.Lock()
	fns := make([]context.CancelFunc, 0, len(c.m))
	for _, fn := range c.m {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Running returns the number of registered tasks.
func (c *Cancellers) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
