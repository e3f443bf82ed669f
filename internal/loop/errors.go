package loop

import (
	"fmt"

	"github.com/throw-if-null/reactor/internal/api"
)

// FatalError stops a task immediately. State is where it happened; the
// message ends up verbatim in the report's abort reason.
type FatalError struct {
	State api.State
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(state api.State, err error) *FatalError {
	return &FatalError{State: state, Err: err}
}
