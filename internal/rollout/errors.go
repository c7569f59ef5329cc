package rollout

import (
	"errors"
	"fmt"
)

// ErrTerminal is returned for requests against a finished implementation.
var ErrTerminal = errors.New("implementation already finished")

// AlreadyImplementingError rejects a second live rollout of the same test.
type AlreadyImplementingError struct {
	TestID string
	State  string
}

func (e *AlreadyImplementingError) Error() string {
	return fmt.Sprintf("test %q is already being implemented (%s)", e.TestID, e.State)
}

// RollbackFailedError reports a remediation step that did not complete.
// Traffic may still reach the winner; manual intervention is required.
type RollbackFailedError struct {
	TestID string
	Step   string
	Err    error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback of test %q failed at %q: %v", e.TestID, e.Step, e.Err)
}

func (e *RollbackFailedError) Unwrap() error {
	return e.Err
}
