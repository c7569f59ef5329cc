package scheduler

import "fmt"

// TickError reports a pass that could not enumerate eligible tests. The
// loop retries it with backoff.
type TickError struct {
	Attempt int
	Err     error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("scheduler tick (attempt %d): listing eligible tests: %v", e.Attempt, e.Err)
}

func (e *TickError) Unwrap() error {
	return e.Err
}

// AlreadyConcludedError reports a test that already has a conclusion. It
// stays concluded until the conclusion is reset.
type AlreadyConcludedError struct {
	TestID string
	State  string
}

func (e *AlreadyConcludedError) Error() string {
	return fmt.Sprintf("test %q is already %s", e.TestID, e.State)
}
