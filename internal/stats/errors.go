package stats

import "fmt"

// InvalidInputError reports malformed counters or a broken traffic split.
type InvalidInputError struct {
	TestID string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for test %q: %s", e.TestID, e.Reason)
}

func invalid(testID, format string, args ...any) error {
	return &InvalidInputError{TestID: testID, Reason: fmt.Sprintf(format, args...)}
}
