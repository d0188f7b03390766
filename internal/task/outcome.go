package task

import (
	"errors"
	"fmt"
)

// ErrNotReady marks a retryable condition: the device or transport could not
// serve the task this time, but nothing is broken. Wrap it to add context.
var ErrNotReady = errors.New("not ready")

// DefectiveError signals that a task's endpoint is unreachable. The scheduler
// uses it to throttle further tasks for that endpoint.
type DefectiveError struct {
	Endpoint string
	Err      error
}

func (e *DefectiveError) Error() string {
	return fmt.Sprintf("endpoint %s defective: %v", e.Endpoint, e.Err)
}

func (e *DefectiveError) Unwrap() error {
	return e.Err
}

// Defective wraps err as a DefectiveError for endpoint.
func Defective(endpoint string, err error) error {
	return &DefectiveError{Endpoint: endpoint, Err: err}
}

// Outcome is the classified result of running a task.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeDefective
	OutcomeFailed
)

// String returns a lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeDefective:
		return "defective"
	default:
		return "failed"
	}
}

// Classify maps a task error to its outcome. For OutcomeDefective the
// affected endpoint is returned as well.
func Classify(err error) (Outcome, string) {
	if err == nil {
		return OutcomeSuccess, ""
	}
	var de *DefectiveError
	if errors.As(err, &de) {
		return OutcomeDefective, de.Endpoint
	}
	if errors.Is(err, ErrNotReady) {
		return OutcomeRetryable, ""
	}
	return OutcomeFailed, ""
}
