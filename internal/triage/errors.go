package triage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a feedback item or analysis does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when a required field is missing or out of range.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvariant is returned when a manual write would leave an analysis
	// in a state its fields cannot support.
	ErrInvariant = errors.New("invariant violation")
)

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// StepError reports the job step that terminated an analysis job. History
// holds one message per failed attempt, oldest first.
type StepError struct {
	Step     string
	Attempts int
	Err      error
	History  []string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

// ErrorText is the accumulated failure text persisted on the analysis.
func (e *StepError) ErrorText() string {
	if len(e.History) == 0 {
		return e.Error()
	}
	return fmt.Sprintf("step %s failed after %d attempt(s): %s", e.Step, e.Attempts, strings.Join(e.History, "; "))
}

func (e *StepError) Unwrap() error { return e.Err }

// JobFailedError is returned when re-running a job that already ended in failure.
type JobFailedError struct {
	JobID     string
	ErrorText string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s already failed: %s", e.JobID, e.ErrorText)
}
