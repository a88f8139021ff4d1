package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrWorkflowExists    = errors.New("workflow already registered")
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrStepNotFound      = errors.New("step not found")
	ErrNoChoiceMatched   = errors.New("no choice rule matched and no default")
	ErrPollTimeout       = errors.New("poll timed out")
	ErrPollExhausted     = errors.New("poll attempts exhausted")

	// ErrValidation marks schema failures. They are never retried.
	ErrValidation = errors.New("schema validation failed")
)

// StepError is returned when a step fails after all of its attempts.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
