package job

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrInvalidJob = errors.New("invalid job")
	ErrEmptyJobID = errors.New("job id is required")
)

// Lifecycle errors.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrJobTerminal       = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotResubmittable  = errors.New("only terminal failed or cancelled jobs can be resubmitted")
	ErrRetryChainLimit   = errors.New("retry chain length limit reached")
)

// Manager errors.
var (
	ErrManagerClosed  = errors.New("job manager is shut down")
	ErrAlreadyStarted = errors.New("job manager workers already started")
	ErrNoRunner       = errors.New("job manager has no runner")
)

// InvalidTransition is returned when a state change is not allowed from the
// job's current status. Reaching it from inside the manager is a defect.
type InvalidTransition struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *InvalidTransition) Is(target error) bool {
	return target == ErrInvalidTransition
}

// RetryableError marks an error from a Runner as transient.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err so the manager schedules a retry. nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}
