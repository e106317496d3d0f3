// Package job owns a unit of agent work from submission to a terminal state.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ValidTransitions defines allowed status transitions. failed -> queued is
// additionally gated on the job's retry budget, see Job.CanTransitionTo.
var ValidTransitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusSuccess, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusQueued},
	StatusSuccess:   {},
	StatusCancelled: {},
}

// CanTransitionTo checks if a transition from current status to target is valid.
func (s Status) CanTransitionTo(target Status) bool {
	for _, valid := range ValidTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition ever leaves s. failed is not
// terminal at this level because a retry may still requeue it.
func (s Status) IsTerminal() bool {
	return len(ValidTransitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// Priority selects a queue lane. Lower values are served first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "high", "normal" or "low". Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("%w: priority %q", ErrInvalidJob, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindBudgetExceeded       ErrorKind = "budget_exceeded"
	KindRetryable            ErrorKind = "retryable"
	KindTimeout              ErrorKind = "timeout"
	KindUnresolvableConflict ErrorKind = "unresolvable_conflict"
	KindSecurityRejected     ErrorKind = "security_rejected"
	KindLeaseLost            ErrorKind = "lease_lost"
	KindInterrupted          ErrorKind = "interrupted"
	KindInternal             ErrorKind = "internal"
)

// Config is the job's payload. The core does not interpret it beyond the
// branch names the worker needs.
type Config struct {
	Branch       string            `json:"branch"`
	TargetBranch string            `json:"target_branch"`
	Task         string            `json:"task,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// Job is the persisted record of one unit of work.
type Job struct {
	ID         string   `json:"id"`
	UserID     string   `json:"user_id"`
	OrgID      string   `json:"org_id,omitempty"`
	Repository string   `json:"repository"`
	Status     Status   `json:"status"`
	Priority   Priority `json:"priority"`
	Config     Config   `json:"config"`
	Tier       string   `json:"tier,omitempty"`
	Cost       int64    `json:"cost"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
	// ParentID links a resubmitted job to the job it was derived from.
	ParentID    string `json:"parent_id,omitempty"`
	ChainLength int    `json:"chain_length"`

	ErrorKind           ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	BlockingFiles       []string  `json:"blocking_files,omitempty"`
	ConsecutiveTimeouts int       `json:"consecutive_timeouts"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	AdmittedAt    *time.Time `json:"admitted_at,omitempty"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// RetryScheduled reports whether a failed job is waiting for its backoff to
// elapse before being requeued.
func (j *Job) RetryScheduled() bool {
	return j.Status == StatusFailed && j.NextAttemptAt != nil && j.RetryCount < j.MaxRetries
}

// IsTerminal reports whether the job can no longer change state.
func (j *Job) IsTerminal() bool {
	if j.Status == StatusFailed {
		return !j.RetryScheduled()
	}
	return j.Status.IsTerminal()
}

// CanTransitionTo applies the status graph plus the retry guard.
func (j *Job) CanTransitionTo(target Status) bool {
	if !j.Status.CanTransitionTo(target) {
		return false
	}
	if j.Status == StatusFailed && target == StatusQueued {
		return j.RetryScheduled()
	}
	return true
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Config.Env != nil {
		c.Config.Env = make(map[string]string, len(j.Config.Env))
		for k, v := range j.Config.Env {
			c.Config.Env[k] = v
		}
	}
	if j.BlockingFiles != nil {
		c.BlockingFiles = append([]string(nil), j.BlockingFiles...)
	}
	c.AdmittedAt = copyTime(j.AdmittedAt)
	c.QueuedAt = copyTime(j.QueuedAt)
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.CancelledAt = copyTime(j.CancelledAt)
	c.NextAttemptAt = copyTime(j.NextAttemptAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SubmitRequest is the input to Manager.Submit.
type SubmitRequest struct {
	UserID     string
	OrgID      string
	Repository string
	Priority   Priority
	Config     Config
	Tier       string
	Cost       int64
	// MaxRetries overrides the manager default when non-nil.
	MaxRetries *int
}

// Validate checks the request.
func (r SubmitRequest) Validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidJob)
	case r.Repository == "":
		return fmt.Errorf("%w: repository is required", ErrInvalidJob)
	case r.Priority < PriorityHigh || r.Priority > PriorityLow:
		return fmt.Errorf("%w: priority %d", ErrInvalidJob, int(r.Priority))
	case r.Cost < 0:
		return fmt.Errorf("%w: cost must not be negative", ErrInvalidJob)
	case r.MaxRetries != nil && *r.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidJob)
	}
	return nil
}

// Filter selects jobs for List. Zero fields match everything.
type Filter struct {
	UserID   string
	OrgID    string
	Status   Status
	ParentID string
	// Limit caps the result; 0 means no limit.
	Limit int
}

func (f Filter) matches(j *Job) bool {
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.OrgID != "" && j.OrgID != f.OrgID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.ParentID != "" && j.ParentID != f.ParentID {
		return false
	}
	return true
}

// StatusChange is published after every committed transition.
type StatusChange struct {
	JobID  string    `json:"job_id"`
	UserID string    `json:"user_id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Job    *Job      `json:"job"`
	At     time.Time `json:"at"`
}
