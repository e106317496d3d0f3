// Package events fans job status changes, resolution attempts and usage
// warnings out to in-process subscribers and to NATS.
package events

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
)

// Kind names what an Event carries.
type Kind string

const (
	KindStatus  Kind = "status"
	KindAttempt Kind = "attempt"
	KindWarning Kind = "warning"
)

// Event is one entry of the stream. Exactly one of Status, Attempt and
// Warning is set, matching Kind.
type Event struct {
	Kind    Kind                    `json:"kind"`
	JobID   string                  `json:"job_id,omitempty"`
	UserID  string                  `json:"user_id,omitempty"`
	At      time.Time               `json:"at"`
	Status  *job.StatusChange       `json:"status,omitempty"`
	Attempt *resolution.Attempt     `json:"attempt,omitempty"`
	Warning *admission.WarningEvent `json:"warning,omitempty"`
}

// Terminal reports whether the event closes a job's stream: a status change
// into a state with no automatic way forward.
func (e Event) Terminal() bool {
	if e.Kind != KindStatus || e.Status == nil {
		return false
	}
	if e.Status.Job != nil {
		return e.Status.Job.IsTerminal()
	}
	return e.Status.To.IsTerminal()
}

// Filter selects events for a subscription. Zero fields match everything.
type Filter struct {
	JobID  string
	UserID string
	Kinds  []Kind
}

func (f Filter) matches(e Event) bool {
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

// Errors.
var (
	ErrBrokerClosed = errors.New("event broker is closed")
	ErrNoConnection = errors.New("nats connection is nil")
)
