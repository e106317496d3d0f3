// Package resolution runs the conflict-resolution pipeline: for every
// conflict region it requests a candidate, validates it, falls back to a
// deterministic strategy when validation fails, and records every attempt
// in an append-only audit log.
package resolution

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/jobcore/internal/validation"
)

// Method is how a conflict ended up resolved.
type Method string

const (
	MethodAIValidated    Method = "ai_validated"
	MethodFallbackOurs   Method = "fallback_ours"
	MethodFallbackTheirs Method = "fallback_theirs"
	MethodManual         Method = "manual_required"
)

// Resolved reports whether the method produced usable content.
func (m Method) Resolved() bool {
	return m == MethodAIValidated || m == MethodFallbackOurs || m == MethodFallbackTheirs
}

// Input is what the pipeline saw for one conflict.
type Input struct {
	Ours    string `json:"ours"`
	Theirs  string `json:"theirs"`
	Base    string `json:"base,omitempty"`
	Context string `json:"context,omitempty"`
}

// Attempt is one audited resolution of one conflict. Attempts are never
// mutated after they are appended.
type Attempt struct {
	ID            string `json:"id"`
	JobID         string `json:"job_id"`
	FilePath      string `json:"file_path"`
	ConflictIndex int    `json:"conflict_index"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	Method        Method `json:"method"`
	// Candidate is the generator output, empty when none was produced.
	Candidate string `json:"candidate,omitempty"`
	// Resolution is the text written in place of the region, empty for
	// manual_required.
	Resolution string                                  `json:"resolution,omitempty"`
	Checks     map[validation.Check]validation.Outcome `json:"checks,omitempty"`
	Findings   []validation.Finding                    `json:"findings,omitempty"`
	Success    bool                                    `json:"success"`
	Rationale  string                                  `json:"rationale"`
	Strategy   string                                  `json:"strategy"`
	Input      Input                                   `json:"input"`
	CreatedAt  time.Time                               `json:"created_at"`
}

func (a Attempt) clone() Attempt {
	if a.Checks != nil {
		checks := make(map[validation.Check]validation.Outcome, len(a.Checks))
		for k, v := range a.Checks {
			checks[k] = v
		}
		a.Checks = checks
	}
	if a.Findings != nil {
		a.Findings = append([]validation.Finding(nil), a.Findings...)
	}
	return a
}

// FileResult aggregates the attempts for one file.
type FileResult struct {
	Path     string    `json:"path"`
	Attempts []Attempt `json:"attempts"`
	Resolved bool      `json:"resolved"`
	// Content is the fully resolved file, set only when Resolved.
	Content string `json:"-"`
	// BlockingLine is the start line of the conflict that blocked the file.
	BlockingLine int    `json:"blocking_line,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Result is the outcome of one Resolve call.
type Result struct {
	Files    []FileResult `json:"files"`
	Attempts []Attempt    `json:"attempts"`
	Resolved bool         `json:"resolved"`
}

// BlockingFiles lists the paths of unresolved files in input order.
func (r *Result) BlockingFiles() []string {
	var out []string
	for _, f := range r.Files {
		if !f.Resolved {
			out = append(out, f.Path)
		}
	}
	return out
}

// Err returns an *UnresolvableConflict naming every blocked file, or nil
// when the result is resolved.
func (r *Result) Err() error {
	if r.Resolved {
		return nil
	}
	e := &UnresolvableConflict{}
	for _, f := range r.Files {
		if !f.Resolved {
			e.Files = append(e.Files, BlockedFile{Path: f.Path, Line: f.BlockingLine, Reason: f.Reason})
		}
	}
	return e
}

// BlockedFile identifies a file the pipeline could not resolve.
type BlockedFile struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// UnresolvableConflict means every strategy was exhausted for at least one
// conflict. It is terminal for the job and never retried automatically.
type UnresolvableConflict struct {
	Files []BlockedFile
}

func (e *UnresolvableConflict) Error() string {
	parts := make([]string, 0, len(e.Files))
	for _, f := range e.Files {
		parts = append(parts, fmt.Sprintf("%s:%d", f.Path, f.Line))
	}
	return "unresolvable conflicts in " + strings.Join(parts, ", ")
}

// Paths returns the blocked file paths.
func (e *UnresolvableConflict) Paths() []string {
	out := make([]string, 0, len(e.Files))
	for _, f := range e.Files {
		out = append(out, f.Path)
	}
	return out
}

// RetryablePipelineError is a transient failure (generator unavailable,
// generator or test timeout) that says nothing about the conflict itself.
type RetryablePipelineError struct {
	FilePath string
	Line     int
	Timeout  bool
	Err      error
}

func (e *RetryablePipelineError) Error() string {
	kind := "unavailable"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("retryable pipeline error (%s) at %s:%d: %v", kind, e.FilePath, e.Line, e.Err)
}

func (e *RetryablePipelineError) Unwrap() error {
	return e.Err
}

// Errors.
var (
	ErrUnknownStrategy = errors.New("unknown fallback strategy")
	ErrAuditClosed     = errors.New("audit log is closed")
)
