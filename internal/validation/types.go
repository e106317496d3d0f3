// Package validation runs the ordered check battery applied to a candidate
// conflict resolution: syntax, security scan, semantic consistency and the
// existing tests reachable from the changed file.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/jobcore/internal/conflict"
)

// Check names one step of the battery.
type Check string

const (
	CheckSyntax   Check = "syntax"
	CheckSecurity Check = "security"
	CheckSemantic Check = "semantic"
	CheckTests    Check = "tests"
)

// Order is the fixed evaluation order. Cheaper and more certain checks run
// first.
var Order = []Check{CheckSyntax, CheckSecurity, CheckSemantic, CheckTests}

// Outcome is the result of a single check.
type Outcome string

const (
	OutcomePass          Outcome = "pass"
	OutcomeFail          Outcome = "fail"
	OutcomeNotApplicable Outcome = "not_applicable"
	// OutcomeSkipped marks checks that did not run because an earlier one failed.
	OutcomeSkipped Outcome = "skipped"
)

// Candidate is a proposed replacement for one conflict region.
type Candidate struct {
	FilePath string
	Language string
	Text     string
	Conflict conflict.Conflict
	// File gives the semantic check access to content outside the region.
	// May be nil.
	File *conflict.File
}

// Finding is a single security match. The matched text is not retained.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Line        int    `json:"line"`
}

// Report is the outcome of running the battery on one candidate.
type Report struct {
	Checks      map[Check]Outcome `json:"checks"`
	Passed      bool              `json:"passed"`
	FailedCheck Check             `json:"failed_check,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Findings    []Finding         `json:"findings,omitempty"`
	Missing     []string          `json:"missing_identifiers,omitempty"`
}

func newReport() *Report {
	r := &Report{Checks: make(map[Check]Outcome, len(Order))}
	for _, c := range Order {
		r.Checks[c] = OutcomeSkipped
	}
	return r
}

func (r *Report) fail(c Check, reason string) *Report {
	r.Checks[c] = OutcomeFail
	r.Passed = false
	r.FailedCheck = c
	r.Reason = reason
	return r
}

// SecurityRejected reports that a candidate matched the denylist. It is
// terminal for the conflict: the same candidate is never retried.
type SecurityRejected struct {
	FilePath string
	Findings []Finding
}

func (e *SecurityRejected) Error() string {
	ids := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		ids = append(ids, f.RuleID)
	}
	return fmt.Sprintf("security rejected candidate for %s: %s", e.FilePath, strings.Join(ids, ", "))
}

// Err returns the report's security failure as a *SecurityRejected, or nil
// when the security check did not fail.
func (r *Report) Err(path string) error {
	if r.FailedCheck != CheckSecurity {
		return nil
	}
	return &SecurityRejected{FilePath: path, Findings: r.Findings}
}

// Errors.
var (
	ErrTestTimeout    = errors.New("test execution timed out")
	ErrInvalidRule    = errors.New("invalid security rule")
	ErrInvalidRuleSet = errors.New("invalid security rule file")
)
