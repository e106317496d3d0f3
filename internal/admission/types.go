// Package admission decides whether a job may start, charging its cost
// against global, organization, user and tier budgets in one atomic step.
package admission

import (
	"errors"
	"fmt"
	"time"
)

// Scope names a budget dimension.
type Scope string

// Scopes in check order. ScopeRate is the per-user request smoother and is
// checked before any budget is touched.
const (
	ScopeRate   Scope = "rate"
	ScopeGlobal Scope = "global"
	ScopeOrg    Scope = "org"
	ScopeUser   Scope = "user"
	ScopeTier   Scope = "tier"
)

// globalKey is the counter key for ScopeGlobal.
const globalKey = "*"

// Request describes the job asking for admission.
type Request struct {
	JobID  string
	UserID string
	OrgID  string
	Tier   string
	// Cost is the budget weight; values below 1 count as 1.
	Cost int64
}

func (r Request) cost() int64 {
	if r.Cost < 1 {
		return 1
	}
	return r.Cost
}

// Limits configures the budgets. A zero limit means unlimited.
type Limits struct {
	Window time.Duration `koanf:"window"`

	Global int64 `koanf:"global"`

	// PerOrg and PerUser apply unless an override exists for the ID.
	PerOrg        int64            `koanf:"per_org"`
	OrgOverrides  map[string]int64 `koanf:"org_overrides"`
	PerUser       int64            `koanf:"per_user"`
	UserOverrides map[string]int64 `koanf:"user_overrides"`

	// Tiers limits operation tiers (for example the most expensive model).
	Tiers map[string]int64 `koanf:"tiers"`

	// WarningThreshold is the usage fraction that emits a WarningEvent.
	WarningThreshold float64 `koanf:"warning_threshold"`

	// RatePerSecond and Burst smooth per-user request bursts independent of
	// budgets. Zero disables the limiter.
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// Defaults.
const (
	DefaultWindow           = time.Minute
	DefaultWarningThreshold = 0.8
)

func (l Limits) withDefaults() Limits {
	if l.Window <= 0 {
		l.Window = DefaultWindow
	}
	if l.WarningThreshold <= 0 || l.WarningThreshold > 1 {
		l.WarningThreshold = DefaultWarningThreshold
	}
	if l.RatePerSecond > 0 && l.Burst <= 0 {
		l.Burst = 1
	}
	return l
}

func (l Limits) orgLimit(org string) int64 {
	if v, ok := l.OrgOverrides[org]; ok {
		return v
	}
	return l.PerOrg
}

func (l Limits) userLimit(user string) int64 {
	if v, ok := l.UserOverrides[user]; ok {
		return v
	}
	return l.PerUser
}

// Charge is one counter increment requested as part of an admission.
type Charge struct {
	Scope  Scope
	Key    string
	Limit  int64
	Amount int64
}

// Decision is the result of TryAdmit.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Scope   Scope  `json:"scope,omitempty"`
	// Remaining is the smallest budget left across limited scopes after the
	// decision, or -1 when no scope is limited.
	Remaining int64 `json:"remaining"`
}

// BudgetExceeded reports the first violated limit. It is user visible and
// never retried with the same request.
type BudgetExceeded struct {
	Scope     Scope
	Key       string
	Limit     int64
	Current   int64
	Remaining int64
}

func (e *BudgetExceeded) Error() string {
	if e.Scope == ScopeRate {
		return fmt.Sprintf("rate limit exceeded for user %s", e.Key)
	}
	return fmt.Sprintf("%s budget exceeded for %s: %d/%d used, %d remaining",
		e.Scope, e.Key, e.Current, e.Limit, e.Remaining)
}

// WarningEvent is emitted when a scope's usage first crosses the warning
// threshold within a window.
type WarningEvent struct {
	Scope       Scope     `json:"scope"`
	Key         string    `json:"key"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	WindowStart time.Time `json:"window_start"`
}

// Errors.
var (
	ErrInvalidRequest = errors.New("invalid admission request")
	ErrInvalidCharge  = errors.New("invalid charge")
)
