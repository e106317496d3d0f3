package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/jobcore/internal/metrics"
)

// Emitter receives usage warnings. Implementations must not block.
type Emitter interface {
	EmitWarning(ctx context.Context, ev WarningEvent)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev WarningEvent)

// EmitWarning implements Emitter.
func (f EmitterFunc) EmitWarning(ctx context.Context, ev WarningEvent) {
	f(ctx, ev)
}

// MultiEmitter sends a warning to every emitter in order.
type MultiEmitter []Emitter

// EmitWarning implements Emitter.
func (m MultiEmitter) EmitWarning(ctx context.Context, ev WarningEvent) {
	for _, e := range m {
		e.EmitWarning(ctx, ev)
	}
}

// Admission is the capability the job manager depends on.
type Admission interface {
	TryAdmit(ctx context.Context, req Request) (Decision, error)
	Refund(ctx context.Context, req Request, admittedAt time.Time) error
}

// Controller gates job start against rate and budget limits.
type Controller struct {
	limits  Limits
	counter UsageCounter
	emitter Emitter
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Controller.
type Option func(*Controller)

// WithCounter sets the usage counter. Defaults to a MemoryCounter.
func WithCounter(c UsageCounter) Option {
	return func(ctl *Controller) {
		ctl.counter = c
	}
}

// WithEmitter sets where warnings go.
func WithEmitter(e Emitter) Option {
	return func(ctl *Controller) {
		ctl.emitter = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) {
		ctl.logger = l
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ctl *Controller) {
		ctl.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(ctl *Controller) {
		ctl.now = now
	}
}

// NewController creates a Controller.
func NewController(limits Limits, opts ...Option) *Controller {
	c := &Controller{
		limits:   limits.withDefaults(),
		logger:   zap.NewNop(),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.counter == nil {
		c.counter = NewMemoryCounter()
	}
	c.logger = c.logger.Named("admission")
	return c
}

// Limits returns the effective limits.
func (c *Controller) Limits() Limits {
	return c.limits
}

// TryAdmit checks global, organization, user and tier budgets in that order
// and charges all of them at once when none is exceeded. The per-user rate
// limit is checked last. A denial returns a
// Decision with Allowed false and a *BudgetExceeded error; other errors
// mean the counter could not be consulted.
func (c *Controller) TryAdmit(ctx context.Context, req Request) (Decision, error) {
	if req.UserID == "" {
		return Decision{}, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}

	window := c.windowStart(c.now())
	charges := c.charges(req)
	after, be, err := c.counter.ChargeAll(ctx, window, charges)
	if err != nil {
		return Decision{}, fmt.Errorf("charging usage: %w", err)
	}
	if be != nil {
		return c.deny(req, be), be
	}

	// The rate bucket is consulted only once every budget admitted the
	// request, so budget denials never spend a token.
	if !c.allowRate(req.UserID) {
		if err := c.counter.Refund(ctx, window, charges); err != nil {
			c.logger.Warn("refunding rate-limited request", zap.String("user_id", req.UserID), zap.Error(err))
		}
		be := &BudgetExceeded{Scope: ScopeRate, Key: req.UserID, Limit: int64(c.limits.Burst)}
		return c.deny(req, be), be
	}

	d := Decision{Allowed: true, Remaining: -1}
	for i, ch := range charges {
		if ch.Limit <= 0 {
			continue
		}
		if left := ch.Limit - after[i]; d.Remaining < 0 || left < d.Remaining {
			d.Remaining = left
		}
	}
	c.metrics.RecordAdmission(true, "")
	c.warn(ctx, window, charges, after)
	return d, nil
}

// Refund returns a charged request's cost, for example when the job is
// cancelled before it runs. admittedAt selects the window that was charged;
// refunds into an expired window are no-ops.
func (c *Controller) Refund(ctx context.Context, req Request, admittedAt time.Time) error {
	if err := c.counter.Refund(ctx, c.windowStart(admittedAt), c.charges(req)); err != nil {
		return fmt.Errorf("refunding usage: %w", err)
	}
	return nil
}

// Usage returns the usage of one scope in the current window.
func (c *Controller) Usage(ctx context.Context, scope Scope, key string) (int64, error) {
	if scope == ScopeGlobal {
		key = globalKey
	}
	return c.counter.Usage(ctx, c.windowStart(c.now()), scope, key)
}

func (c *Controller) deny(req Request, be *BudgetExceeded) Decision {
	c.metrics.RecordAdmission(false, string(be.Scope))
	c.logger.Info("admission denied",
		zap.String("job_id", req.JobID),
		zap.String("user_id", req.UserID),
		zap.String("scope", string(be.Scope)),
		zap.String("key", be.Key),
		zap.Int64("limit", be.Limit),
		zap.Int64("current", be.Current),
	)
	return Decision{
		Allowed:   false,
		Reason:    be.Error(),
		Scope:     be.Scope,
		Remaining: be.Remaining,
	}
}

// charges builds the counter increments in check order. Scopes without an
// identifier (no org, no tier) are skipped.
func (c *Controller) charges(req Request) []Charge {
	cost := req.cost()
	out := []Charge{{Scope: ScopeGlobal, Key: globalKey, Limit: c.limits.Global, Amount: cost}}
	if req.OrgID != "" {
		out = append(out, Charge{Scope: ScopeOrg, Key: req.OrgID, Limit: c.limits.orgLimit(req.OrgID), Amount: cost})
	}
	out = append(out, Charge{Scope: ScopeUser, Key: req.UserID, Limit: c.limits.userLimit(req.UserID), Amount: cost})
	if req.Tier != "" {
		out = append(out, Charge{Scope: ScopeTier, Key: req.Tier, Limit: c.limits.Tiers[req.Tier], Amount: cost})
	}
	return out
}

func (c *Controller) windowStart(t time.Time) time.Time {
	return t.Truncate(c.limits.Window)
}

func (c *Controller) allowRate(user string) bool {
	if c.limits.RatePerSecond <= 0 {
		return true
	}
	c.limMu.Lock()
	lim, ok := c.limiters[user]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.limits.RatePerSecond), c.limits.Burst)
		c.limiters[user] = lim
	}
	c.limMu.Unlock()
	return lim.AllowN(c.now(), 1)
}

// PruneLimiters drops rate buckets that have refilled completely. A full
// bucket behaves like a new one, so no user regains capacity early. It
// returns the number removed.
func (c *Controller) PruneLimiters() int {
	if c.limits.RatePerSecond <= 0 {
		return 0
	}
	now := c.now()
	full := float64(c.limits.Burst)

	c.limMu.Lock()
	defer c.limMu.Unlock()
	n := 0
	for user, lim := range c.limiters {
		if lim.TokensAt(now) >= full {
			delete(c.limiters, user)
			n++
		}
	}
	return n
}

// warn emits an event for every limited scope whose usage crossed the
// threshold with this charge. Increments are atomic, so exactly one
// admission observes each crossing.
func (c *Controller) warn(ctx context.Context, window time.Time, charges []Charge, after []int64) {
	if c.emitter == nil {
		return
	}
	for i, ch := range charges {
		if ch.Limit <= 0 {
			continue
		}
		threshold := c.limits.WarningThreshold * float64(ch.Limit)
		before := after[i] - ch.Amount
		if float64(after[i]) >= threshold && float64(before) < threshold {
			c.metrics.RecordWarning(string(ch.Scope))
			c.emitter.EmitWarning(ctx, WarningEvent{
				Scope:       ch.Scope,
				Key:         ch.Key,
				Used:        after[i],
				Limit:       ch.Limit,
				WindowStart: window,
			})
		}
	}
}
