package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fixedClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fixedClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestController_GlobalLimitEleventhRequest(t *testing.T) {
	clock := newClock()
	c := NewController(Limits{Global: 10, Window: time.Minute}, WithClock(clock.Now))

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
		denied  = make(chan *BudgetExceeded, 11)
	)
	for i := 0; i < 11; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.TryAdmit(context.Background(), Request{UserID: fmt.Sprintf("u%d", i)})
			if d.Allowed {
				allowed.Add(1)
				return
			}
			var be *BudgetExceeded
			if errors.As(err, &be) {
				denied <- be
			}
		}(i)
	}
	wg.Wait()
	close(denied)

	assert.Equal(t, int32(10), allowed.Load())
	require.Len(t, denied, 1)
	be := <-denied
	assert.Equal(t, ScopeGlobal, be.Scope)
	assert.Equal(t, int64(0), be.Remaining)
	assert.Equal(t, int64(10), be.Current)
	assert.Equal(t, int64(10), be.Limit)
}

func TestController_NoDoubleSpend(t *testing.T) {
	for run := 0; run < 20; run++ {
		c := NewController(Limits{PerUser: 5})
		for i := 0; i < 4; i++ {
			_, err := c.TryAdmit(context.Background(), Request{UserID: "alice"})
			require.NoError(t, err)
		}

		const racers = 16
		var (
			wg      sync.WaitGroup
			allowed atomic.Int32
			start   = make(chan struct{})
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if d, _ := c.TryAdmit(context.Background(), Request{UserID: "alice"}); d.Allowed {
					allowed.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), allowed.Load())
	}
}

func TestController_CheckOrderAndAllOrNothing(t *testing.T) {
	c := NewController(Limits{
		Global:  100,
		PerOrg:  100,
		PerUser: 1,
		Tiers:   map[string]int64{"opus": 50},
	})
	ctx := context.Background()
	req := Request{UserID: "bob", OrgID: "acme", Tier: "opus"}

	d, err := c.TryAdmit(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)

	d, err = c.TryAdmit(ctx, req)
	var be *BudgetExceeded
	require.ErrorAs(t, err, &be)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeUser, d.Scope)
	assert.Equal(t, "bob", be.Key)

	// The denied request charged nothing.
	for _, tc := range []struct {
		scope Scope
		key   string
	}{{ScopeGlobal, ""}, {ScopeOrg, "acme"}, {ScopeUser, "bob"}, {ScopeTier, "opus"}} {
		used, err := c.Usage(ctx, tc.scope, tc.key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), used, tc.scope)
	}
}

func TestController_FirstViolationWins(t *testing.T) {
	c := NewController(Limits{Global: 1, PerOrg: 1, PerUser: 1})
	ctx := context.Background()
	_, err := c.TryAdmit(ctx, Request{UserID: "a", OrgID: "o"})
	require.NoError(t, err)

	d, err := c.TryAdmit(ctx, Request{UserID: "a", OrgID: "o"})
	require.Error(t, err)
	assert.Equal(t, ScopeGlobal, d.Scope)
}

func TestController_TierLimit(t *testing.T) {
	c := NewController(Limits{Tiers: map[string]int64{"expensive": 2}})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.TryAdmit(ctx, Request{UserID: fmt.Sprintf("u%d", i), Tier: "expensive"})
		require.NoError(t, err)
	}
	d, err := c.TryAdmit(ctx, Request{UserID: "u9", Tier: "expensive"})
	require.Error(t, err)
	assert.Equal(t, ScopeTier, d.Scope)

	d, err = c.TryAdmit(ctx, Request{UserID: "u9", Tier: "cheap"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), d.Remaining)
}

func TestController_Overrides(t *testing.T) {
	c := NewController(Limits{
		PerUser:       1,
		UserOverrides: map[string]int64{"vip": 3},
		PerOrg:        10,
		OrgOverrides:  map[string]int64{"small": 1},
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.TryAdmit(ctx, Request{UserID: "vip"})
		require.NoError(t, err)
	}
	_, err := c.TryAdmit(ctx, Request{UserID: "vip"})
	require.Error(t, err)

	_, err = c.TryAdmit(ctx, Request{UserID: "x", OrgID: "small"})
	require.NoError(t, err)
	d, err := c.TryAdmit(ctx, Request{UserID: "y", OrgID: "small"})
	require.Error(t, err)
	assert.Equal(t, ScopeOrg, d.Scope)
}

func TestController_CostWeight(t *testing.T) {
	c := NewController(Limits{Global: 10})
	d, err := c.TryAdmit(context.Background(), Request{UserID: "a", Cost: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.Remaining)

	_, err = c.TryAdmit(context.Background(), Request{UserID: "a", Cost: 4})
	var be *BudgetExceeded
	require.ErrorAs(t, err, &be)
	assert.Equal(t, int64(3), be.Remaining)
}

func TestController_WindowRollover(t *testing.T) {
	clock := newClock()
	c := NewController(Limits{Global: 1, Window: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	_, err := c.TryAdmit(ctx, Request{UserID: "a"})
	require.NoError(t, err)
	_, err = c.TryAdmit(ctx, Request{UserID: "a"})
	require.Error(t, err)

	clock.Advance(time.Minute)
	_, err = c.TryAdmit(ctx, Request{UserID: "a"})
	require.NoError(t, err)
}

func TestController_WarningEmittedOnce(t *testing.T) {
	var (
		mu     sync.Mutex
		events []WarningEvent
	)
	c := NewController(Limits{PerUser: 10}, WithEmitter(EmitterFunc(func(_ context.Context, ev WarningEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := c.TryAdmit(ctx, Request{UserID: "carol"})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, ScopeUser, events[0].Scope)
	assert.Equal(t, "carol", events[0].Key)
	assert.Equal(t, int64(8), events[0].Used)
	assert.Equal(t, int64(10), events[0].Limit)
}

func TestController_WarningIndependentOfDecision(t *testing.T) {
	var fired atomic.Int32
	c := NewController(Limits{Global: 5, WarningThreshold: 0.5},
		WithEmitter(EmitterFunc(func(context.Context, WarningEvent) { fired.Add(1) })))
	_, err := c.TryAdmit(context.Background(), Request{UserID: "a", Cost: 3})
	require.NoError(t, err)
	assert.Equal(t, int32(1), fired.Load())
}

func TestController_RateLimit(t *testing.T) {
	clock := newClock()
	c := NewController(Limits{RatePerSecond: 1, Burst: 2}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.TryAdmit(ctx, Request{UserID: "dave"})
		require.NoError(t, err)
	}
	d, err := c.TryAdmit(ctx, Request{UserID: "dave"})
	var be *BudgetExceeded
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ScopeRate, d.Scope)
	assert.Equal(t, int64(0), d.Remaining)

	// Other users have their own bucket.
	_, err = c.TryAdmit(ctx, Request{UserID: "erin"})
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = c.TryAdmit(ctx, Request{UserID: "dave"})
	require.NoError(t, err)
}

func TestController_RateCheckedAfterBudgets(t *testing.T) {
	clock := newClock()
	c := NewController(Limits{PerUser: 1, RatePerSecond: 1, Burst: 1}, WithClock(clock.Now))
	ctx := context.Background()

	_, err := c.TryAdmit(ctx, Request{UserID: "dave"})
	require.NoError(t, err)
	clock.Advance(time.Second)

	// Over budget: the denial names the budget and leaves the token alone.
	d, err := c.TryAdmit(ctx, Request{UserID: "dave"})
	require.Error(t, err)
	assert.Equal(t, ScopeUser, d.Scope)

	c.limMu.Lock()
	tokens := c.limiters["dave"].TokensAt(clock.Now())
	c.limMu.Unlock()
	assert.InDelta(t, 1.0, tokens, 0.001)
}

func TestController_RateDenialRefundsBudgets(t *testing.T) {
	clock := newClock()
	c := NewController(Limits{Global: 10, RatePerSecond: 1, Burst: 1}, WithClock(clock.Now))
	ctx := context.Background()

	_, err := c.TryAdmit(ctx, Request{UserID: "dave"})
	require.NoError(t, err)
	d, err := c.TryAdmit(ctx, Request{UserID: "dave"})
	require.Error(t, err)
	assert.Equal(t, ScopeRate, d.Scope)

	used, err := c.Usage(ctx, ScopeGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)
}

func TestController_PruneLimiters(t *testing.T) {
	clock := newClock()
	c := NewController(Limits{RatePerSecond: 1, Burst: 2}, WithClock(clock.Now))
	ctx := context.Background()

	for _, user := range []string{"a", "b", "c"} {
		_, err := c.TryAdmit(ctx, Request{UserID: user})
		require.NoError(t, err)
	}
	clock.Advance(500 * time.Millisecond)
	_, err := c.TryAdmit(ctx, Request{UserID: "c"})
	require.NoError(t, err)

	// a and b refill after one second; c is still short a token.
	clock.Advance(600 * time.Millisecond)
	assert.Equal(t, 2, c.PruneLimiters())
	c.limMu.Lock()
	_, kept := c.limiters["c"]
	remaining := len(c.limiters)
	c.limMu.Unlock()
	assert.True(t, kept)
	assert.Equal(t, 1, remaining)

	// A pruned user starts again with a full bucket.
	for i := 0; i < 2; i++ {
		_, err := c.TryAdmit(ctx, Request{UserID: "a"})
		require.NoError(t, err)
	}
	_, err = c.TryAdmit(ctx, Request{UserID: "a"})
	require.Error(t, err)

	assert.Zero(t, NewController(Limits{}).PruneLimiters())
}

func TestController_Refund(t *testing.T) {
	clock := newClock()
	c := NewController(Limits{Global: 1}, WithClock(clock.Now))
	ctx := context.Background()
	req := Request{UserID: "a", OrgID: "o"}

	_, err := c.TryAdmit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, c.Refund(ctx, req, clock.Now()))

	used, err := c.Usage(ctx, ScopeGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	_, err = c.TryAdmit(ctx, req)
	require.NoError(t, err)
}

func TestController_InvalidRequest(t *testing.T) {
	c := NewController(Limits{})
	_, err := c.TryAdmit(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMemoryCounter_RejectsNegative(t *testing.T) {
	m := NewMemoryCounter()
	_, _, err := m.ChargeAll(context.Background(), time.Now(), []Charge{{Scope: ScopeUser, Key: "a", Amount: -1}})
	assert.ErrorIs(t, err, ErrInvalidCharge)
}
