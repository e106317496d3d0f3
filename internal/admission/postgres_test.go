package admission

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresCounter(t *testing.T) *PostgresCounter {
	t.Helper()
	dsn := os.Getenv("JOBCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBCORE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := OpenPostgresCounter(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPostgresCounter_SingleUnitRace(t *testing.T) {
	p := newPostgresCounter(t)
	ctx := context.Background()
	window := time.Now().Truncate(time.Minute)
	user := "user-" + uuid.NewString()
	charges := []Charge{{Scope: ScopeUser, Key: user, Limit: 1, Amount: 1}}

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			after, be, err := p.ChargeAll(ctx, window, charges)
			if assert.NoError(t, err) && be == nil {
				assert.Equal(t, []int64{1}, after)
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

func TestPostgresCounter_AllOrNothing(t *testing.T) {
	p := newPostgresCounter(t)
	ctx := context.Background()
	window := time.Now().Truncate(time.Minute)
	org := "org-" + uuid.NewString()
	user := "user-" + uuid.NewString()

	_, be, err := p.ChargeAll(ctx, window, []Charge{
		{Scope: ScopeOrg, Key: org, Limit: 10, Amount: 1},
		{Scope: ScopeUser, Key: user, Limit: 0, Amount: 1},
	})
	require.NoError(t, err)
	require.Nil(t, be)

	_, be, err = p.ChargeAll(ctx, window, []Charge{
		{Scope: ScopeOrg, Key: org, Limit: 10, Amount: 1},
		{Scope: ScopeUser, Key: user, Limit: 1, Amount: 1},
	})
	require.NoError(t, err)
	require.NotNil(t, be)
	assert.Equal(t, ScopeUser, be.Scope)

	used, err := p.Usage(ctx, window, ScopeOrg, org)
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)

	require.NoError(t, p.Refund(ctx, window, []Charge{{Scope: ScopeOrg, Key: org, Amount: 5}}))
	used, err = p.Usage(ctx, window, ScopeOrg, org)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
}

func TestController_WithPostgresCounter(t *testing.T) {
	p := newPostgresCounter(t)
	c := NewController(Limits{PerUser: 2}, WithCounter(p))
	user := "user-" + uuid.NewString()

	for i := 0; i < 2; i++ {
		_, err := c.TryAdmit(context.Background(), Request{UserID: user})
		require.NoError(t, err)
	}
	d, err := c.TryAdmit(context.Background(), Request{UserID: user})
	require.Error(t, err)
	assert.Equal(t, ScopeUser, d.Scope)
}
