package repolock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_SecondAcquireBlocks(t *testing.T) {
	m := NewMemoryLocker(WithTTL(time.Minute))
	ctx := context.Background()

	first, err := m.Acquire(ctx, "repo", "job-1")
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		l, err := m.Acquire(ctx, "repo", "job-2")
		if err == nil {
			acquired <- l
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire did not block")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Release(first))
	select {
	case l := <-acquired:
		assert.Equal(t, "job-2", l.Holder)
		assert.NotEqual(t, first.Token, l.Token)
	case <-time.After(time.Second):
		t.Fatal("second acquire not woken by release")
	}
}

func TestMemoryLocker_DifferentReposIndependent(t *testing.T) {
	m := NewMemoryLocker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := m.Acquire(ctx, "repo-a", "job-1")
	require.NoError(t, err)
	b, err := m.Acquire(ctx, "repo-b", "job-2")
	require.NoError(t, err)
	assert.True(t, m.Held("repo-a"))
	assert.True(t, m.Held("repo-b"))
	require.NoError(t, m.Release(a))
	require.NoError(t, m.Release(b))
}

func TestMemoryLocker_NoOverlap(t *testing.T) {
	m := NewMemoryLocker(WithTTL(time.Minute))
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(context.Background(), "repo", "worker")
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, m.Release(l))
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}

func TestMemoryLocker_ExpiredLeaseReclaimed(t *testing.T) {
	m := NewMemoryLocker(WithTTL(50 * time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dead, err := m.Acquire(ctx, "repo", "crashed-worker")
	require.NoError(t, err)

	start := time.Now()
	l, err := m.Acquire(ctx, "repo", "job-2")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, "job-2", l.Holder)

	assert.ErrorIs(t, m.Release(dead), ErrLeaseLost)
	assert.ErrorIs(t, m.Renew(dead), ErrLeaseLost)
	require.NoError(t, m.Release(l))
}

func TestMemoryLocker_Renew(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	m := NewMemoryLocker(WithTTL(10*time.Second), WithClock(clock))
	l, err := m.Acquire(context.Background(), "repo", "job")
	require.NoError(t, err)
	first := l.ExpiresAt()

	advance(5 * time.Second)
	require.NoError(t, m.Renew(l))
	assert.True(t, l.ExpiresAt().After(first))

	advance(11 * time.Second)
	assert.ErrorIs(t, m.Renew(l), ErrLeaseLost)
	assert.False(t, m.Held("repo"))
}

func TestLease_KeepAlive(t *testing.T) {
	m := NewMemoryLocker(WithTTL(60 * time.Millisecond))
	l, err := m.Acquire(context.Background(), "repo", "job")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.KeepAlive(ctx, 15*time.Millisecond) }()

	time.Sleep(200 * time.Millisecond)
	assert.True(t, m.Held("repo"), "kept-alive lease must not expire")

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, m.Release(l))
}

func TestLease_KeepAliveReportsLoss(t *testing.T) {
	m := NewMemoryLocker(WithTTL(time.Minute))
	l, err := m.Acquire(context.Background(), "repo", "job")
	require.NoError(t, err)
	require.NoError(t, m.Release(l))

	err = l.KeepAlive(context.Background(), 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestMemoryLocker_AcquireContextCancel(t *testing.T) {
	m := NewMemoryLocker(WithTTL(time.Minute))
	_, err := m.Acquire(context.Background(), "repo", "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "repo", "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryLocker_InvalidArgs(t *testing.T) {
	_, err := NewMemoryLocker().Acquire(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrInvalidArg)
}
