package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func assertEmpty(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case e := <-s.C:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestBroker_FiltersByJobAndKind(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	all, err := b.Subscribe(Filter{})
	require.NoError(t, err)
	one, err := b.Subscribe(Filter{JobID: "job-1"})
	require.NoError(t, err)
	attempts, err := b.Subscribe(Filter{Kinds: []Kind{KindAttempt}})
	require.NoError(t, err)

	b.PublishStatus(ctx, job.StatusChange{JobID: "job-1", UserID: "alice", From: job.StatusPending, To: job.StatusQueued})
	b.PublishStatus(ctx, job.StatusChange{JobID: "job-2", UserID: "bob", From: job.StatusPending, To: job.StatusQueued})
	require.NoError(t, b.Append(ctx, resolution.Attempt{ID: "a1", JobID: "job-1", Method: resolution.MethodFallbackOurs}))

	assert.Equal(t, "job-1", receive(t, all).JobID)
	assert.Equal(t, "job-2", receive(t, all).JobID)
	e := receive(t, all)
	assert.Equal(t, KindAttempt, e.Kind)
	require.NotNil(t, e.Attempt)
	assert.Equal(t, "a1", e.Attempt.ID)

	e = receive(t, one)
	assert.Equal(t, KindStatus, e.Kind)
	assert.Equal(t, job.StatusQueued, e.Status.To)
	assert.False(t, e.At.IsZero())
	assert.Equal(t, KindAttempt, receive(t, one).Kind)
	assertEmpty(t, one)

	assert.Equal(t, "a1", receive(t, attempts).Attempt.ID)
	assertEmpty(t, attempts)
}

func TestBroker_WarningsCarryUser(t *testing.T) {
	b := NewBroker()
	s, err := b.Subscribe(Filter{UserID: "alice"})
	require.NoError(t, err)

	b.EmitWarning(context.Background(), admission.WarningEvent{Scope: admission.ScopeOrg, Key: "acme", Used: 8, Limit: 10})
	b.EmitWarning(context.Background(), admission.WarningEvent{Scope: admission.ScopeUser, Key: "alice", Used: 8, Limit: 10})

	e := receive(t, s)
	assert.Equal(t, KindWarning, e.Kind)
	assert.Equal(t, admission.ScopeUser, e.Warning.Scope)
	assertEmpty(t, s)
}

func TestBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker(WithBuffer(1))
	s, err := b.Subscribe(Filter{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Kind: KindStatus, JobID: "job-1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(4), b.Dropped())
	receive(t, s)
}

func TestBroker_CloseEndsSubscriptions(t *testing.T) {
	b := NewBroker()
	s, err := b.Subscribe(Filter{})
	require.NoError(t, err)

	s.Close()
	s.Close()
	_, ok := <-s.C
	assert.False(t, ok)

	s2, err := b.Subscribe(Filter{})
	require.NoError(t, err)
	b.Close()
	b.Close()
	_, ok = <-s2.C
	assert.False(t, ok)
	s2.Close()

	b.Publish(Event{Kind: KindStatus})
	_, err = b.Subscribe(Filter{})
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestEvent_Terminal(t *testing.T) {
	retry := time.Now()
	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"attempt", Event{Kind: KindAttempt}, false},
		{"queued", Event{Kind: KindStatus, Status: &job.StatusChange{To: job.StatusQueued}}, false},
		{"success", Event{Kind: KindStatus, Status: &job.StatusChange{To: job.StatusSuccess}}, true},
		{"failed with retry", Event{Kind: KindStatus, Status: &job.StatusChange{
			To:  job.StatusFailed,
			Job: &job.Job{Status: job.StatusFailed, MaxRetries: 3, NextAttemptAt: &retry},
		}}, false},
		{"failed for good", Event{Kind: KindStatus, Status: &job.StatusChange{
			To:  job.StatusFailed,
			Job: &job.Job{Status: job.StatusFailed, MaxRetries: 3, RetryCount: 3},
		}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.Terminal())
		})
	}
}
