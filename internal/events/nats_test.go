package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(startTestNATSServer(t).ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSPublisher_Subjects(t *testing.T) {
	nc := connect(t)
	p, err := NewNATSPublisher(nc)
	require.NoError(t, err)

	assert.Equal(t, "jobcore.jobs.job-1.running", p.StatusSubject("job-1", job.StatusRunning))
	assert.Equal(t, "jobcore.attempts.job-1", p.AttemptSubject("job-1"))
	assert.Equal(t, "jobcore.warnings.org", p.WarningSubject(admission.ScopeOrg))
	assert.Equal(t, "jobcore.attempts.a_b_", p.AttemptSubject("a.b>"))

	p, err = NewNATSPublisher(nc, WithSubjectPrefix("tenant1."))
	require.NoError(t, err)
	assert.Equal(t, "tenant1.attempts.x", p.AttemptSubject("x"))

	_, err = NewNATSPublisher(nil)
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestNATSPublisher_PublishesOnSubjects(t *testing.T) {
	nc := connect(t)
	p, err := NewNATSPublisher(nc)
	require.NoError(t, err)

	msgs := make(chan *nats.Msg, 10)
	sub, err := nc.ChanSubscribe("jobcore.>", msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	ctx := context.Background()
	p.PublishStatus(ctx, job.StatusChange{JobID: "job-1", From: job.StatusQueued, To: job.StatusRunning})
	require.NoError(t, p.Append(ctx, resolution.Attempt{ID: "a1", JobID: "job-1", Method: resolution.MethodAIValidated}))
	p.EmitWarning(ctx, admission.WarningEvent{Scope: admission.ScopeGlobal, Key: "*", Used: 80, Limit: 100})

	want := []string{"jobcore.jobs.job-1.running", "jobcore.attempts.job-1", "jobcore.warnings.global"}
	for _, subject := range want {
		select {
		case msg := <-msgs:
			assert.Equal(t, subject, msg.Subject)
			var e Event
			require.NoError(t, json.Unmarshal(msg.Data, &e))
			assert.NotEmpty(t, e.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("no message on %s", subject)
		}
	}
}

func TestNATSPublisher_SubscribeJob(t *testing.T) {
	nc := connect(t)
	p, err := NewNATSPublisher(nc)
	require.NoError(t, err)

	got := make(chan Event, 10)
	sub, err := p.SubscribeJob("job-1", func(e Event) { got <- e })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	ctx := context.Background()
	p.PublishStatus(ctx, job.StatusChange{JobID: "job-2", To: job.StatusQueued})
	p.PublishStatus(ctx, job.StatusChange{JobID: "job-1", To: job.StatusQueued})
	require.NoError(t, p.Append(ctx, resolution.Attempt{ID: "a1", JobID: "job-1"}))
	require.NoError(t, nc.Publish("jobcore.jobs.job-1.noise", []byte("not json")))

	e := <-got
	assert.Equal(t, KindStatus, e.Kind)
	assert.Equal(t, job.StatusQueued, e.Status.To)
	e = <-got
	assert.Equal(t, KindAttempt, e.Kind)
	assert.Equal(t, "a1", e.Attempt.ID)
	select {
	case e := <-got:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForward_RelaysIntoBroker(t *testing.T) {
	nc := connect(t)
	p, err := NewNATSPublisher(nc)
	require.NoError(t, err)
	b := NewBroker()
	s, err := b.Subscribe(Filter{JobID: "job-9"})
	require.NoError(t, err)

	sub, err := Forward(nc, "", b)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	p.PublishStatus(context.Background(), job.StatusChange{JobID: "job-9", To: job.StatusSuccess})
	e := receive(t, s)
	assert.True(t, e.Terminal())
}
