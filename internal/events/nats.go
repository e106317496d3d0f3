package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
)

// DefaultSubjectPrefix is the root of every subject the publisher uses.
//
// Subjects:
//   - jobcore.jobs.{job_id}.{status}
//   - jobcore.attempts.{job_id}
//   - jobcore.warnings.{scope}
const DefaultSubjectPrefix = "jobcore"

var (
	_ job.Publisher       = (*NATSPublisher)(nil)
	_ resolution.AuditLog = (*NATSPublisher)(nil)
	_ admission.Emitter   = (*NATSPublisher)(nil)
)

// NATSPublisher writes events to NATS as JSON. Publish failures on the
// status and warning paths are logged, not returned.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NATSOption configures a NATSPublisher.
type NATSOption func(*NATSPublisher)

// WithSubjectPrefix replaces DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(p *NATSPublisher) {
		if prefix != "" {
			p.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithNATSLogger sets the logger.
func WithNATSLogger(l *zap.Logger) NATSOption {
	return func(p *NATSPublisher) {
		p.logger = l
	}
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc *nats.Conn, opts ...NATSOption) (*NATSPublisher, error) {
	if nc == nil {
		return nil, ErrNoConnection
	}
	p := &NATSPublisher{nc: nc, prefix: DefaultSubjectPrefix, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("events.nats")
	return p, nil
}

// StatusSubject is the subject a status change for jobID is published on.
func (p *NATSPublisher) StatusSubject(jobID string, status job.Status) string {
	return fmt.Sprintf("%s.jobs.%s.%s", p.prefix, token(jobID), status)
}

// AttemptSubject is the subject attempts for jobID are published on.
func (p *NATSPublisher) AttemptSubject(jobID string) string {
	return fmt.Sprintf("%s.attempts.%s", p.prefix, token(jobID))
}

// WarningSubject is the subject usage warnings for scope are published on.
func (p *NATSPublisher) WarningSubject(scope admission.Scope) string {
	return fmt.Sprintf("%s.warnings.%s", p.prefix, scope)
}

// PublishStatus implements job.Publisher.
func (p *NATSPublisher) PublishStatus(_ context.Context, ev job.StatusChange) {
	e := Event{Kind: KindStatus, JobID: ev.JobID, UserID: ev.UserID, At: ev.At, Status: &ev}
	if err := p.publish(p.StatusSubject(ev.JobID, ev.To), e); err != nil {
		p.logger.Warn("publishing status change",
			zap.String("job_id", ev.JobID),
			zap.String("status", string(ev.To)),
			zap.Error(err),
		)
	}
}

// Append implements resolution.AuditLog.
func (p *NATSPublisher) Append(_ context.Context, a resolution.Attempt) error {
	e := Event{Kind: KindAttempt, JobID: a.JobID, At: a.CreatedAt, Attempt: &a}
	if err := p.publish(p.AttemptSubject(a.JobID), e); err != nil {
		return fmt.Errorf("publish attempt %s: %w", a.ID, err)
	}
	return nil
}

// EmitWarning implements admission.Emitter.
func (p *NATSPublisher) EmitWarning(_ context.Context, ev admission.WarningEvent) {
	e := Event{Kind: KindWarning, Warning: &ev}
	if err := p.publish(p.WarningSubject(ev.Scope), e); err != nil {
		p.logger.Warn("publishing usage warning",
			zap.String("scope", string(ev.Scope)),
			zap.String("key", ev.Key),
			zap.Error(err),
		)
	}
}

func (p *NATSPublisher) publish(subject string, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(subject, data)
}

// SubscribeJob delivers every status change and attempt for jobID to fn
// until the returned subscription is unsubscribed.
func (p *NATSPublisher) SubscribeJob(jobID string, fn func(Event)) (*nats.Subscription, error) {
	return Subscribe(p.nc, p.prefix+".>", func(e Event) {
		if e.JobID == jobID {
			fn(e)
		}
	})
}

// Subscribe decodes events published on subject, which may use wildcards.
// Messages that are not events are skipped.
func Subscribe(nc *nats.Conn, subject string, fn func(Event)) (*nats.Subscription, error) {
	if nc == nil {
		return nil, ErrNoConnection
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil || e.Kind == "" {
			return
		}
		fn(e)
	})
}

// token keeps a job ID from introducing extra subject levels or wildcards.
func token(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}

// Forward republishes every event under the publisher's prefix into b, so
// processes without a local manager can serve subscriptions.
func Forward(nc *nats.Conn, prefix string, b *Broker) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subscribe(nc, prefix+".>", b.Publish)
}
