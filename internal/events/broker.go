package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 64

var (
	_ job.Publisher       = (*Broker)(nil)
	_ resolution.AuditLog = (*Broker)(nil)
	_ admission.Emitter   = (*Broker)(nil)
)

// Broker delivers events to in-process subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	next    uint64
	closed  bool
	buffer  int
	dropped atomic.Uint64
	logger  *zap.Logger
	now     func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithBrokerLogger sets the logger.
func WithBrokerLogger(l *zap.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = l
	}
}

// NewBroker creates an empty Broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:   make(map[uint64]*Subscription),
		buffer: DefaultBuffer,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("events")
	return b
}

// Subscription is a live view of the stream. Read from C until it is
// closed.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	id     uint64
	filter Filter
	broker *Broker
	once   sync.Once
}

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Subscribe registers a subscription for events matching f.
func (b *Broker) Subscribe(f Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, id: b.next, filter: f, broker: b}
	b.subs[s.id] = s
	b.next++
	return s, nil
}

func (b *Broker) unsubscribe(s *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
	}
	b.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

// Publish delivers e to every matching subscription.
func (b *Broker) Publish(e Event) {
	if e.At.IsZero() {
		e.At = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.filter.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Debug("subscriber too slow, event dropped",
				zap.String("kind", string(e.Kind)),
				zap.String("job_id", e.JobID),
			)
		}
	}
}

// PublishStatus implements job.Publisher.
func (b *Broker) PublishStatus(_ context.Context, ev job.StatusChange) {
	b.Publish(Event{Kind: KindStatus, JobID: ev.JobID, UserID: ev.UserID, At: ev.At, Status: &ev})
}

// Append implements resolution.AuditLog so attempts reach subscribers as
// they are recorded.
func (b *Broker) Append(_ context.Context, a resolution.Attempt) error {
	b.Publish(Event{Kind: KindAttempt, JobID: a.JobID, At: a.CreatedAt, Attempt: &a})
	return nil
}

// EmitWarning implements admission.Emitter.
func (b *Broker) EmitWarning(_ context.Context, ev admission.WarningEvent) {
	e := Event{Kind: KindWarning, Warning: &ev}
	if ev.Scope == admission.ScopeUser {
		e.UserID = ev.Key
	}
	b.Publish(e)
}

// Dropped returns how many deliveries were skipped because a buffer was
// full.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription. Later publishes are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}
