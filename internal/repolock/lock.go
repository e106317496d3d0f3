// Package repolock serializes Git-mutating work per repository with
// expiring, renewable leases.
package repolock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/metrics"
)

// DefaultTTL is how long a lease lives without renewal.
const DefaultTTL = 30 * time.Second

// Errors.
var (
	// ErrLeaseLost means the lease expired or was reclaimed by another holder.
	ErrLeaseLost  = errors.New("repository lease lost")
	ErrInvalidArg = errors.New("repository id and holder are required")
)

// Locker grants exclusive leases per repository.
type Locker interface {
	// Acquire blocks until the repository is free or ctx is done.
	Acquire(ctx context.Context, repoID, holder string) (*Lease, error)
	Release(l *Lease) error
	Renew(l *Lease) error
}

// Lease is an exclusive, time-bounded hold on one repository.
type Lease struct {
	RepoID string
	Holder string
	Token  string

	mu        sync.Mutex
	expiresAt time.Time
	locker    Locker
}

// ExpiresAt returns the current expiry.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

func (l *Lease) setExpiry(t time.Time) {
	l.mu.Lock()
	l.expiresAt = t
	l.mu.Unlock()
}

// KeepAlive renews the lease every interval until ctx is done. It returns
// nil on ctx cancellation and ErrLeaseLost when a renewal fails.
func (l *Lease) KeepAlive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.locker.Renew(l); err != nil {
				return err
			}
		}
	}
}

type holder struct {
	token     string
	holder    string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	held    map[string]*holder
	waiters map[string]chan struct{}
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a MemoryLocker.
type Option func(*MemoryLocker)

// WithTTL sets the lease lifetime.
func WithTTL(d time.Duration) Option {
	return func(m *MemoryLocker) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryLocker) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *MemoryLocker) {
		m.logger = l
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *MemoryLocker) {
		m.metrics = mt
	}
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker(opts ...Option) *MemoryLocker {
	m := &MemoryLocker{
		ttl:     DefaultTTL,
		now:     time.Now,
		held:    make(map[string]*holder),
		waiters: make(map[string]chan struct{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("repolock")
	return m
}

// TTL returns the lease lifetime.
func (m *MemoryLocker) TTL() time.Duration {
	return m.ttl
}

// Acquire implements Locker. An expired lease is reclaimed without waiting
// for its holder.
func (m *MemoryLocker) Acquire(ctx context.Context, repoID, holderID string) (*Lease, error) {
	if repoID == "" || holderID == "" {
		return nil, ErrInvalidArg
	}
	start := time.Now()
	for {
		m.mu.Lock()
		now := m.now()
		h := m.held[repoID]
		if h != nil && !now.Before(h.expiresAt) {
			m.logger.Warn("reclaiming expired repository lease",
				zap.String("repo_id", repoID),
				zap.String("previous_holder", h.holder),
			)
			m.metrics.RecordLockReleased()
			delete(m.held, repoID)
			h = nil
		}
		if h == nil {
			lease := &Lease{
				RepoID:    repoID,
				Holder:    holderID,
				Token:     uuid.NewString(),
				expiresAt: now.Add(m.ttl),
				locker:    m,
			}
			m.held[repoID] = &holder{token: lease.Token, holder: holderID, expiresAt: lease.expiresAt}
			m.mu.Unlock()
			m.metrics.RecordLockWait(time.Since(start))
			return lease, nil
		}

		wait, ok := m.waiters[repoID]
		if !ok {
			wait = make(chan struct{})
			m.waiters[repoID] = wait
		}
		untilExpiry := h.expiresAt.Sub(now)
		m.mu.Unlock()

		timer := time.NewTimer(untilExpiry)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release implements Locker.
func (m *MemoryLocker) Release(l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.held[l.RepoID]
	if h == nil || h.token != l.Token {
		return ErrLeaseLost
	}
	delete(m.held, l.RepoID)
	m.metrics.RecordLockReleased()
	m.wakeLocked(l.RepoID)
	return nil
}

// Renew implements Locker. A lease past its expiry cannot be renewed even
// if nobody has reclaimed it yet.
func (m *MemoryLocker) Renew(l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.held[l.RepoID]
	if h == nil || h.token != l.Token {
		return ErrLeaseLost
	}
	now := m.now()
	if !now.Before(h.expiresAt) {
		delete(m.held, l.RepoID)
		m.metrics.RecordLockReleased()
		m.wakeLocked(l.RepoID)
		return ErrLeaseLost
	}
	h.expiresAt = now.Add(m.ttl)
	l.setExpiry(h.expiresAt)
	return nil
}

// Held reports whether repoID currently has a live lease.
func (m *MemoryLocker) Held(repoID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.held[repoID]
	return h != nil && m.now().Before(h.expiresAt)
}

func (m *MemoryLocker) wakeLocked(repoID string) {
	if ch, ok := m.waiters[repoID]; ok {
		close(ch)
		delete(m.waiters, repoID)
	}
}
