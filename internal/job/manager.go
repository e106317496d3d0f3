package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/metrics"
	"github.com/fyrsmithlabs/jobcore/internal/queue"
	"github.com/fyrsmithlabs/jobcore/internal/repolock"
)

// DefaultLeaseRenewInterval is how often a running job renews its
// repository lease.
const DefaultLeaseRenewInterval = 10 * time.Second

// Manager drives jobs through their lifecycle. All status changes go through
// it; a worker pool pulls queued jobs, serializes them per repository and
// hands them to the Runner.
type Manager struct {
	repo       Repository
	admission  admission.Admission
	queue      *queue.Queue[string]
	locker     repolock.Locker
	runner     Runner
	publisher  Publisher
	retry      RetryConfig
	renewEvery time.Duration
	runTimeout time.Duration

	logger  *Logger
	otel    *Metrics
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	// mu serializes read-modify-write of job records.
	mu     sync.Mutex
	active map[string]*activeRun
	timers map[string]*time.Timer

	started     bool
	closed      bool
	stopWorkers context.CancelFunc
	wg          sync.WaitGroup
}

type activeRun struct {
	cancel    context.CancelFunc
	requested bool
}

// Option configures Manager.
type Option func(*Manager)

// WithRepository sets the job store. Default: MemoryRepository.
func WithRepository(r Repository) Option {
	return func(m *Manager) {
		m.repo = r
	}
}

// WithAdmission sets the admission controller. Without one every job is
// admitted.
func WithAdmission(a admission.Admission) Option {
	return func(m *Manager) {
		m.admission = a
	}
}

// WithLocker sets the repository lock. Default: repolock.MemoryLocker.
func WithLocker(l repolock.Locker) Option {
	return func(m *Manager) {
		m.locker = l
	}
}

// WithPublisher sets the status change sink.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithRetryConfig sets the retry policy.
func WithRetryConfig(c RetryConfig) Option {
	return func(m *Manager) {
		m.retry = c
	}
}

// WithLeaseRenewInterval sets how often running jobs renew their lease.
func WithLeaseRenewInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.renewEvery = d
		}
	}
}

// WithRunTimeout bounds one attempt. A run that exceeds it fails with
// ErrorKind timeout. Zero means no limit.
func WithRunTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.runTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = NewLogger(l)
	}
}

// WithMetrics sets the OpenTelemetry instruments.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) {
		m.otel = mt
	}
}

// WithPrometheus sets the Prometheus collectors.
func WithPrometheus(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides job ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// NewManager creates a manager that runs jobs with runner.
func NewManager(runner Runner, opts ...Option) *Manager {
	m := &Manager{
		runner:     runner,
		retry:      DefaultRetryConfig(),
		renewEvery: DefaultLeaseRenewInterval,
		logger:     NewLogger(nil),
		now:        time.Now,
		newID:      uuid.NewString,
		active:     make(map[string]*activeRun),
		timers:     make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.retry.ApplyDefaults()
	if m.repo == nil {
		m.repo = NewMemoryRepository()
	}
	if m.locker == nil {
		m.locker = repolock.NewMemoryLocker(repolock.WithMetrics(m.metrics))
	}
	if m.otel == nil {
		// Instrument creation only fails on invalid names.
		m.otel, _ = NewMetrics(nil)
	}
	m.queue = queue.New[string](numPriorities, queue.WithDepthObserver(func(lane, depth int) {
		m.metrics.SetQueueDepth(Priority(lane).String(), depth)
	}))
	return m
}

// Submit validates req, creates a pending job and runs admission. An
// admitted job is queued; a denied job is recorded as failed with
// ErrorKind budget_exceeded and the *admission.BudgetExceeded is returned
// alongside it.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	maxRetries := m.retry.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	cost := req.Cost
	if cost < 1 {
		cost = 1
	}
	now := m.now()
	j := &Job{
		ID:         m.newID(),
		UserID:     req.UserID,
		OrgID:      req.OrgID,
		Repository: req.Repository,
		Status:     StatusPending,
		Priority:   req.Priority,
		Config:     req.Config,
		Tier:       req.Tier,
		Cost:       cost,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return m.create(ctx, j)
}

// Resubmit creates a new job from a terminal failed or cancelled one. The
// new job links back through ParentID and goes through admission again.
// Chains are bounded by the parent's MaxRetries.
func (m *Manager) Resubmit(ctx context.Context, id string) (*Job, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	parent, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if parent.Status != StatusCancelled && !(parent.Status == StatusFailed && parent.IsTerminal()) {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotResubmittable, id, parent.Status)
	}
	if parent.ChainLength >= parent.MaxRetries {
		return nil, fmt.Errorf("%w: %d of %d", ErrRetryChainLimit, parent.ChainLength, parent.MaxRetries)
	}

	now := m.now()
	child := &Job{
		ID:          m.newID(),
		UserID:      parent.UserID,
		OrgID:       parent.OrgID,
		Repository:  parent.Repository,
		Status:      StatusPending,
		Priority:    parent.Priority,
		Config:      parent.Clone().Config,
		Tier:        parent.Tier,
		Cost:        parent.Cost,
		MaxRetries:  parent.MaxRetries,
		ParentID:    parent.ID,
		ChainLength: parent.ChainLength + 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return m.create(ctx, child)
}

func (m *Manager) create(ctx context.Context, j *Job) (*Job, error) {
	ctx, span := StartSpan(ctx, "job.Submit", j.ID, attribute.String("user.id", j.UserID))
	defer span.End()

	if err := m.repo.Create(ctx, j); err != nil {
		RecordError(ctx, err)
		return nil, fmt.Errorf("creating job: %w", err)
	}
	m.logger.Submitted(ctx, j)
	m.publish(ctx, j, "")

	req := m.admissionRequest(j)
	if m.admission != nil {
		if _, err := m.admission.TryAdmit(ctx, req); err != nil {
			m.otel.RecordSubmitted(ctx, false)
			RecordError(ctx, err)
			kind := KindInternal
			var be *admission.BudgetExceeded
			if errors.As(err, &be) {
				kind = KindBudgetExceeded
			}
			m.logger.Denied(ctx, j, err.Error())
			failed, terr := m.transition(ctx, j.ID, StatusFailed, func(j *Job) {
				j.ErrorKind = kind
				j.ErrorMessage = err.Error()
			})
			if terr != nil {
				return nil, errors.Join(err, terr)
			}
			return failed, err
		}
	}
	m.otel.RecordSubmitted(ctx, true)

	admittedAt := m.now()
	m.mu.Lock()
	queued, from, err := m.transitionLocked(ctx, j.ID, StatusQueued, func(j *Job) {
		j.AdmittedAt = &admittedAt
	})
	var enqErr error
	if err == nil {
		enqErr = m.queue.Enqueue(j.ID, j.ID, int(j.Priority))
	}
	m.mu.Unlock()

	if err != nil {
		// Cancelled while admission was in flight.
		m.refund(ctx, req, admittedAt)
		current, gerr := m.repo.Get(ctx, j.ID)
		if gerr != nil {
			return nil, err
		}
		return current, err
	}
	m.committed(ctx, queued, from)

	if enqErr != nil {
		m.refund(ctx, req, admittedAt)
		cancelled, terr := m.transition(ctx, j.ID, StatusCancelled, func(j *Job) {
			j.ErrorMessage = "job manager shut down before the job was queued"
		})
		if terr != nil {
			return nil, errors.Join(ErrManagerClosed, terr)
		}
		return cancelled, ErrManagerClosed
	}
	return queued, nil
}

// Cancel stops a job. Pending and queued jobs are cancelled immediately and
// their admission charge refunded. A running job is signalled and moves to
// cancelled once its runner returns; the returned snapshot is still running.
// A failed job waiting for a retry stays failed and the retry is dropped.
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	j, err := m.repo.Get(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	switch {
	case j.Status == StatusRunning:
		if run := m.active[id]; run != nil {
			run.requested = true
			run.cancel()
		}
		m.mu.Unlock()
		m.logger.Debug(ctx, "cancel requested for running job", zap.String("job_id", id))
		return j, nil

	case j.Status == StatusPending || j.Status == StatusQueued:
		m.queue.Remove(id)
		if run := m.active[id]; run != nil {
			// A worker has dequeued it and is waiting for the repository lock.
			run.requested = true
			run.cancel()
		}
		cancelled, from, err := m.transitionLocked(ctx, id, StatusCancelled, func(j *Job) {
			j.ErrorMessage = "cancelled by user"
		})
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		m.committed(ctx, cancelled, from)
		if from == StatusQueued && cancelled.AdmittedAt != nil && cancelled.StartedAt == nil {
			m.refund(ctx, m.admissionRequest(cancelled), *cancelled.AdmittedAt)
		}
		return cancelled, nil

	case j.RetryScheduled():
		if t := m.timers[id]; t != nil {
			t.Stop()
			delete(m.timers, id)
		}
		j.NextAttemptAt = nil
		j.ErrorMessage += "; retry cancelled by user"
		j.UpdatedAt = m.now()
		err := m.repo.Update(ctx, j)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return j, nil

	default:
		m.mu.Unlock()
		return j, fmt.Errorf("%w: job %s is %s", ErrJobTerminal, id, j.Status)
	}
}

// Get returns a snapshot of the job.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrEmptyJobID
	}
	return m.repo.Get(ctx, id)
}

// List returns jobs matching f.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Job, error) {
	return m.repo.List(ctx, f)
}

// QueueLen returns the number of queued jobs per priority.
func (m *Manager) QueueLen() []int {
	return m.queue.LenByPriority()
}

// Start launches workers that run queued jobs until ctx is done or Shutdown
// is called.
func (m *Manager) Start(ctx context.Context, workers int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	if m.runner == nil {
		return ErrNoRunner
	}
	m.started = true

	if workers < 1 {
		workers = 1
	}
	wctx, cancel := context.WithCancel(ctx)
	m.stopWorkers = cancel
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(wctx)
	}
	return nil
}

// Shutdown stops accepting work, drops pending retry timers and waits for
// running jobs to return. When ctx expires first, running jobs are
// interrupted and Shutdown returns ctx.Err() after they unwind. Jobs still
// queued keep their queued status in the repository.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	stop := m.stopWorkers
	m.mu.Unlock()

	m.queue.Close()
	if stop == nil {
		return nil
	}
	defer stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		stop()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		id, err := m.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if m.isClosed() {
			m.logger.Debug(ctx, "leaving job queued on shutdown", zap.String("job_id", id))
			return
		}
		m.process(ctx, id)
	}
}

func (m *Manager) process(ctx context.Context, id string) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	j, err := m.repo.Get(ctx, id)
	if err != nil || j.Status != StatusQueued {
		m.mu.Unlock()
		if err != nil {
			m.logger.Error(ctx, "loading dequeued job", err, zap.String("job_id", id))
		}
		return
	}
	m.active[id] = &activeRun{cancel: cancel}
	m.mu.Unlock()
	defer m.unregister(id)

	lease, err := m.locker.Acquire(runCtx, j.Repository, id)
	if err != nil {
		if !m.cancelRequested(id) {
			m.logger.Error(ctx, "acquiring repository lock", err,
				zap.String("job_id", id), zap.String("repository", j.Repository))
		}
		return
	}

	running, err := m.transition(ctx, id, StatusRunning, func(j *Job) {
		j.ErrorKind = KindNone
		j.ErrorMessage = ""
		j.BlockingFiles = nil
	})
	if err != nil {
		m.releaseLease(ctx, lease)
		if !errors.Is(err, ErrInvalidTransition) {
			m.logger.Error(ctx, "starting job", err, zap.String("job_id", id))
		}
		return
	}
	start := m.now()
	if running.QueuedAt != nil {
		m.otel.RecordStarted(ctx, start.Sub(*running.QueuedAt))
	}

	kaCtx, stopKeepAlive := context.WithCancel(runCtx)
	lost := make(chan error, 1)
	go func() {
		defer close(lost)
		if err := lease.KeepAlive(kaCtx, m.renewEvery); err != nil {
			lost <- err
			cancel()
		}
	}()

	attemptCtx := runCtx
	if m.runTimeout > 0 {
		var stop context.CancelFunc
		attemptCtx, stop = context.WithTimeout(runCtx, m.runTimeout)
		defer stop()
	}
	spanCtx, span := StartSpan(attemptCtx, "job.Run", id, attribute.String("repository", running.Repository))
	runErr := m.runner.Run(spanCtx, running)
	if runErr != nil {
		RecordError(spanCtx, runErr)
	}
	span.End()

	stopKeepAlive()
	if lostErr := <-lost; lostErr != nil && runErr != nil {
		runErr = fmt.Errorf("%w: %v", lostErr, runErr)
	}
	m.releaseLease(ctx, lease)

	// The outcome is recorded even if the workers are being stopped.
	m.finish(context.WithoutCancel(ctx), id, runErr, start)
}

func (m *Manager) finish(ctx context.Context, id string, runErr error, start time.Time) {
	m.mu.Lock()
	run := m.active[id]
	requested := run != nil && run.requested

	to := StatusSuccess
	var outcome Outcome
	switch {
	case runErr == nil:
	case requested:
		to = StatusCancelled
	default:
		to = StatusFailed
		outcome = Classify(runErr)
	}

	var delay time.Duration
	retry := false
	j, from, err := m.transitionLocked(ctx, id, to, func(j *Job) {
		switch to {
		case StatusSuccess:
			j.ConsecutiveTimeouts = 0
		case StatusCancelled:
			j.ErrorMessage = "cancelled by user"
		case StatusFailed:
			j.ErrorKind = outcome.Kind
			j.ErrorMessage = outcome.Message
			j.BlockingFiles = outcome.BlockingFiles
			retryable := outcome.Retryable
			if outcome.Kind == KindTimeout {
				j.ConsecutiveTimeouts++
				if j.ConsecutiveTimeouts >= m.retry.MaxConsecutiveTimeouts {
					retryable = false
					j.ErrorMessage = fmt.Sprintf("%d consecutive timeouts: %s", j.ConsecutiveTimeouts, outcome.Message)
				}
			} else {
				j.ConsecutiveTimeouts = 0
			}
			j.NextAttemptAt = nil
			// No retry fires after shutdown, so the failure is final.
			if retryable && !m.closed && j.RetryCount < j.MaxRetries {
				delay = m.retry.Backoff(j.RetryCount)
				next := m.now().Add(delay)
				j.NextAttemptAt = &next
				retry = true
			}
		}
	})
	if err == nil && retry {
		m.timers[id] = time.AfterFunc(delay, func() { m.requeue(id) })
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Defect(ctx, "recording job outcome", err, j)
		return
	}
	m.committed(ctx, j, from)
	d := m.now().Sub(start)
	m.logger.Finished(ctx, j, d)
	m.otel.RecordFinished(ctx, j, d)
	m.metrics.RecordJobDuration(string(j.Status), d)
	if retry {
		m.logger.RetryScheduled(ctx, j, delay)
	}
}

func (m *Manager) requeue(id string) {
	ctx := context.Background()
	m.mu.Lock()
	delete(m.timers, id)
	if m.closed {
		m.mu.Unlock()
		return
	}
	j, from, err := m.transitionLocked(ctx, id, StatusQueued, func(j *Job) {
		j.RetryCount++
		j.NextAttemptAt = nil
	})
	var enqErr error
	if err == nil {
		enqErr = m.queue.Enqueue(id, id, int(j.Priority))
	}
	m.mu.Unlock()

	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			m.logger.Error(ctx, "requeueing job", err, zap.String("job_id", id))
		}
		return
	}
	m.metrics.RecordRetry()
	m.committed(ctx, j, from)
	if enqErr != nil {
		m.logger.Error(ctx, "requeueing job", enqErr, zap.String("job_id", id))
	}
}

// transition applies one status change and publishes it.
func (m *Manager) transition(ctx context.Context, id string, to Status, mutate func(*Job)) (*Job, error) {
	m.mu.Lock()
	j, from, err := m.transitionLocked(ctx, id, to, mutate)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.committed(ctx, j, from)
	return j, nil
}

// transitionLocked must be called with m.mu held.
func (m *Manager) transitionLocked(ctx context.Context, id string, to Status, mutate func(*Job)) (*Job, Status, error) {
	j, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	from := j.Status
	if !j.CanTransitionTo(to) {
		return j, from, &InvalidTransition{JobID: id, From: from, To: to}
	}

	now := m.now()
	j.Status = to
	j.UpdatedAt = now
	switch to {
	case StatusQueued:
		j.QueuedAt = &now
	case StatusRunning:
		j.StartedAt = &now
		j.CompletedAt = nil
	case StatusSuccess, StatusFailed:
		j.CompletedAt = &now
	case StatusCancelled:
		j.CancelledAt = &now
		j.CompletedAt = &now
	}
	if mutate != nil {
		mutate(j)
	}
	if err := m.repo.Update(ctx, j); err != nil {
		return nil, from, err
	}
	return j, from, nil
}

func (m *Manager) committed(ctx context.Context, j *Job, from Status) {
	m.logger.Transition(ctx, j, from)
	m.metrics.RecordTransition(string(from), string(j.Status))
	m.publish(ctx, j, from)
}

func (m *Manager) publish(ctx context.Context, j *Job, from Status) {
	if m.publisher == nil {
		return
	}
	m.publisher.PublishStatus(ctx, StatusChange{
		JobID:  j.ID,
		UserID: j.UserID,
		From:   from,
		To:     j.Status,
		Job:    j.Clone(),
		At:     j.UpdatedAt,
	})
}

func (m *Manager) admissionRequest(j *Job) admission.Request {
	return admission.Request{
		JobID:  j.ID,
		UserID: j.UserID,
		OrgID:  j.OrgID,
		Tier:   j.Tier,
		Cost:   j.Cost,
	}
}

func (m *Manager) refund(ctx context.Context, req admission.Request, admittedAt time.Time) {
	if m.admission == nil {
		return
	}
	if err := m.admission.Refund(ctx, req, admittedAt); err != nil {
		m.logger.Error(ctx, "refunding admission charge", err, zap.String("job_id", req.JobID))
	}
}

func (m *Manager) releaseLease(ctx context.Context, l *repolock.Lease) {
	if err := m.locker.Release(l); err != nil && !errors.Is(err, repolock.ErrLeaseLost) {
		m.logger.Error(ctx, "releasing repository lock", err,
			zap.String("repository", l.RepoID), zap.String("holder", l.Holder))
	}
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) cancelRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.active[id]
	return run != nil && run.requested
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
