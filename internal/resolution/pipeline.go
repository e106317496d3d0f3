package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/jobcore/internal/candidate"
	"github.com/fyrsmithlabs/jobcore/internal/conflict"
	"github.com/fyrsmithlabs/jobcore/internal/validation"
)

// Defaults.
const (
	DefaultGenerateTimeout = 2 * time.Minute
	DefaultMaxContextBytes = 16 * 1024
	DefaultConcurrency     = 4
)

// Applier writes a fully resolved file to the working tree. Calls are
// serialized by the pipeline.
type Applier interface {
	Apply(ctx context.Context, path, content string) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, path, content string) error

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, path, content string) error {
	return f(ctx, path, content)
}

// Pipeline resolves conflicts. It is safe for concurrent use by multiple
// jobs as long as the collaborators are.
type Pipeline struct {
	generator       candidate.Generator
	validator       *validation.Validator
	audit           AuditLog
	strategy        Strategy
	applier         Applier
	generateTimeout time.Duration
	maxContextBytes int
	concurrency     int
	logger          *zap.Logger
	metrics         *Metrics
	now             func() time.Time

	applyMu sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithGenerator sets the candidate generator. Without one every conflict
// goes straight to the fallback strategy.
func WithGenerator(g candidate.Generator) Option {
	return func(p *Pipeline) {
		p.generator = g
	}
}

// WithAuditLog sets the audit log. Defaults to an in-memory log.
func WithAuditLog(a AuditLog) Option {
	return func(p *Pipeline) {
		p.audit = a
	}
}

// WithStrategy sets the fallback strategy. Defaults to OursFirst.
func WithStrategy(s Strategy) Option {
	return func(p *Pipeline) {
		p.strategy = s
	}
}

// WithApplier sets where resolved files are written.
func WithApplier(a Applier) Option {
	return func(p *Pipeline) {
		p.applier = a
	}
}

// WithGenerateTimeout bounds each generator call.
func WithGenerateTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.generateTimeout = d
		}
	}
}

// WithMaxContextBytes bounds the context window sent to the generator.
func WithMaxContextBytes(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxContextBytes = n
		}
	}
}

// WithConcurrency bounds how many files are resolved in parallel.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// NewPipeline creates a Pipeline around a validator.
func NewPipeline(v *validation.Validator, opts ...Option) *Pipeline {
	p := &Pipeline{
		validator:       v,
		strategy:        OursFirst,
		generateTimeout: DefaultGenerateTimeout,
		maxContextBytes: DefaultMaxContextBytes,
		concurrency:     DefaultConcurrency,
		logger:          zap.NewNop(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.audit == nil {
		p.audit = NewMemoryAuditLog()
	}
	p.logger = p.logger.Named("resolution")
	return p
}

// WithWorktree returns a pipeline sharing p's collaborators that writes
// resolved files through a. Workers use it to bind one checkout per run.
func (p *Pipeline) WithWorktree(a Applier) *Pipeline {
	return &Pipeline{
		generator:       p.generator,
		validator:       p.validator,
		audit:           p.audit,
		strategy:        p.strategy,
		applier:         a,
		generateTimeout: p.generateTimeout,
		maxContextBytes: p.maxContextBytes,
		concurrency:     p.concurrency,
		logger:          p.logger,
		metrics:         p.metrics,
		now:             p.now,
	}
}

// WithTestRunner returns a copy of p whose validator runs tests through r.
func (p *Pipeline) WithTestRunner(r validation.TestRunner) *Pipeline {
	c := p.WithWorktree(p.applier)
	if p.validator != nil {
		c.validator = p.validator.ForWorktree(r)
	}
	return c
}

// Strategy returns the configured fallback strategy.
func (p *Pipeline) Strategy() Strategy {
	return p.strategy
}

// Resolve runs the pipeline over every conflicted file of one rebase or
// merge attempt. Files are resolved in parallel, conflicts within a file in
// order. A file stops at its first manual_required conflict.
//
// The returned Result is never nil when err is nil. err is a
// *RetryablePipelineError for transient failures, the context error on
// cancellation, or an infrastructure error. Attempts appended before an
// error stay in the audit log; a partial Result is returned alongside.
// Unresolved files are reported through Result.Err, not err.
func (p *Pipeline) Resolve(ctx context.Context, jobID string, files []conflict.File, targetBranch string) (*Result, error) {
	ctx, span := StartSpan(ctx, "resolution.Resolve", jobID, attribute.Int("files", len(files)))
	defer span.End()

	results := make([]FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range files {
		i := i
		g.Go(func() error {
			fr, err := p.resolveFile(gctx, jobID, &files[i], targetBranch)
			results[i] = fr
			return err
		})
	}
	err := g.Wait()

	res := &Result{Files: results, Resolved: true}
	for _, fr := range results {
		res.Attempts = append(res.Attempts, fr.Attempts...)
		if !fr.Resolved {
			res.Resolved = false
		}
	}
	if err != nil {
		// A sibling failure cancels gctx; report the caller's cancellation
		// rather than the derived one.
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		res.Resolved = false
		RecordError(ctx, err)
		return res, err
	}

	if !res.Resolved {
		p.logger.Info("conflicts left unresolved",
			zap.String("job_id", jobID),
			zap.Strings("files", res.BlockingFiles()),
		)
	}
	return res, nil
}

func (p *Pipeline) resolveFile(ctx context.Context, jobID string, f *conflict.File, targetBranch string) (FileResult, error) {
	fr := FileResult{Path: f.Path}
	resolutions := make([]string, 0, len(f.Conflicts))

	for _, c := range f.Conflicts {
		if err := ctx.Err(); err != nil {
			return fr, err
		}

		a, err := p.resolveConflict(ctx, jobID, f, c, targetBranch)
		if err != nil {
			return fr, err
		}
		if err := p.audit.Append(ctx, a); err != nil {
			return fr, fmt.Errorf("appending audit record: %w", err)
		}
		p.metrics.RecordAttempt(ctx, a)
		fr.Attempts = append(fr.Attempts, a)

		if a.Method == MethodManual {
			fr.BlockingLine = c.StartLine
			fr.Reason = a.Rationale
			p.metrics.RecordBlocked(ctx)
			return fr, nil
		}
		resolutions = append(resolutions, a.Resolution)
	}

	content, err := f.Apply(resolutions)
	if err != nil {
		return fr, fmt.Errorf("applying resolutions to %s: %w", f.Path, err)
	}
	if err := ctx.Err(); err != nil {
		return fr, err
	}
	if p.applier != nil {
		p.applyMu.Lock()
		err = p.applier.Apply(ctx, f.Path, content)
		p.applyMu.Unlock()
		if err != nil {
			return fr, fmt.Errorf("writing %s: %w", f.Path, err)
		}
	}
	fr.Resolved = true
	fr.Content = content
	return fr, nil
}

func (p *Pipeline) resolveConflict(ctx context.Context, jobID string, f *conflict.File, c conflict.Conflict, targetBranch string) (Attempt, error) {
	a := Attempt{
		ID:            uuid.NewString(),
		JobID:         jobID,
		FilePath:      f.Path,
		ConflictIndex: c.Index,
		StartLine:     c.StartLine,
		EndLine:       c.EndLine,
		Strategy:      p.strategy.Name,
		Input: Input{
			Ours:   c.Ours,
			Theirs: c.Theirs,
			Base:   c.Base,
		},
	}

	if c.Binary || f.Binary {
		a.Method = MethodManual
		a.Rationale = "binary content requires manual resolution"
		a.CreatedAt = p.now()
		return a, nil
	}

	window := p.contextWindow(c)
	a.Input.Context = window

	var rejected string
	switch {
	case p.generator == nil:
		rejected = "no candidate generator configured"
	default:
		text, err := p.generate(ctx, c, window, targetBranch)
		if err != nil {
			var rpe *RetryablePipelineError
			if errors.As(err, &rpe) || ctx.Err() != nil {
				return a, err
			}
			rejected = "generator: " + err.Error()
			break
		}
		a.Candidate = text

		start := time.Now()
		report, err := p.validator.Validate(ctx, validation.Candidate{
			FilePath: f.Path,
			Language: c.Language,
			Text:     text,
			Conflict: c,
			File:     f,
		})
		if err != nil {
			if ctx.Err() != nil {
				return a, ctx.Err()
			}
			if errors.Is(err, validation.ErrTestTimeout) {
				p.metrics.RecordTimeout(ctx, "tests")
				return a, &RetryablePipelineError{FilePath: f.Path, Line: c.StartLine, Timeout: true, Err: err}
			}
			return a, fmt.Errorf("validating %s:%d: %w", f.Path, c.StartLine, err)
		}
		p.metrics.RecordValidate(ctx, time.Since(start), report.Passed)
		a.Checks = report.Checks
		a.Findings = report.Findings

		if report.Passed {
			a.Method = MethodAIValidated
			a.Resolution = text
			a.Success = true
			a.Rationale = "candidate passed all checks"
			a.CreatedAt = p.now()
			return a, nil
		}
		p.metrics.RecordCheckFailure(ctx, string(report.FailedCheck))
		if secErr := report.Err(f.Path); secErr != nil {
			p.logger.Warn("candidate rejected by security scan",
				zap.String("job_id", jobID),
				zap.String("file", f.Path),
				zap.Error(secErr),
			)
		}
		rejected = report.Reason
	}

	method, text := p.strategy.Choose(c, func(side string) bool {
		return p.validator.Syntax().IsValid(f, c, side)
	})
	a.Method = method
	a.Resolution = text
	a.Success = method.Resolved()
	a.Rationale = fallbackRationale(rejected, method)
	a.CreatedAt = p.now()
	return a, nil
}

func (p *Pipeline) generate(ctx context.Context, c conflict.Conflict, window, targetBranch string) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, p.generateTimeout)
	defer cancel()

	start := time.Now()
	text, err := p.generator.Generate(genCtx, candidate.Request{
		FilePath:     c.FilePath,
		Language:     c.Language,
		TargetBranch: targetBranch,
		Context:      window,
		ConflictText: c.Text(),
	})
	p.metrics.RecordGenerate(ctx, time.Since(start), err)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if genCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		p.metrics.RecordTimeout(ctx, "generate")
		return "", &RetryablePipelineError{FilePath: c.FilePath, Line: c.StartLine, Timeout: true, Err: err}
	}
	if candidate.IsRetryable(err) {
		return "", &RetryablePipelineError{FilePath: c.FilePath, Line: c.StartLine, Err: err}
	}
	return "", err
}

// contextWindow joins the lines around c, dropping the lines farthest from
// the region until it fits maxContextBytes.
func (p *Pipeline) contextWindow(c conflict.Conflict) string {
	before := append([]string(nil), c.Before...)
	after := append([]string(nil), c.After...)

	size := func() int {
		n := 0
		for _, l := range before {
			n += len(l) + 1
		}
		for _, l := range after {
			n += len(l) + 1
		}
		return n
	}
	for size() > p.maxContextBytes && (len(before) > 0 || len(after) > 0) {
		if len(before) >= len(after) {
			before = before[1:]
		} else {
			after = after[:len(after)-1]
		}
	}

	var sb strings.Builder
	for _, l := range before {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	sb.WriteString("[conflict]\n")
	for _, l := range after {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func fallbackRationale(rejected string, m Method) string {
	switch m {
	case MethodFallbackOurs:
		return rejected + "; fell back to ours"
	case MethodFallbackTheirs:
		return rejected + "; fell back to theirs"
	default:
		return rejected + "; no valid fallback, manual resolution required"
	}
}
