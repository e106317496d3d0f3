// Package worker runs one attempt of a job: clone the branch, let the agent
// work, rebase onto the target, resolve conflicts through the pipeline and
// push.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/conflict"
	"github.com/fyrsmithlabs/jobcore/internal/gitops"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/metrics"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
	"github.com/fyrsmithlabs/jobcore/internal/validation"
)

const (
	// DefaultTargetBranch is used when a job names no target.
	DefaultTargetBranch = "main"
	// DefaultMaxRebaseSteps bounds how many stopped commits one run resolves.
	DefaultMaxRebaseSteps = 100
)

// Errors.
var (
	ErrNoBranch         = errors.New("job config has no branch")
	ErrTooManyConflicts = errors.New("rebase stopped on too many commits")
)

// Agent performs the job's task inside a checkout. It is a black box to
// the core.
type Agent interface {
	Execute(ctx context.Context, workdir string, j *job.Job) error
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, workdir string, j *job.Job) error

// Execute implements Agent.
func (f AgentFunc) Execute(ctx context.Context, workdir string, j *job.Job) error {
	return f(ctx, workdir, j)
}

var _ job.Runner = (*Runner)(nil)

// Runner implements job.Runner on top of Git and the resolution pipeline.
type Runner struct {
	git         gitops.Git
	pipeline    *resolution.Pipeline
	agent       Agent
	workspace   string
	urlTemplate string
	keep        bool
	maxSteps    int
	tests       map[string]validation.TestCommand
	testTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithAgent sets the agent run before the rebase.
func WithAgent(a Agent) Option {
	return func(r *Runner) {
		r.agent = a
	}
}

// WithWorkspace sets the parent directory for per-run checkouts. Default:
// the OS temp dir.
func WithWorkspace(dir string) Option {
	return func(r *Runner) {
		r.workspace = dir
	}
}

// WithURLTemplate maps a job's repository to a clone URL with fmt, for
// example "https://github.com/%s.git". Repositories that already look like
// a URL or a path are used as is.
func WithURLTemplate(tmpl string) Option {
	return func(r *Runner) {
		r.urlTemplate = tmpl
	}
}

// WithKeepWorkdirs leaves checkouts on disk after the run.
func WithKeepWorkdirs(keep bool) Option {
	return func(r *Runner) {
		r.keep = keep
	}
}

// WithMaxRebaseSteps bounds the number of stopped commits per run.
func WithMaxRebaseSteps(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

// WithTests enables the validator's test stage inside each checkout. A nil
// commands map uses validation.DefaultTestCommands.
func WithTests(commands map[string]validation.TestCommand, timeout time.Duration) Option {
	return func(r *Runner) {
		if commands == nil {
			commands = validation.DefaultTestCommands()
		}
		r.tests = commands
		r.testTimeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner creates a Runner.
func NewRunner(g gitops.Git, p *resolution.Pipeline, opts ...Option) *Runner {
	r := &Runner{
		git:      g,
		pipeline: p,
		maxSteps: DefaultMaxRebaseSteps,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("worker")
	return r
}

// Run implements job.Runner. Clone, rebase and push failures are marked
// retryable; unresolved conflicts come back as
// *resolution.UnresolvableConflict and pipeline failures unchanged.
func (r *Runner) Run(ctx context.Context, j *job.Job) error {
	if j.Config.Branch == "" {
		return ErrNoBranch
	}
	target := j.Config.TargetBranch
	if target == "" {
		target = DefaultTargetBranch
	}
	log := r.logger.With(zap.String("job_id", j.ID), zap.String("repository", j.Repository))

	scratch, err := os.MkdirTemp(r.workspace, "job-"+j.ID+"-")
	if err != nil {
		return fmt.Errorf("creating workdir: %w", err)
	}
	if !r.keep {
		defer os.RemoveAll(scratch)
	}
	work := filepath.Join(scratch, "repo")

	if err := r.git.Clone(ctx, r.cloneURL(j.Repository), work, j.Config.Branch); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return job.Retryable(err)
	}

	if r.agent != nil {
		if err := r.agent.Execute(ctx, work, j); err != nil {
			return fmt.Errorf("agent: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := r.git.Rebase(ctx, work, target)
	if err != nil {
		if ctx.Err() != nil {
			return r.abort(ctx, work, ctx.Err())
		}
		return r.abort(ctx, work, job.Retryable(fmt.Errorf("rebase onto %s: %w", target, err)))
	}

	pipeline := r.pipeline.WithWorktree(resolution.ApplierFunc(func(ctx context.Context, path, content string) error {
		return r.git.ApplyResolution(ctx, work, path, []byte(content))
	}))
	if r.tests != nil {
		pipeline = pipeline.WithTestRunner(validation.NewCommandRunner(work, r.tests, r.testTimeout))
	}
	for step := 0; !res.Done; step++ {
		if step >= r.maxSteps {
			return r.abort(ctx, work, fmt.Errorf("%w: %d", ErrTooManyConflicts, step))
		}
		files, blocked, err := r.load(work, res.Conflicts)
		if err != nil {
			return r.abort(ctx, work, err)
		}
		if len(blocked) > 0 {
			return r.abort(ctx, work, &resolution.UnresolvableConflict{Files: blocked})
		}

		log.Debug("resolving conflicts", zap.Int("step", step), zap.Strings("files", res.Conflicts))
		result, err := pipeline.Resolve(ctx, j.ID, files, target)
		r.record(result)
		if err != nil {
			return r.abort(ctx, work, err)
		}
		if err := result.Err(); err != nil {
			return r.abort(ctx, work, err)
		}

		res, err = r.git.ContinueRebase(ctx, work)
		if err != nil {
			if ctx.Err() != nil {
				return r.abort(ctx, work, ctx.Err())
			}
			return r.abort(ctx, work, fmt.Errorf("continuing rebase: %w", err))
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.git.Push(ctx, work, j.Config.Branch); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return job.Retryable(err)
	}
	log.Info("branch rebased and pushed", zap.String("branch", j.Config.Branch), zap.String("target", target))
	return nil
}

// load parses every conflicted path. Paths that cannot be resolved
// textually (deleted on one side, no markers, malformed markers) are
// reported as blocked.
func (r *Runner) load(work string, paths []string) ([]conflict.File, []resolution.BlockedFile, error) {
	var (
		files   []conflict.File
		blocked []resolution.BlockedFile
	)
	for _, p := range paths {
		content, err := gitops.ReadFile(work, p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				blocked = append(blocked, resolution.BlockedFile{Path: p, Reason: "deleted on one side"})
				continue
			}
			return nil, nil, err
		}
		f, err := conflict.Parse(p, content)
		switch {
		case errors.Is(err, conflict.ErrNoConflicts):
			blocked = append(blocked, resolution.BlockedFile{Path: p, Reason: "conflict without markers"})
		case errors.Is(err, conflict.ErrMalformedMarkers):
			blocked = append(blocked, resolution.BlockedFile{Path: p, Reason: err.Error()})
		case err != nil:
			return nil, nil, fmt.Errorf("parsing %s: %w", p, err)
		default:
			files = append(files, *f)
		}
	}
	return files, blocked, nil
}

func (r *Runner) record(res *resolution.Result) {
	if res == nil {
		return
	}
	for _, a := range res.Attempts {
		r.metrics.RecordResolution(string(a.Method), a.Method == resolution.MethodManual)
	}
}

// abort leaves the checkout on the pre-rebase branch. It runs even when ctx
// is already cancelled.
func (r *Runner) abort(ctx context.Context, work string, cause error) error {
	if err := r.git.AbortRebase(context.WithoutCancel(ctx), work); err != nil {
		r.logger.Warn("aborting rebase", zap.String("workdir", work), zap.Error(err))
	}
	return cause
}

func (r *Runner) cloneURL(repository string) string {
	if r.urlTemplate == "" || strings.Contains(repository, "://") ||
		strings.HasPrefix(repository, "git@") || filepath.IsAbs(repository) {
		return repository
	}
	return fmt.Sprintf(r.urlTemplate, repository)
}
