package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/jobcore/internal/gitops"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
	"github.com/fyrsmithlabs/jobcore/internal/validation"
)

// fakeGit writes each stop's conflicted files into the checkout on Rebase
// and ContinueRebase.
type fakeGit struct {
	mu       sync.Mutex
	stops    []map[string]string
	cloneErr error
	pushErr  error
	// blockRebase makes Rebase wait for ctx and fail like a killed git.
	blockRebase bool

	clonedURL string
	applied   map[string]string
	pushed    bool
	aborted   bool
}

var _ gitops.Git = (*fakeGit)(nil)

func (f *fakeGit) Clone(_ context.Context, url, dir, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clonedURL = url
	if f.cloneErr != nil {
		return f.cloneErr
	}
	return os.MkdirAll(dir, 0o755)
}

func (f *fakeGit) Rebase(ctx context.Context, dir, _ string) (gitops.RebaseResult, error) {
	if f.blockRebase {
		<-ctx.Done()
		return gitops.RebaseResult{}, errors.New("git rebase: signal: killed")
	}
	return f.next(dir)
}

func (f *fakeGit) ContinueRebase(_ context.Context, dir string) (gitops.RebaseResult, error) {
	return f.next(dir)
}

func (f *fakeGit) next(dir string) (gitops.RebaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stops) == 0 {
		return gitops.RebaseResult{Done: true}, nil
	}
	stop := f.stops[0]
	f.stops = f.stops[1:]
	var paths []string
	for p, content := range stop {
		paths = append(paths, p)
		if content == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, p), []byte(content), 0o644); err != nil {
			return gitops.RebaseResult{}, err
		}
	}
	return gitops.RebaseResult{Conflicts: paths}, nil
}

func (f *fakeGit) ConflictedFiles(context.Context, string) ([]string, error) {
	return nil, nil
}

func (f *fakeGit) ApplyResolution(_ context.Context, _, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = map[string]string{}
	}
	f.applied[path] = string(content)
	return nil
}

func (f *fakeGit) AbortRebase(context.Context, string) error {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	return nil
}

func (f *fakeGit) Push(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = true
	return nil
}

func (f *fakeGit) Head(context.Context, string) (string, error) {
	return "0000000000000000000000000000000000000000", nil
}

const conflicted = "{\n<<<<<<< HEAD\n  \"port\": 9090\n=======\n  \"port\": 8080\n>>>>>>> feature\n}\n"

func newPipeline(t *testing.T, s resolution.Strategy, audit resolution.AuditLog) *resolution.Pipeline {
	t.Helper()
	v, err := validation.New()
	require.NoError(t, err)
	return resolution.NewPipeline(v, resolution.WithStrategy(s), resolution.WithAuditLog(audit))
}

func testJob() *job.Job {
	return &job.Job{
		ID:         "job-1",
		Repository: "acme/app",
		Config:     job.Config{Branch: "feature", TargetBranch: "main"},
	}
}

func TestRunner_ResolvesAndPushes(t *testing.T) {
	g := &fakeGit{stops: []map[string]string{{"config.json": conflicted}}}
	audit := resolution.NewMemoryAuditLog()
	var agentDir string
	r := NewRunner(g, newPipeline(t, resolution.OursFirst, audit),
		WithWorkspace(t.TempDir()),
		WithURLTemplate("https://github.com/%s.git"),
		WithAgent(AgentFunc(func(_ context.Context, dir string, j *job.Job) error {
			agentDir = dir
			return nil
		})),
	)

	require.NoError(t, r.Run(context.Background(), testJob()))
	assert.True(t, g.pushed)
	assert.False(t, g.aborted)
	assert.Equal(t, "https://github.com/acme/app.git", g.clonedURL)
	assert.NotEmpty(t, agentDir)
	assert.Equal(t, "{\n  \"port\": 9090\n}\n", g.applied["config.json"])

	attempts, err := audit.List(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, resolution.MethodFallbackOurs, attempts[0].Method)
}

func TestRunner_UnresolvableAborts(t *testing.T) {
	g := &fakeGit{stops: []map[string]string{{"config.json": conflicted}}}
	r := NewRunner(g, newPipeline(t, resolution.ManualOnly, resolution.NewMemoryAuditLog()), WithWorkspace(t.TempDir()))

	err := r.Run(context.Background(), testJob())
	var uc *resolution.UnresolvableConflict
	require.ErrorAs(t, err, &uc)
	assert.Equal(t, []string{"config.json"}, uc.Paths())
	assert.True(t, g.aborted)
	assert.False(t, g.pushed)
	assert.Equal(t, job.KindUnresolvableConflict, job.Classify(err).Kind)
}

func TestRunner_NonTextualConflictsBlocked(t *testing.T) {
	g := &fakeGit{stops: []map[string]string{{
		"deleted.go": "",
		"plain.txt":  "no markers here\n",
	}}}
	r := NewRunner(g, newPipeline(t, resolution.OursFirst, resolution.NewMemoryAuditLog()), WithWorkspace(t.TempDir()))

	err := r.Run(context.Background(), testJob())
	var uc *resolution.UnresolvableConflict
	require.ErrorAs(t, err, &uc)
	assert.ElementsMatch(t, []string{"deleted.go", "plain.txt"}, uc.Paths())
}

func TestRunner_MultipleStops(t *testing.T) {
	g := &fakeGit{stops: []map[string]string{
		{"a.json": conflicted},
		{"b.json": conflicted},
	}}
	r := NewRunner(g, newPipeline(t, resolution.TheirsFirst, resolution.NewMemoryAuditLog()), WithWorkspace(t.TempDir()))

	require.NoError(t, r.Run(context.Background(), testJob()))
	assert.Equal(t, "{\n  \"port\": 8080\n}\n", g.applied["b.json"])
	assert.True(t, g.pushed)
}

func TestRunner_TooManyStops(t *testing.T) {
	g := &fakeGit{stops: []map[string]string{{"a.json": conflicted}, {"b.json": conflicted}}}
	r := NewRunner(g, newPipeline(t, resolution.OursFirst, resolution.NewMemoryAuditLog()),
		WithWorkspace(t.TempDir()), WithMaxRebaseSteps(1))

	err := r.Run(context.Background(), testJob())
	assert.ErrorIs(t, err, ErrTooManyConflicts)
	assert.True(t, g.aborted)
}

func TestRunner_TransientGitFailuresRetryable(t *testing.T) {
	tests := []struct {
		name string
		git  *fakeGit
	}{
		{"clone", &fakeGit{cloneErr: errors.New("connection reset")}},
		{"push", &fakeGit{pushErr: errors.New("remote hung up")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(tt.git, newPipeline(t, resolution.OursFirst, resolution.NewMemoryAuditLog()),
				WithWorkspace(t.TempDir()))
			err := r.Run(context.Background(), testJob())
			out := job.Classify(err)
			assert.Equal(t, job.KindRetryable, out.Kind)
			assert.True(t, out.Retryable)
		})
	}
}

func TestRunner_RebaseTimeoutIsNotRetryable(t *testing.T) {
	g := &fakeGit{blockRebase: true}
	r := NewRunner(g, newPipeline(t, resolution.OursFirst, resolution.NewMemoryAuditLog()), WithWorkspace(t.TempDir()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Run(ctx, testJob())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, job.KindTimeout, job.Classify(err).Kind)
	assert.True(t, g.aborted)
}

func TestRunner_AgentErrorAndCancellation(t *testing.T) {
	g := &fakeGit{}
	boom := errors.New("agent crashed")
	r := NewRunner(g, newPipeline(t, resolution.OursFirst, resolution.NewMemoryAuditLog()),
		WithWorkspace(t.TempDir()),
		WithAgent(AgentFunc(func(context.Context, string, *job.Job) error { return boom })))
	err := r.Run(context.Background(), testJob())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, job.KindInternal, job.Classify(err).Kind)

	ctx, cancel := context.WithCancel(context.Background())
	r = NewRunner(g, newPipeline(t, resolution.OursFirst, resolution.NewMemoryAuditLog()),
		WithWorkspace(t.TempDir()),
		WithAgent(AgentFunc(func(context.Context, string, *job.Job) error {
			cancel()
			return nil
		})))
	assert.ErrorIs(t, r.Run(ctx, testJob()), context.Canceled)
	assert.False(t, g.pushed)
}

func TestRunner_RequiresBranch(t *testing.T) {
	r := NewRunner(&fakeGit{}, nil)
	err := r.Run(context.Background(), &job.Job{ID: "j"})
	assert.ErrorIs(t, err, ErrNoBranch)
}

func TestRunner_CloneURL(t *testing.T) {
	r := NewRunner(nil, nil, WithURLTemplate("https://git.example.com/%s.git"))
	assert.Equal(t, "https://git.example.com/acme/app.git", r.cloneURL("acme/app"))
	assert.Equal(t, "https://other/x.git", r.cloneURL("https://other/x.git"))
	assert.Equal(t, "git@github.com:a/b.git", r.cloneURL("git@github.com:a/b.git"))
	assert.Equal(t, "/srv/repos/app.git", r.cloneURL("/srv/repos/app.git"))
	assert.Equal(t, "acme/app", NewRunner(nil, nil).cloneURL("acme/app"))
}
