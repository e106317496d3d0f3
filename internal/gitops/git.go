// Package gitops performs the Git operations a job needs: clone the job's
// branch, rebase it onto the target, stage resolved files and push.
//
// Object-level work (clone, head, push) uses go-git. go-git has no rebase,
// so rebase, continue, abort, conflict listing and staging of conflicted
// paths shell out to the git binary.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
)

// DefaultCommandTimeout bounds a single git CLI invocation.
const DefaultCommandTimeout = 5 * time.Minute

// Errors.
var (
	ErrNotRepository = errors.New("not a git repository")
	ErrNoRebase      = errors.New("no rebase in progress")
	ErrUnsafePath    = errors.New("path escapes the working tree")
)

// Git is the set of repository operations used by a job.
type Git interface {
	Clone(ctx context.Context, url, dir, branch string) error
	Rebase(ctx context.Context, dir, onto string) (RebaseResult, error)
	ConflictedFiles(ctx context.Context, dir string) ([]string, error)
	ApplyResolution(ctx context.Context, dir, path string, content []byte) error
	ContinueRebase(ctx context.Context, dir string) (RebaseResult, error)
	AbortRebase(ctx context.Context, dir string) error
	Push(ctx context.Context, dir, branch string) error
	Head(ctx context.Context, dir string) (string, error)
}

// RebaseResult reports where a rebase stopped.
type RebaseResult struct {
	// Done is true once every commit has been replayed.
	Done bool
	// Conflicts lists unmerged paths when the rebase stopped on a commit.
	Conflicts []string
}

// CommandError is a failed git CLI invocation.
type CommandError struct {
	Args     []string
	Output   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %v (output: %s)", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

var _ Git = (*Client)(nil)

// Client implements Git.
type Client struct {
	binary      string
	timeout     time.Duration
	auth        transport.AuthMethod
	authorName  string
	authorEmail string
	logger      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBinary sets the git executable. Default: "git" from PATH.
func WithBinary(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithCommandTimeout bounds each git CLI call.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithToken authenticates clone and push over HTTPS with a bearer-style
// token, as accepted by GitHub and GitLab.
func WithToken(username, token string) Option {
	return func(c *Client) {
		if token == "" {
			return
		}
		if username == "" {
			username = "x-access-token"
		}
		c.auth = &githttp.BasicAuth{Username: username, Password: token}
	}
}

// WithAuthor sets the committer identity used when replaying commits.
func WithAuthor(name, email string) Option {
	return func(c *Client) {
		if name != "" {
			c.authorName = name
		}
		if email != "" {
			c.authorEmail = email
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		binary:      "git",
		timeout:     DefaultCommandTimeout,
		authorName:  "jobcore",
		authorEmail: "jobcore@localhost",
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("gitops")
	return c
}

// Clone clones url into dir and checks out branch. All remote branches are
// fetched so the rebase target is available as origin/<target>.
func (c *Client) Clone(ctx context.Context, url, dir, branch string) error {
	opts := &git.CloneOptions{
		URL:  url,
		Auth: c.auth,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	start := time.Now()
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return fmt.Errorf("cloning %s@%s: %w", redactURL(url), branch, err)
	}
	c.logger.Debug("cloned repository",
		zap.String("url", redactURL(url)),
		zap.String("branch", branch),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Head returns the commit hash HEAD points at.
func (c *Client) Head(_ context.Context, dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// CurrentBranch returns the checked out branch, or "" when HEAD is detached.
func (c *Client) CurrentBranch(dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return "", nil
	}
	return ref.Name().Short(), nil
}

// Push force-pushes branch to origin. A rebased branch always rewrites
// history, so the push is forced.
func (c *Client) Push(ctx context.Context, dir, branch string) error {
	repo, err := open(dir)
	if err != nil {
		return err
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{config.RefSpec("+" + ref.String() + ":" + ref.String())},
		Auth:       c.auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// Rebase replays the checked out branch onto origin/<onto>.
func (c *Client) Rebase(ctx context.Context, dir, onto string) (RebaseResult, error) {
	_, err := c.run(ctx, dir, "rebase", "origin/"+onto)
	return c.rebaseOutcome(ctx, dir, err)
}

// ContinueRebase commits the staged resolution and replays the remaining
// commits. A resolution that leaves the commit empty skips it.
func (c *Client) ContinueRebase(ctx context.Context, dir string) (RebaseResult, error) {
	if !RebaseInProgress(dir) {
		return RebaseResult{}, ErrNoRebase
	}
	out, err := c.run(ctx, dir, "rebase", "--continue")
	if err != nil && isEmptyCommit(out) {
		c.logger.Debug("resolved commit is empty, skipping", zap.String("dir", dir))
		_, err = c.run(ctx, dir, "rebase", "--skip")
	}
	return c.rebaseOutcome(ctx, dir, err)
}

// AbortRebase restores the branch to its state before Rebase.
func (c *Client) AbortRebase(ctx context.Context, dir string) error {
	if !RebaseInProgress(dir) {
		return nil
	}
	_, err := c.run(ctx, dir, "rebase", "--abort")
	return err
}

// ConflictedFiles lists unmerged paths relative to dir.
func (c *Client) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := c.run(ctx, dir, "diff", "--name-only", "--diff-filter=U", "-z")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, p := range strings.Split(out, "\x00") {
		if p = strings.TrimSpace(p); p != "" {
			files = append(files, p)
		}
	}
	return files, nil
}

// ApplyResolution writes content to path and stages it, clearing the
// conflict.
func (c *Client) ApplyResolution(ctx context.Context, dir, path string, content []byte) error {
	full, err := SafeJoin(dir, path)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(full); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.WriteFile(full, content, mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := c.run(ctx, dir, "add", "--", path); err != nil {
		return err
	}
	return nil
}

// ReadFile reads a working tree file by its repository-relative path.
func ReadFile(dir, path string) ([]byte, error) {
	full, err := SafeJoin(dir, path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// SafeJoin joins a repository-relative path onto dir and rejects paths that
// leave it.
func SafeJoin(dir, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, path)
	}
	full := filepath.Join(dir, path)
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, path)
	}
	return full, nil
}

// RebaseInProgress reports whether dir has a stopped rebase.
func RebaseInProgress(dir string) bool {
	for _, d := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(dir, ".git", d)); err == nil {
			return true
		}
	}
	return false
}

func (c *Client) rebaseOutcome(ctx context.Context, dir string, runErr error) (RebaseResult, error) {
	if runErr == nil && !RebaseInProgress(dir) {
		return RebaseResult{Done: true}, nil
	}
	conflicts, err := c.ConflictedFiles(ctx, dir)
	if err != nil {
		return RebaseResult{}, errors.Join(runErr, err)
	}
	if len(conflicts) > 0 {
		return RebaseResult{Conflicts: conflicts}, nil
	}
	if runErr != nil {
		return RebaseResult{}, runErr
	}
	return RebaseResult{}, fmt.Errorf("rebase stopped without conflicts in %s", dir)
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	full := append([]string{
		"-c", "user.name=" + c.authorName,
		"-c", "user.email=" + c.authorEmail,
		"-c", "core.editor=true",
	}, args...)
	cmd := exec.CommandContext(ctx, c.binary, full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return out.String(), nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("timeout after %v: %w", c.timeout, context.DeadlineExceeded)
	}
	ce := &CommandError{Args: args, Output: out.String(), ExitCode: -1, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	return out.String(), ce
}

func open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, dir)
		}
		return nil, err
	}
	return repo, nil
}

func isEmptyCommit(out string) bool {
	return strings.Contains(out, "nothing to commit") ||
		strings.Contains(out, "No changes - did you forget")
}

// redactURL drops credentials embedded in a clone URL.
func redactURL(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = "***@" + rest[at+1:]
		}
	}
	return scheme + "://" + rest
}
