package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/jobcore/internal/conflict"
)

// TestRunner discovers and runs the tests reachable from a changed file.
type TestRunner interface {
	HasTests(path string) bool
	// RunTests runs the tests with content written at path and reports
	// whether they passed. A timeout returns an error wrapping
	// ErrTestTimeout.
	RunTests(ctx context.Context, path, content string) (bool, error)
}

// TestCommand describes how tests are found and run for one language.
// Command arguments may use {dir} (the file's directory relative to the
// working copy, "./"-prefixed) and {file}.
type TestCommand struct {
	Patterns []string `koanf:"patterns"`
	Command  []string `koanf:"command"`
}

// DefaultTestCommands returns the built-in per-language test commands.
func DefaultTestCommands() map[string]TestCommand {
	return map[string]TestCommand{
		conflict.LangGo: {
			Patterns: []string{"*_test.go"},
			Command:  []string{"go", "test", "{dir}"},
		},
		conflict.LangPython: {
			Patterns: []string{"test_*.py", "*_test.py"},
			Command:  []string{"python", "-m", "pytest", "-q", "{dir}"},
		},
		conflict.LangJavaScript: {
			Patterns: []string{"*.test.js", "*.spec.js"},
			Command:  []string{"npx", "--no-install", "jest", "{dir}"},
		},
		conflict.LangTypeScript: {
			Patterns: []string{"*.test.ts", "*.spec.ts", "*.test.tsx"},
			Command:  []string{"npx", "--no-install", "jest", "{dir}"},
		},
	}
}

// CommandRunner runs tests as subprocesses inside a working copy. Runs are
// serialized because each run temporarily writes the candidate file.
type CommandRunner struct {
	workdir  string
	commands map[string]TestCommand
	timeout  time.Duration

	mu sync.Mutex
}

// NewCommandRunner creates a runner rooted at workdir. A nil commands map
// uses DefaultTestCommands.
func NewCommandRunner(workdir string, commands map[string]TestCommand, timeout time.Duration) *CommandRunner {
	if commands == nil {
		commands = DefaultTestCommands()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CommandRunner{workdir: workdir, commands: commands, timeout: timeout}
}

// HasTests reports whether a test file for the path's language exists next
// to it.
func (r *CommandRunner) HasTests(path string) bool {
	cmd, ok := r.commands[conflict.DetectLanguage(path)]
	if !ok {
		return false
	}
	dir := filepath.Join(r.workdir, filepath.Dir(path))
	for _, pattern := range cmd.Patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}

// RunTests implements TestRunner. The original file content is restored
// afterwards.
func (r *CommandRunner) RunTests(ctx context.Context, path, content string) (bool, error) {
	spec, ok := r.commands[conflict.DetectLanguage(path)]
	if !ok || len(spec.Command) == 0 {
		return false, fmt.Errorf("no test command for %s", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	full := filepath.Join(r.workdir, path)
	original, readErr := os.ReadFile(full)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("writing candidate for tests: %w", err)
	}
	defer func() {
		if readErr == nil {
			_ = os.WriteFile(full, original, 0o644)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := expandArgs(spec.Command, path)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.workdir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return false, fmt.Errorf("%w after %s: %s", ErrTestTimeout, r.timeout, path)
		}
		return false, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("running tests for %s: %w", path, err)
	}
	return true, nil
}

func expandArgs(command []string, path string) []string {
	dir := "./" + filepath.ToSlash(filepath.Dir(path))
	if dir == "./." {
		dir = "."
	}
	args := make([]string, len(command))
	for i, a := range command {
		a = strings.ReplaceAll(a, "{dir}", dir)
		a = strings.ReplaceAll(a, "{file}", path)
		args[i] = a
	}
	return args
}
