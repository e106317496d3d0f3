package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/jobcore/internal/candidate"
	"github.com/fyrsmithlabs/jobcore/internal/conflict"
	"github.com/fyrsmithlabs/jobcore/internal/validation"
)

const goFile = `package main

import "fmt"

func greet(name string) string {
<<<<<<< HEAD
	msg := fmt.Sprintf("hello %s", name)
=======
	msg := fmt.Sprintf("hi %s", name)
>>>>>>> feature
	return msg
}
`

func jsonFile(ours, theirs string) string {
	return "{\n<<<<<<< HEAD\n" + ours + "\n=======\n" + theirs + "\n>>>>>>> feature\n}\n"
}

func mustParse(t *testing.T, path, content string, opts ...conflict.Option) conflict.File {
	t.Helper()
	f, err := conflict.Parse(path, []byte(content), opts...)
	require.NoError(t, err)
	return *f
}

func newValidator(t *testing.T) *validation.Validator {
	t.Helper()
	v, err := validation.New()
	require.NoError(t, err)
	return v
}

// mapGenerator returns a fixed candidate per file path.
func mapGenerator(candidates map[string]string, calls *atomic.Int32) candidate.Generator {
	return candidate.GeneratorFunc(func(ctx context.Context, req candidate.Request) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		c, ok := candidates[req.FilePath]
		if !ok {
			return "", fmt.Errorf("no candidate for %s", req.FilePath)
		}
		return c, nil
	})
}

func TestPipeline_AIValidated(t *testing.T) {
	audit := NewMemoryAuditLog()
	var applied sync.Map
	p := NewPipeline(newValidator(t),
		WithGenerator(mapGenerator(map[string]string{
			"greet.go": "\tmsg := fmt.Sprintf(\"hello there %s\", name)",
		}, nil)),
		WithAuditLog(audit),
		WithApplier(ApplierFunc(func(ctx context.Context, path, content string) error {
			applied.Store(path, content)
			return nil
		})),
	)

	res, err := p.Resolve(context.Background(), "job-1", []conflict.File{mustParse(t, "greet.go", goFile)}, "main")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.NoError(t, res.Err())
	require.Len(t, res.Attempts, 1)

	a := res.Attempts[0]
	assert.Equal(t, MethodAIValidated, a.Method)
	assert.True(t, a.Success)
	assert.Equal(t, validation.OutcomePass, a.Checks[validation.CheckSyntax])
	assert.Equal(t, validation.OutcomeNotApplicable, a.Checks[validation.CheckTests])
	assert.Contains(t, a.Input.Context, "[conflict]")

	content, ok := applied.Load("greet.go")
	require.True(t, ok)
	assert.Contains(t, content, "hello there")
	assert.NotContains(t, content, conflict.MarkerOurs)
	assert.Equal(t, content, res.Files[0].Content)
	assert.Equal(t, 1, audit.Len())
}

func TestPipeline_SecurityRejectedFallsBack(t *testing.T) {
	p := NewPipeline(newValidator(t),
		WithGenerator(mapGenerator(map[string]string{
			"greet.go": "\tmsg := fmt.Sprintf(\"hello %s\", name)\n\t_ = exec.Command(\"sh\", \"-c\", name).Run()",
		}, nil)),
	)

	res, err := p.Resolve(context.Background(), "job-1", []conflict.File{mustParse(t, "greet.go", goFile)}, "main")
	require.NoError(t, err)
	require.True(t, res.Resolved)

	a := res.Attempts[0]
	assert.Equal(t, MethodFallbackOurs, a.Method)
	assert.Equal(t, validation.OutcomePass, a.Checks[validation.CheckSyntax])
	assert.Equal(t, validation.OutcomeFail, a.Checks[validation.CheckSecurity])
	assert.Equal(t, validation.OutcomeSkipped, a.Checks[validation.CheckSemantic])
	require.NotEmpty(t, a.Findings)
	assert.Equal(t, "go-os-exec", a.Findings[0].RuleID)
	assert.Contains(t, a.Candidate, "exec.Command")
	assert.NotContains(t, res.Files[0].Content, "exec.Command")
	assert.Contains(t, res.Files[0].Content, "hello %s")
}

func TestPipeline_ThreeConflictScenario(t *testing.T) {
	audit := NewMemoryAuditLog()
	files := []conflict.File{
		mustParse(t, "a.json", jsonFile(`  "name": "a"`, `  "name": "b"`)),
		mustParse(t, "b.json", jsonFile(`  "size": 1`, `  "size": 2`)),
		mustParse(t, "c.json", jsonFile(`  "mode": `, `  "mode" "x"`)),
	}
	p := NewPipeline(newValidator(t),
		WithGenerator(mapGenerator(map[string]string{
			"a.json": `  "name": "ab"`,
			"b.json": `  "size": 3`,
			"c.json": `  "mode": ,`,
		}, nil)),
		WithAuditLog(audit),
	)

	res, err := p.Resolve(context.Background(), "job-3", files, "main")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Equal(t, []string{"c.json"}, res.BlockingFiles())

	var unresolvable *UnresolvableConflict
	require.ErrorAs(t, res.Err(), &unresolvable)
	require.Len(t, unresolvable.Files, 1)
	assert.Equal(t, "c.json", unresolvable.Files[0].Path)
	assert.Equal(t, 2, unresolvable.Files[0].Line)
	assert.Contains(t, unresolvable.Error(), "c.json:2")

	recorded, err := audit.List(context.Background(), "job-3")
	require.NoError(t, err)
	require.Len(t, recorded, 3)

	var validated int
	for _, a := range recorded {
		if a.Method == MethodAIValidated {
			validated++
			assert.True(t, a.Success)
		}
	}
	assert.Equal(t, 2, validated)

	assert.True(t, res.Files[0].Resolved)
	assert.True(t, res.Files[1].Resolved)
	assert.False(t, res.Files[2].Resolved)
	assert.Equal(t, MethodManual, res.Files[2].Attempts[0].Method)
}

func TestPipeline_BinaryNeverReachesGenerator(t *testing.T) {
	var calls atomic.Int32
	p := NewPipeline(newValidator(t), WithGenerator(mapGenerator(nil, &calls)))

	bin := mustParse(t, "logo.png", "\x89PNG\r\n\x1a\n\x00\x00binary")
	require.True(t, bin.Binary)

	res, err := p.Resolve(context.Background(), "job-b", []conflict.File{bin}, "main")
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, res.Resolved)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, MethodManual, res.Attempts[0].Method)
	assert.Empty(t, res.Attempts[0].Input.Ours)
}

func TestPipeline_ManualStopsFile(t *testing.T) {
	content := "{\n" +
		"<<<<<<< HEAD\n  \"a\": \n=======\n  \"a\" 1\n>>>>>>> feature\n" +
		"  ,\n" +
		"<<<<<<< HEAD\n  \"b\": 1\n=======\n  \"b\": 2\n>>>>>>> feature\n" +
		"}\n"
	var calls atomic.Int32
	p := NewPipeline(newValidator(t), WithGenerator(mapGenerator(map[string]string{"x.json": "  \"a\" ::"}, &calls)))

	res, err := p.Resolve(context.Background(), "job-m", []conflict.File{mustParse(t, "x.json", content)}, "main")
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Len(t, res.Attempts, 1, "second conflict must not be attempted")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, res.Files[0].BlockingLine)
}

func TestPipeline_NoGeneratorUsesStrategy(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		want     Method
		contains string
	}{
		{"ours first", OursFirst, MethodFallbackOurs, "hello %s"},
		{"theirs first", TheirsFirst, MethodFallbackTheirs, "hi %s"},
		{"manual only", ManualOnly, MethodManual, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(newValidator(t), WithStrategy(tt.strategy))
			res, err := p.Resolve(context.Background(), "job", []conflict.File{mustParse(t, "greet.go", goFile)}, "main")
			require.NoError(t, err)
			require.Len(t, res.Attempts, 1)
			assert.Equal(t, tt.want, res.Attempts[0].Method)
			assert.Equal(t, tt.strategy.Name, res.Attempts[0].Strategy)
			if tt.contains != "" {
				assert.Contains(t, res.Files[0].Content, tt.contains)
			}
		})
	}
}

func TestPipeline_GeneratorTimeoutIsRetryable(t *testing.T) {
	audit := NewMemoryAuditLog()
	gen := candidate.GeneratorFunc(func(ctx context.Context, req candidate.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p := NewPipeline(newValidator(t),
		WithGenerator(gen),
		WithAuditLog(audit),
		WithGenerateTimeout(20*time.Millisecond),
	)

	_, err := p.Resolve(context.Background(), "job-t", []conflict.File{mustParse(t, "greet.go", goFile)}, "main")
	var rpe *RetryablePipelineError
	require.ErrorAs(t, err, &rpe)
	assert.True(t, rpe.Timeout)
	assert.Equal(t, "greet.go", rpe.FilePath)
	assert.Equal(t, 0, audit.Len())
}

func TestPipeline_GeneratorUnavailableIsRetryable(t *testing.T) {
	gen := candidate.GeneratorFunc(func(ctx context.Context, req candidate.Request) (string, error) {
		return "", &candidate.RetryableError{Err: errors.New("server error (503)")}
	})
	p := NewPipeline(newValidator(t), WithGenerator(gen))

	_, err := p.Resolve(context.Background(), "job", []conflict.File{mustParse(t, "greet.go", goFile)}, "main")
	var rpe *RetryablePipelineError
	require.ErrorAs(t, err, &rpe)
	assert.False(t, rpe.Timeout)
}

func TestPipeline_GeneratorPermanentErrorFallsBack(t *testing.T) {
	gen := candidate.GeneratorFunc(func(ctx context.Context, req candidate.Request) (string, error) {
		return "", errors.New("api error (400)")
	})
	p := NewPipeline(newValidator(t), WithGenerator(gen))

	res, err := p.Resolve(context.Background(), "job", []conflict.File{mustParse(t, "greet.go", goFile)}, "main")
	require.NoError(t, err)
	assert.Equal(t, MethodFallbackOurs, res.Attempts[0].Method)
	assert.Contains(t, res.Attempts[0].Rationale, "api error (400)")
}

func TestPipeline_CancellationKeepsAudit(t *testing.T) {
	audit := NewMemoryAuditLog()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	content := "{\n" +
		"<<<<<<< HEAD\n  \"a\": 1\n=======\n  \"a\": 2\n>>>>>>> feature\n" +
		"  ,\n" +
		"<<<<<<< HEAD\n  \"b\": 1\n=======\n  \"b\": 2\n>>>>>>> feature\n" +
		"}\n"
	var calls atomic.Int32
	gen := candidate.GeneratorFunc(func(_ context.Context, req candidate.Request) (string, error) {
		if calls.Add(1) == 1 {
			// Cancel after the first conflict; the checkpoint stops the second.
			defer cancel()
			return `  "a": 3`, nil
		}
		return `  "b": 3`, nil
	})
	applied := false
	p := NewPipeline(newValidator(t),
		WithGenerator(gen),
		WithAuditLog(audit),
		WithApplier(ApplierFunc(func(context.Context, string, string) error {
			applied = true
			return nil
		})),
	)

	res, err := p.Resolve(ctx, "job-c", []conflict.File{mustParse(t, "x.json", content)}, "main")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.False(t, res.Resolved)
	assert.False(t, applied)
	assert.LessOrEqual(t, audit.Len(), 1)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPipeline_ParallelFilesSerializedApply(t *testing.T) {
	const n = 8
	files := make([]conflict.File, 0, n)
	candidates := make(map[string]string, n)
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("f%d.json", i)
		files = append(files, mustParse(t, path, jsonFile(`  "k": 1`, `  "k": 2`)))
		candidates[path] = `  "k": 3`
	}

	var active, maxActive atomic.Int32
	p := NewPipeline(newValidator(t),
		WithGenerator(mapGenerator(candidates, nil)),
		WithConcurrency(4),
		WithApplier(ApplierFunc(func(context.Context, string, string) error {
			cur := active.Add(1)
			defer active.Add(-1)
			for {
				prev := maxActive.Load()
				if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			return nil
		})),
	)

	res, err := p.Resolve(context.Background(), "job-p", files, "main")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Len(t, res.Attempts, n)
	assert.Equal(t, int32(1), maxActive.Load())
	for i, f := range res.Files {
		assert.Equal(t, fmt.Sprintf("f%d.json", i), f.Path)
	}
}

func TestPipeline_ContextWindowBounded(t *testing.T) {
	p := NewPipeline(newValidator(t), WithMaxContextBytes(20))
	c := conflict.Conflict{
		Before: []string{"far before line", "near before"},
		After:  []string{"near after", "far after line"},
	}
	window := p.contextWindow(c)
	assert.Contains(t, window, "[conflict]")
	assert.NotContains(t, window, "far before")
	assert.NotContains(t, window, "far after")
	assert.LessOrEqual(t, len(strings.ReplaceAll(window, "[conflict]\n", "")), 20)
}

func TestPipeline_WithWorktreeSharesAudit(t *testing.T) {
	audit := NewMemoryAuditLog()
	base := NewPipeline(newValidator(t), WithAuditLog(audit), WithStrategy(TheirsFirst))

	var written []string
	bound := base.WithWorktree(ApplierFunc(func(_ context.Context, path, _ string) error {
		written = append(written, path)
		return nil
	}))
	assert.Equal(t, TheirsFirst.Name, bound.Strategy().Name)

	res, err := bound.Resolve(context.Background(), "job-wt", []conflict.File{
		mustParse(t, "a.json", jsonFile(`  "a": 1`, `  "a": 2`)),
	}, "main")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, []string{"a.json"}, written)
	assert.Equal(t, 1, audit.Len())
}
