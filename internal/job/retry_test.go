package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/jobcore/internal/repolock"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
	"github.com/fyrsmithlabs/jobcore/internal/validation"
)

func TestRetryConfig_Backoff(t *testing.T) {
	c := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2}
	assert.Equal(t, time.Second, c.Backoff(0))
	assert.Equal(t, 2*time.Second, c.Backoff(1))
	assert.Equal(t, 8*time.Second, c.Backoff(3))
	assert.Equal(t, 10*time.Second, c.Backoff(4))
	assert.Equal(t, 10*time.Second, c.Backoff(1000))
}

func TestRetryConfig_ApplyDefaults(t *testing.T) {
	c := RetryConfig{MaxRetries: 0}
	c.ApplyDefaults()
	d := DefaultRetryConfig()
	assert.Equal(t, 0, c.MaxRetries, "zero retries is a valid setting")
	assert.Equal(t, d.InitialBackoff, c.InitialBackoff)
	assert.Equal(t, d.MaxBackoff, c.MaxBackoff)
	assert.Equal(t, d.BackoffMultiplier, c.BackoffMultiplier)
	assert.Equal(t, d.MaxConsecutiveTimeouts, c.MaxConsecutiveTimeouts)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"nil", nil, KindNone, false},
		{
			"unresolvable",
			fmt.Errorf("resolve: %w", &resolution.UnresolvableConflict{Files: []resolution.BlockedFile{{Path: "c.json", Line: 2}}}),
			KindUnresolvableConflict, false,
		},
		{"security", &validation.SecurityRejected{FilePath: "a.go"}, KindSecurityRejected, false},
		{"pipeline unavailable", &resolution.RetryablePipelineError{Err: errors.New("503")}, KindRetryable, true},
		{"pipeline timeout", &resolution.RetryablePipelineError{Timeout: true, Err: context.DeadlineExceeded}, KindTimeout, true},
		{"lease lost", fmt.Errorf("%w: push", repolock.ErrLeaseLost), KindLeaseLost, true},
		{"marked retryable", Retryable(errors.New("clone failed")), KindRetryable, true},
		{"deadline", context.DeadlineExceeded, KindTimeout, true},
		{"interrupted", context.Canceled, KindInterrupted, true},
		{"other", errors.New("boom"), KindInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Classify(tt.err)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.retryable, out.Retryable)
		})
	}

	out := Classify(&resolution.UnresolvableConflict{Files: []resolution.BlockedFile{{Path: "c.json", Line: 2}}})
	assert.Equal(t, []string{"c.json:2"}, out.BlockingFiles)
	assert.Nil(t, Retryable(nil))
}
