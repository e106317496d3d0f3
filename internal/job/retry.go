package job

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/jobcore/internal/repolock"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
	"github.com/fyrsmithlabs/jobcore/internal/validation"
)

// RetryConfig configures automatic retries of failed jobs.
type RetryConfig struct {
	// MaxRetries is the default retry budget for new jobs.
	// Default: 3
	MaxRetries int `koanf:"max_retries"`

	// InitialBackoff is the delay before the first retry.
	// Default: 1 second
	InitialBackoff time.Duration `koanf:"initial_backoff"`

	// MaxBackoff caps the delay between retries.
	// Default: 30 seconds
	MaxBackoff time.Duration `koanf:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`

	// MaxConsecutiveTimeouts fails a job terminally after this many timed out
	// attempts in a row.
	// Default: 3
	MaxConsecutiveTimeouts int `koanf:"max_consecutive_timeouts"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:             3,
		InitialBackoff:         time.Second,
		MaxBackoff:             30 * time.Second,
		BackoffMultiplier:      2.0,
		MaxConsecutiveTimeouts: 3,
	}
}

// ApplyDefaults sets default values for unset fields. MaxRetries is left
// alone because zero is a meaningful "never retry".
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if c.MaxConsecutiveTimeouts <= 0 {
		c.MaxConsecutiveTimeouts = defaults.MaxConsecutiveTimeouts
	}
}

// Backoff returns the delay before retry number attempt (0-based), capped
// at MaxBackoff.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if d > float64(c.MaxBackoff) || math.IsInf(d, 0) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Outcome is the classification of a Runner error.
type Outcome struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	// BlockingFiles is set for unresolvable conflicts.
	BlockingFiles []string
}

// Classify maps a Runner error onto the job error taxonomy. nil is not an
// error and yields KindNone.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{}
	}
	out := Outcome{Message: err.Error()}

	var (
		unresolvable *resolution.UnresolvableConflict
		rejected     *validation.SecurityRejected
		pipeline     *resolution.RetryablePipelineError
		retryable    *RetryableError
	)
	switch {
	case errors.As(err, &unresolvable):
		out.Kind = KindUnresolvableConflict
		for _, f := range unresolvable.Files {
			out.BlockingFiles = append(out.BlockingFiles, fmt.Sprintf("%s:%d", f.Path, f.Line))
		}
	case errors.As(err, &rejected):
		out.Kind = KindSecurityRejected
	case errors.As(err, &pipeline):
		out.Kind = KindRetryable
		if pipeline.Timeout {
			out.Kind = KindTimeout
		}
		out.Retryable = true
	case errors.Is(err, repolock.ErrLeaseLost):
		out.Kind = KindLeaseLost
		out.Retryable = true
	case errors.As(err, &retryable):
		out.Kind = KindRetryable
		out.Retryable = true
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
		out.Retryable = true
	case errors.Is(err, context.Canceled):
		out.Kind = KindInterrupted
		out.Retryable = true
	default:
		out.Kind = KindInternal
	}
	return out
}
