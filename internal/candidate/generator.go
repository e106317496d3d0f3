// Package candidate requests candidate conflict resolutions from an external
// text-generation service.
package candidate

import (
	"context"
	"errors"
	"strings"
)

// Request carries everything the generator may see about one conflict.
// Binary conflicts never produce a Request.
type Request struct {
	FilePath     string
	Language     string
	TargetBranch string
	// Context is the bounded window of surrounding lines.
	Context string
	// ConflictText is the region including markers.
	ConflictText string
}

// Generator returns one candidate replacement for a conflict region.
// Implementations must honor ctx cancellation; callers apply a hard timeout.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Errors.
var (
	ErrEmptyCandidate = errors.New("generator returned an empty candidate")
	ErrNotConfigured  = errors.New("generator is not configured")
)

// RetryableError marks a transient generator failure (network, 429, 5xx).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying later: a marked
// transient failure or a deadline.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	return errors.As(err, &re) || errors.Is(err, context.DeadlineExceeded)
}

// ExtractCode returns the body of the first fenced code block in text, or
// the trimmed text when there is none.
func ExtractCode(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return strings.Trim(text, "\n")
	}
	rest := text[start+3:]
	// Skip the info string (language tag).
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return strings.Trim(text, "\n")
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimRight(rest, "\n")
	}
	return strings.TrimRight(rest[:end], "\n")
}
