package candidate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	defaultBaseURL     = "https://api.anthropic.com"
	defaultModel       = "claude-sonnet-4-5"
	defaultMaxTokens   = 4096
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 2
	defaultBaseBackoff = 1 * time.Second
	defaultRateLimit   = 50.0 / 60.0
	defaultBurst       = 5
	anthropicVersion   = "2023-06-01"
)

// Config configures HTTPGenerator.
type Config struct {
	BaseURL    string        `koanf:"base_url"`
	Model      string        `koanf:"model"`
	APIKey     string        `koanf:"api_key"`
	MaxTokens  int           `koanf:"max_tokens"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	// RatePerMinute caps outbound requests; zero uses the default.
	RatePerMinute float64 `koanf:"rate_per_minute"`
	Burst         int     `koanf:"burst"`
}

// HTTPGenerator calls the Anthropic Messages API.
type HTTPGenerator struct {
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewHTTPGenerator creates a generator. logger may be nil.
func NewHTTPGenerator(cfg Config, logger *zap.Logger) (*HTTPGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key required", ErrNotConfigured)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &HTTPGenerator{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		backoff:    defaultBaseBackoff,
		logger:     logger.Named("generator"),
	}
	if g.model == "" {
		g.model = defaultModel
	}
	if g.baseURL == "" {
		g.baseURL = defaultBaseURL
	}
	if g.maxTokens <= 0 {
		g.maxTokens = defaultMaxTokens
	}
	if g.maxRetries < 0 {
		g.maxRetries = 0
	} else if cfg.MaxRetries == 0 {
		g.maxRetries = defaultMaxRetries
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	g.httpClient = &http.Client{Timeout: timeout}

	perSecond := defaultRateLimit
	if cfg.RatePerMinute > 0 {
		perSecond = cfg.RatePerMinute / 60.0
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)

	return g, nil
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const resolvePrompt = `You resolve git merge conflicts.

You receive one conflict region with its surrounding lines. Produce the code
that should replace the region, markers removed, combining the intent of both
sides. Keep every identifier both sides rely on. Do not add new imports,
process execution, dynamic evaluation or deserialization.

Respond with a single fenced code block containing only the replacement text.`

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	body := messagesRequest{
		Model:       g.model,
		MaxTokens:   g.maxTokens,
		System:      resolvePrompt,
		Temperature: 0,
		Messages: []message{{
			Role: "user",
			Content: fmt.Sprintf("File: %s\nLanguage: %s\nTarget branch: %s\n\nSurrounding context:\n%s\n\nConflict:\n%s\n",
				req.FilePath, req.Language, req.TargetBranch, req.Context, req.ConflictText),
		}},
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := g.do(ctx, body)
		if err == nil {
			code := ExtractCode(text)
			if strings.TrimSpace(code) == "" {
				return "", ErrEmptyCandidate
			}
			return code, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return "", err
		}
		g.logger.Debug("generator request failed, retrying",
			zap.String("file", req.FilePath),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (g *HTTPGenerator) do(ctx context.Context, body messagesRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", g.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &RetryableError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &RetryableError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &RetryableError{Err: fmt.Errorf("rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return "", &RetryableError{Err: fmt.Errorf("server error (%d)", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		var e apiError
		if json.Unmarshal(data, &e) == nil && e.Error.Message != "" {
			return "", fmt.Errorf("api error (%d): %s", resp.StatusCode, e.Error.Message)
		}
		return "", fmt.Errorf("api error (%d)", resp.StatusCode)
	}

	var out messagesResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	var sb strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String(), nil
}
