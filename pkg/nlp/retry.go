package nlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/soundprediction/factmemory/pkg/config"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int
	// InitialDelay is the initial delay before the first retry (default: 1 second)
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries (default: 60 seconds)
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigFrom converts configuration values into a RetryConfig; unset
// values keep their defaults.
func RetryConfigFrom(rc config.RetryConfig) *RetryConfig {
	out := DefaultRetryConfig()
	if rc.MaxRetries != nil && *rc.MaxRetries >= 0 {
		out.MaxRetries = *rc.MaxRetries
	}
	if rc.InitialDelay > 0 {
		out.InitialDelay = rc.InitialDelay
	}
	if rc.MaxDelay > 0 {
		out.MaxDelay = rc.MaxDelay
	}
	if rc.BackoffMultiplier > 0 {
		out.BackoffMultiplier = rc.BackoffMultiplier
	}
	return out
}

// withDefaults returns a copy of config with unset fields filled in.
func (c *RetryConfig) withDefaults() RetryConfig {
	if c == nil {
		return *DefaultRetryConfig()
	}
	out := *c
	if out.MaxRetries < 0 {
		out.MaxRetries = 3
	}
	if out.InitialDelay <= 0 {
		out.InitialDelay = 1 * time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 60 * time.Second
	}
	if out.BackoffMultiplier <= 0 {
		out.BackoffMultiplier = 2.0
	}
	return out
}

// Delay returns the backoff before the given retry attempt (1-based):
// InitialDelay * BackoffMultiplier^(attempt-1), capped at MaxDelay.
func (c *RetryConfig) Delay(attempt int) time.Duration {
	cfg := c.withDefaults()
	if attempt < 1 {
		return 0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Retry runs op until it succeeds, returns a terminal error, or the retry
// budget is spent. Waits between attempts honour ctx. On exhaustion the last
// error is wrapped so callers can still match it with errors.Is.
func Retry[T any](ctx context.Context, config *RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	cfg := config.withDefaults()
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.Delay(attempt)
			slog.Default().Debug("retrying after transient failure",
				"attempt", attempt, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, err
		}
		if !IsRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// IsRetryable reports whether err is transient. Rate limits, timeouts,
// connection failures and 5xx responses are retryable; refusals, empty or
// malformed output, validation failures and cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, &RefusalError{}) || errors.Is(err, ErrRefusal) {
		return false
	}
	if errors.Is(err, &EmptyResponseError{}) || errors.Is(err, ErrEmptyResponse) {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrInvalidModel) {
		return false
	}

	// Rate limit errors should be retried
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}
	if errors.Is(err, ErrRateLimit) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return retryableStatus(reqErr.HTTPStatusCode)
	}

	// Errors that expose their HTTP status code
	type httpErrorWithStatusCode interface {
		HTTPStatusCode() int
	}
	var httpErr httpErrorWithStatusCode
	if errors.As(err, &httpErr) {
		return retryableStatus(httpErr.HTTPStatusCode())
	}

	errMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"500", "internal server error",
		"502", "bad gateway",
		"503", "service unavailable",
		"504", "gateway timeout",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"rate limit",
		"too many requests",
		"429",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

func retryableStatus(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout
}

// RetryClient wraps an LLM client and adds retry logic with exponential backoff
type RetryClient struct {
	client Client
	config *RetryConfig
}

// NewRetryClient creates a new retry client wrapper
func NewRetryClient(client Client, config *RetryConfig) *RetryClient {
	cfg := config.withDefaults()
	return &RetryClient{
		client: client,
		config: &cfg,
	}
}

// Chat implements the Client interface with retry logic
func (r *RetryClient) Chat(ctx context.Context, messages []Message) (*Response, error) {
	return Retry(ctx, r.config, func(ctx context.Context) (*Response, error) {
		return r.client.Chat(ctx, messages)
	})
}

// ChatWithStructuredOutput implements the Client interface with retry logic
func (r *RetryClient) ChatWithStructuredOutput(ctx context.Context, messages []Message, schema any) (*Response, error) {
	return Retry(ctx, r.config, func(ctx context.Context) (*Response, error) {
		return r.client.ChatWithStructuredOutput(ctx, messages, schema)
	})
}

// Close implements the Client interface
func (r *RetryClient) Close() error {
	return r.client.Close()
}
