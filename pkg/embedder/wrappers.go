package embedder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/soundprediction/factmemory/pkg/config"
	"github.com/soundprediction/factmemory/pkg/nlp"
)

// RetryClient retries transient embedding failures using the nlp retry policy.
type RetryClient struct {
	client Client
	config *nlp.RetryConfig
}

// NewRetryClient wraps client with retry. A nil config uses nlp.DefaultRetryConfig.
func NewRetryClient(client Client, config *nlp.RetryConfig) *RetryClient {
	if config == nil {
		config = nlp.DefaultRetryConfig()
	}
	return &RetryClient{client: client, config: config}
}

// Embed implements Client with retry logic.
func (r *RetryClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nlp.Retry(ctx, r.config, func(ctx context.Context) ([][]float32, error) {
		return r.client.Embed(ctx, texts)
	})
}

// EmbedSingle implements Client with retry logic.
func (r *RetryClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return embedSingle(ctx, r, text)
}

// Dimensions implements Client.
func (r *RetryClient) Dimensions() int { return r.client.Dimensions() }

// Close implements Client.
func (r *RetryClient) Close() error { return r.client.Close() }

// CircuitBreakerClient stops calling a failing embedding service until it recovers.
type CircuitBreakerClient struct {
	client Client
	cb     *gobreaker.CircuitBreaker
}

// NewCircuitBreakerClient creates a new circuit breaker client.
func NewCircuitBreakerClient(client Client, cfg config.CircuitBreakerConfig, logger *slog.Logger, name string) *CircuitBreakerClient {
	return &CircuitBreakerClient{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(nlp.NewBreakerSettings(cfg, logger, name)),
	}
}

// Embed implements Client.
func (c *CircuitBreakerClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return c.client.Embed(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return resp.([][]float32), nil
}

// EmbedSingle implements Client.
func (c *CircuitBreakerClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return embedSingle(ctx, c, text)
}

// State reports the current breaker state.
func (c *CircuitBreakerClient) State() gobreaker.State { return c.cb.State() }

// Dimensions implements Client.
func (c *CircuitBreakerClient) Dimensions() int { return c.client.Dimensions() }

// Close implements Client.
func (c *CircuitBreakerClient) Close() error { return c.client.Close() }

// RateLimitedClient spaces out provider calls with a token bucket.
type RateLimitedClient struct {
	client  Client
	limiter *rate.Limiter
}

// NewRateLimitedClient allows requestsPerSecond sustained calls with the given burst.
func NewRateLimitedClient(client Client, requestsPerSecond float64, burst int) *RateLimitedClient {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Embed waits for a token, then calls the wrapped client.
func (r *RateLimitedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	return r.client.Embed(ctx, texts)
}

// EmbedSingle implements Client.
func (r *RateLimitedClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return embedSingle(ctx, r, text)
}

// Dimensions implements Client.
func (r *RateLimitedClient) Dimensions() int { return r.client.Dimensions() }

// Close implements Client.
func (r *RateLimitedClient) Close() error { return r.client.Close() }

var (
	_ Client = (*OpenAIEmbedder)(nil)
	_ Client = (*EmbedEverythingClient)(nil)
	_ Client = (*RetryClient)(nil)
	_ Client = (*CircuitBreakerClient)(nil)
	_ Client = (*RateLimitedClient)(nil)
)
