package embedder

import (
	"fmt"
	"log/slog"

	"github.com/soundprediction/factmemory/pkg/config"
	"github.com/soundprediction/factmemory/pkg/nlp"
)

// NewFromConfig builds the configured provider and stacks the wrappers:
// rate limit innermost, then circuit breaker, then retry.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (Client, error) {
	ec := cfg.Embedding
	base := Config{
		Model:      ec.Model,
		BatchSize:  ec.BatchSize,
		Dimensions: ec.Dimensions,
		BaseURL:    ec.BaseURL,
	}

	var client Client
	switch ec.Provider {
	case "openai":
		client = NewOpenAIEmbedder(ec.APIKey, base)
	case "embedeverything":
		ee, err := NewEmbedEverythingClient(base)
		if err != nil {
			return nil, err
		}
		client = ee
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", ec.Provider)
	}

	if ec.RequestsPerSecond > 0 {
		client = NewRateLimitedClient(client, ec.RequestsPerSecond, 1)
	}
	if cfg.CircuitBreaker.Enabled {
		client = NewCircuitBreakerClient(client, cfg.CircuitBreaker, logger, "embedder")
	}
	return NewRetryClient(client, nlp.RetryConfigFrom(cfg.Retry)), nil
}
