package nlp

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/soundprediction/factmemory/pkg/config"
)

// NewBreakerSettings builds gobreaker settings from configuration. Opening the
// breaker is logged at error level so telemetry picks it up.
func NewBreakerSettings(cfg config.CircuitBreakerConfig, logger *slog.Logger, name string) gobreaker.Settings {
	if logger == nil {
		logger = slog.Default()
	}
	ratio := cfg.ReadyToTripRatio
	if ratio <= 0 {
		ratio = 0.6
	}

	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.Interval) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= ratio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Error("circuit breaker tripped",
					"breaker", name, "from", from.String(), "to", to.String())
				return
			}
			logger.Info("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// CircuitBreakerClient wraps a Client with circuit breaking logic
type CircuitBreakerClient struct {
	client Client
	cb     *gobreaker.CircuitBreaker
	name   string
}

// NewCircuitBreakerClient creates a new circuit breaker client
func NewCircuitBreakerClient(client Client, cfg config.CircuitBreakerConfig, logger *slog.Logger, name string) *CircuitBreakerClient {
	return &CircuitBreakerClient{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(NewBreakerSettings(cfg, logger, name)),
		name:   name,
	}
}

// State reports the current breaker state.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.cb.State()
}

// Chat implements Client
func (c *CircuitBreakerClient) Chat(ctx context.Context, messages []Message) (*Response, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return c.client.Chat(ctx, messages)
	})

	if err != nil {
		return nil, err
	}
	return resp.(*Response), nil
}

// ChatWithStructuredOutput implements Client
func (c *CircuitBreakerClient) ChatWithStructuredOutput(ctx context.Context, messages []Message, schema any) (*Response, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return c.client.ChatWithStructuredOutput(ctx, messages, schema)
	})

	if err != nil {
		return nil, err
	}
	return resp.(*Response), nil
}

// Close implements Client
func (c *CircuitBreakerClient) Close() error {
	return c.client.Close()
}
