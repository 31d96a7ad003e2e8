package nlp

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/soundprediction/factmemory/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerClient_OpensAfterFailures(t *testing.T) {
	mock := &mockClient{
		failUntilCall: 100,
		errorToReturn: errors.New("503 service unavailable"),
	}
	cb := NewCircuitBreakerClient(mock, config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      1,
		Interval:         60,
		Timeout:          60,
		ReadyToTripRatio: 0.5,
	}, nil, "test-llm")

	msgs := []Message{NewUserMessage("hello")}
	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), msgs)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Chat(context.Background(), msgs)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, mock.callCount)
}

func TestCircuitBreakerClient_PassesThrough(t *testing.T) {
	mock := &mockClient{}
	cb := NewCircuitBreakerClient(mock, config.CircuitBreakerConfig{MaxRequests: 1}, nil, "ok")

	resp, err := cb.Chat(context.Background(), []Message{NewUserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Content)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
