package embedder

import (
	"context"
	"fmt"
	"sync"

	"github.com/soundprediction/go-embedeverything/pkg/embedder"

	"github.com/soundprediction/factmemory/pkg/utils"
)

// EmbedEverythingClient implements the Client interface for local models
// loaded through go-embedeverything.
type EmbedEverythingClient struct {
	mu     sync.Mutex
	client *embedder.Embedder
	config Config
}

// NewEmbedEverythingClient loads config.Model and returns a client for it.
func NewEmbedEverythingClient(config Config) (*EmbedEverythingClient, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("embedeverything requires a model name")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}

	client, err := embedder.NewEmbedder(config.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return &EmbedEverythingClient{
		client: client,
		config: config,
	}, nil
}

// Embed generates embeddings for the given texts.
func (e *EmbedEverythingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, batch := range utils.Batch(texts, e.config.BatchSize) {
		// go-embedeverything does not support context yet
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.mu.Lock()
		embeddings, err := e.client.Embed(batch)
		e.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(embeddings) != len(batch) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(embeddings), len(batch))
		}
		out = append(out, embeddings...)
	}
	return out, nil
}

// EmbedSingle generates an embedding for a single text.
func (e *EmbedEverythingClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return embedSingle(ctx, e, text)
}

// Dimensions returns the number of dimensions in the embeddings.
func (e *EmbedEverythingClient) Dimensions() int {
	return e.config.Dimensions
}

// Close cleans up any resources.
func (e *EmbedEverythingClient) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client.Close()
	return nil
}
