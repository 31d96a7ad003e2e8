package embedder

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/soundprediction/factmemory/pkg/utils"
)

const defaultOpenAIModel = "text-embedding-3-small"

// OpenAIEmbedder implements Client over the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	config Config
}

// NewOpenAIEmbedder creates a new OpenAI embedder. A BaseURL targets an
// OpenAI-compatible service.
func NewOpenAIEmbedder(apiKey string, config Config) *OpenAIEmbedder {
	if config.Model == "" {
		config.Model = defaultOpenAIModel
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Dimensions <= 0 {
		config.Dimensions = defaultDimensions(config.Model)
	}

	var client *openai.Client
	if config.BaseURL != "" {
		if apiKey == "" {
			apiKey = "dummy-key"
		}
		clientConfig := openai.DefaultConfig(apiKey)
		clientConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
		if !strings.HasSuffix(clientConfig.BaseURL, "/v1") {
			clientConfig.BaseURL += "/v1"
		}
		client = openai.NewClientWithConfig(clientConfig)
	} else {
		client = openai.NewClient(apiKey)
	}

	return &OpenAIEmbedder{client: client, config: config}
}

func defaultDimensions(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-ada-002", "text-embedding-3-small":
		return 1536
	default:
		return 1536
	}
}

// Embed generates embeddings, one request per batch. Results are placed by
// the index the service reports.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range utils.Batch(texts, e.config.BatchSize) {
		req := openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(e.config.Model),
		}
		if strings.HasPrefix(e.config.Model, "text-embedding-3") {
			req.Dimensions = e.config.Dimensions
		}

		resp, err := e.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(resp.Data), len(batch))
		}

		ordered := make([][]float32, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) || ordered[d.Index] != nil {
				return nil, fmt.Errorf("embedding service returned invalid index %d", d.Index)
			}
			ordered[d.Index] = d.Embedding
		}
		out = append(out, ordered...)
	}
	return out, nil
}

// EmbedSingle generates an embedding for a single text.
func (e *OpenAIEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return embedSingle(ctx, e, text)
}

// Dimensions returns the number of dimensions in the embeddings.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// Close cleans up resources (no-op for OpenAI client).
func (e *OpenAIEmbedder) Close() error {
	return nil
}
