// Package embedder provides text embedding clients for vector representations.
//
// This package defines the Client interface and provides implementations for
// OpenAI (and OpenAI-compatible services) and for local models through
// go-embedeverything.
//
// # Usage
//
//	e := embedder.NewOpenAIEmbedder(apiKey, embedder.Config{
//	    Model:     "text-embedding-3-small",
//	    BatchSize: 100,
//	})
//	vectors, err := e.Embed(ctx, []string{"hello world"})
//
// # Client Wrappers
//
//   - RetryClient: classified retry with exponential backoff (nlp.Retry)
//   - CircuitBreakerClient: sony/gobreaker around the provider
//   - RateLimitedClient: token bucket limit on provider calls
//
// Callers must not assume that a provider returns vectors in input order for
// every backend; the embedding cache correlates results by text.
package embedder
