// Package nlp provides the language model clients used to extract facts from
// chapter text.
//
// The Client interface is implemented by OpenAIClient, which speaks to OpenAI
// and OpenAI-compatible services (Ollama, vLLM, etc.) through go-openai.
//
// # Client Wrappers
//
//   - RetryClient: classified retry with exponential backoff
//   - CircuitBreakerClient: circuit breaker pattern for fault tolerance
//
// The generic Retry helper carries the same policy for any operation, and is
// shared with the embedding clients.
//
// # Fact Extraction
//
// FactExtractor prompts a Client for a list of atomic facts and tolerates the
// usual model output damage: think tags, code fences, truncated JSON (repaired
// with jsonrepair) and YAML lists.
//
// # Usage
//
//	client, err := nlp.NewOpenAIClient(apiKey, nlp.Config{Model: "gpt-4o-mini"})
//	extractor := nlp.NewFactExtractor(nlp.NewRetryClient(client, nlp.DefaultRetryConfig()), nil)
//	facts, err := extractor.ExtractFacts(ctx, content, "Chapter 1")
//
// # Error Handling
//
// The package defines specific error types for common failure modes:
//   - RateLimitError: API rate limit exceeded (retryable)
//   - RefusalError: Model refused to generate content (terminal)
//   - EmptyResponseError: Model returned empty response (terminal)
//   - MalformedResponseError: Model output could not be parsed (terminal)
//
// These errors support errors.Is() for type checking.
package nlp
