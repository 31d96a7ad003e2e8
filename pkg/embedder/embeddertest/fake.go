// Package embeddertest provides a deterministic embedder for tests.
package embeddertest

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/soundprediction/factmemory/pkg/utils"
)

// Embedder returns fixed vectors for known texts and a stable hash-derived
// unit vector for everything else.
type Embedder struct {
	mu      sync.Mutex
	dims    int
	vectors map[string][]float32

	// Err, when set, is returned by every Embed call.
	Err error

	calls   int
	batches [][]string
}

// New creates an Embedder producing vectors of the given dimension.
func New(dims int) *Embedder {
	return &Embedder{dims: dims, vectors: make(map[string][]float32)}
}

// Set pins the vector returned for text.
func (e *Embedder) Set(text string, vector []float32) *Embedder {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = vector
	return e
}

// Embed implements embedder.Client.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.batches = append(e.batches, append([]string(nil), texts...))
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vectorFor(t)
	}
	return out, nil
}

// EmbedSingle implements embedder.Client.
func (e *Embedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	v, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

// Dimensions implements embedder.Client.
func (e *Embedder) Dimensions() int { return e.dims }

// Close implements embedder.Client.
func (e *Embedder) Close() error { return nil }

// Calls returns how many times Embed was invoked.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Batches returns the inputs of every Embed call.
func (e *Embedder) Batches() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.batches...)
}

func (e *Embedder) vectorFor(text string) []float32 {
	if v, ok := e.vectors[text]; ok {
		return append([]float32(nil), v...)
	}
	v := make([]float32, e.dims)
	for i := range v {
		h := fnv.New32a()
		_, _ = h.Write([]byte{byte(i)})
		_, _ = h.Write([]byte(text))
		v[i] = float32(h.Sum32()%2000)/1000 - 1
	}
	if n := utils.Normalize(v); n != nil {
		return n
	}
	v[0] = 1
	return v
}
