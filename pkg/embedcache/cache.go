// Package embedcache maps exact text to a previously computed embedding so the
// embedding service is called at most once per distinct text.
//
// Keys are compared byte for byte: "Foo" and "foo" are different entries. The
// backing Repository enforces one row per text with a uniqueness constraint,
// and GetOrCreate relies on an insert-if-absent primitive so concurrent
// callers converge on the same row.
package embedcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/factmemory/pkg/embedder"
	"github.com/soundprediction/factmemory/pkg/metrics"
	"github.com/soundprediction/factmemory/pkg/types"
	"github.com/soundprediction/factmemory/pkg/utils"
)

var (
	// ErrEmptyText is returned for an empty cache key.
	ErrEmptyText = types.ErrEmptyText

	// ErrDimensionMismatch is returned when a vector does not have the configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Repository persists cached embeddings.
type Repository interface {
	// GetEmbeddingByText returns the row for text, or nil if there is none.
	GetEmbeddingByText(ctx context.Context, text string) (*types.CachedEmbedding, error)

	// GetEmbeddingsByText returns the rows found for texts in no particular order.
	GetEmbeddingsByText(ctx context.Context, texts []string) ([]*types.CachedEmbedding, error)

	// InsertEmbedding inserts a new row. It fails if the text already exists.
	InsertEmbedding(ctx context.Context, e *types.CachedEmbedding) error

	// InsertEmbeddingIfAbsent inserts e unless its text exists, and returns the
	// stored row either way.
	InsertEmbeddingIfAbsent(ctx context.Context, e *types.CachedEmbedding) (*types.CachedEmbedding, error)

	// UpdateEmbeddingTags replaces the feature tags of a row.
	UpdateEmbeddingTags(ctx context.Context, id string, tags []string) error

	// DeleteOrphanEmbeddings removes rows no fact references that were last
	// updated before cutoff, returning how many were removed.
	DeleteOrphanEmbeddings(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds optional cache settings.
type Config struct {
	// Dimensions, when positive, is enforced on every vector written.
	Dimensions int
	// Model is recorded on new rows.
	Model string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Cache is the embedding cache.
type Cache struct {
	repo     Repository
	embedder embedder.Client
	dims     int
	model    string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Cache over repo, computing misses with emb.
func New(repo Repository, emb embedder.Client, config *Config) *Cache {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		repo:     repo,
		embedder: emb,
		dims:     config.Dimensions,
		model:    config.Model,
		logger:   logger,
		metrics:  config.Metrics,
	}
}

// LookupOne returns the cached embedding for exactly text, or nil on a miss.
func (c *Cache) LookupOne(ctx context.Context, text string) (*types.CachedEmbedding, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	e, err := c.repo.GetEmbeddingByText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to look up embedding: %w", err)
	}
	return e, nil
}

// LookupMany returns the cached embeddings found for texts. The result is a
// subset in no particular order; callers determine misses by text.
func (c *Cache) LookupMany(ctx context.Context, texts []string) ([]*types.CachedEmbedding, error) {
	keys := make([]string, 0, len(texts))
	for _, t := range utils.UniqueStrings(texts) {
		if t != "" {
			keys = append(keys, t)
		}
	}
	if len(keys) == 0 {
		return []*types.CachedEmbedding{}, nil
	}
	found, err := c.repo.GetEmbeddingsByText(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to look up embeddings: %w", err)
	}
	return found, nil
}

// Insert always attempts to create a new row for text. It fails if the text
// is already cached; use GetOrCreate for the race-free form.
func (c *Cache) Insert(ctx context.Context, text string, vector []float32, tags []string) (*types.CachedEmbedding, error) {
	e, err := c.newEntry(text, vector, tags)
	if err != nil {
		return nil, err
	}
	if err := c.repo.InsertEmbedding(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to insert embedding: %w", err)
	}
	return e, nil
}

// GetOrCreate stores vector for text unless text is already cached, and
// returns the stored row. When the existing row lacks any of tags they are
// added; its vector is left untouched.
func (c *Cache) GetOrCreate(ctx context.Context, text string, vector []float32, tags []string) (*types.CachedEmbedding, error) {
	e, err := c.newEntry(text, vector, tags)
	if err != nil {
		return nil, err
	}
	stored, err := c.repo.InsertEmbeddingIfAbsent(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("failed to store embedding: %w", err)
	}
	return c.ensureTags(ctx, stored, tags)
}

// Resolve returns an embedding for every distinct non-empty text, keyed by
// text. Cached texts are served from the repository; the rest are embedded in
// one batch call and stored with GetOrCreate.
func (c *Cache) Resolve(ctx context.Context, texts []string, tags []string) (map[string]*types.CachedEmbedding, error) {
	keys := make([]string, 0, len(texts))
	for _, t := range utils.UniqueStrings(texts) {
		if t == "" {
			return nil, ErrEmptyText
		}
		keys = append(keys, t)
	}
	out := make(map[string]*types.CachedEmbedding, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	found, err := c.LookupMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, e := range found {
		// Repositories without a uniqueness constraint may hold duplicates; keep the oldest.
		if prev, ok := out[e.Text]; ok && !e.CreatedAt.Before(prev.CreatedAt) {
			continue
		}
		out[e.Text] = e
	}

	misses := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			misses = append(misses, k)
		}
	}
	c.metrics.RecordCacheLookup(len(keys)-len(misses), len(misses))

	for text, e := range out {
		tagged, err := c.ensureTags(ctx, e, tags)
		if err != nil {
			return nil, err
		}
		out[text] = tagged
	}

	if len(misses) == 0 {
		return out, nil
	}

	start := time.Now()
	vectors, err := c.embedder.Embed(ctx, misses)
	c.metrics.RecordEmbeddingCall(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d texts: %w", len(misses), err)
	}
	if len(vectors) != len(misses) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(vectors), len(misses))
	}

	for i, text := range misses {
		e, err := c.GetOrCreate(ctx, text, vectors[i], tags)
		if err != nil {
			return nil, err
		}
		out[text] = e
	}

	c.logger.Debug("resolved embeddings",
		"texts", len(keys), "hits", len(keys)-len(misses), "misses", len(misses))
	return out, nil
}

// Embed resolves a single text through the cache.
func (c *Cache) Embed(ctx context.Context, text string, tags ...string) (*types.CachedEmbedding, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	resolved, err := c.Resolve(ctx, []string{text}, tags)
	if err != nil {
		return nil, err
	}
	return resolved[text], nil
}

// PruneOrphans deletes cached embeddings that no fact references and that
// have not been written for at least olderThan.
func (c *Cache) PruneOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		olderThan = 0
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	n, err := c.repo.DeleteOrphanEmbeddings(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune embeddings: %w", err)
	}
	c.metrics.RecordPruned(n)
	c.logger.Info("pruned orphaned embeddings", "deleted", n, "cutoff", cutoff)
	return n, nil
}

func (c *Cache) newEntry(text string, vector []float32, tags []string) (*types.CachedEmbedding, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if c.dims > 0 && len(vector) != c.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), c.dims)
	}
	now := time.Now().UTC()
	return &types.CachedEmbedding{
		ID:          uuid.New().String(),
		Text:        text,
		Vector:      vector,
		FeatureTags: normalizeTags(tags),
		Model:       c.model,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (c *Cache) ensureTags(ctx context.Context, e *types.CachedEmbedding, tags []string) (*types.CachedEmbedding, error) {
	missing := false
	for _, t := range tags {
		if t != "" && !e.HasTag(t) {
			missing = true
			break
		}
	}
	if !missing {
		return e, nil
	}
	merged := normalizeTags(append(append([]string{}, e.FeatureTags...), tags...))
	if err := c.repo.UpdateEmbeddingTags(ctx, e.ID, merged); err != nil {
		return nil, fmt.Errorf("failed to tag embedding: %w", err)
	}
	updated := *e
	updated.FeatureTags = merged
	return &updated, nil
}

// normalizeTags returns the distinct non-empty tags in sorted order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range utils.UniqueStrings(tags) {
		if t != "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
