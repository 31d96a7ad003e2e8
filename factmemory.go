package factmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/factmemory/pkg/checkpoint"
	"github.com/soundprediction/factmemory/pkg/config"
	"github.com/soundprediction/factmemory/pkg/embedcache"
	"github.com/soundprediction/factmemory/pkg/embedder"
	"github.com/soundprediction/factmemory/pkg/factstore"
	"github.com/soundprediction/factmemory/pkg/metrics"
	"github.com/soundprediction/factmemory/pkg/nlp"
	"github.com/soundprediction/factmemory/pkg/reconciler"
	"github.com/soundprediction/factmemory/pkg/search"
	"github.com/soundprediction/factmemory/pkg/types"
)

var (
	// ErrNoExtractor is returned when a chapter is processed without a FactExtractor.
	ErrNoExtractor = errors.New("no fact extractor configured")
	// ErrNoContent is returned when a chapter job has neither content nor a source.
	ErrNoContent = errors.New("chapter job has no content and no source")
	// ErrAttemptsExhausted is returned for a chapter whose checkpoint no longer
	// allows retries. Set ChapterJob.Force to start it over.
	ErrAttemptsExhausted = errors.New("chapter processing attempts exhausted")
)

// Client is the main implementation of the FactMemory interface.
type Client struct {
	db          factstore.FactsDB
	embedder    embedder.Client
	cache       *embedcache.Cache
	store       *factstore.Store
	engine      *search.Engine
	reconciler  *reconciler.Reconciler
	checkpoints *checkpoint.Manager
	config      *Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Config holds configuration for the Client.
type Config struct {
	// Model is recorded on cached embeddings.
	Model string
	// Dimensions, when positive, is enforced on every cached vector.
	Dimensions int
	// Metrics may be nil to disable instrumentation.
	Metrics *metrics.Metrics
	// Checkpoints enables per-chapter progress tracking in ProcessChapter.
	Checkpoints *checkpoint.Manager
	// MaxAttempts and MaxAge bound how often and for how long a failing
	// chapter is retried from its checkpoint. Zero disables a bound.
	MaxAttempts int
	MaxAge      time.Duration
	// Retry governs retries of fact extraction in ProcessChapter.
	Retry *nlp.RetryConfig
	// Extractor and Attributor are used when a ChapterJob leaves them unset.
	Extractor  FactExtractor
	Attributor PageAttributor
}

// SearchOptions narrows a Search.
type SearchOptions struct {
	// ChapterID restricts results to one chapter when set.
	ChapterID string
	// MinSimilarity is the inclusive similarity threshold.
	MinSimilarity float64
	// Limit is clamped to [1, search.MaxLimit]; zero means search.DefaultLimit.
	Limit int
	// Cursor continues from a previous page.
	Cursor *types.SearchCursor
}

// NewClient creates a Client over an initialized FactsDB and an embedder.
func NewClient(db factstore.FactsDB, emb embedder.Client, cfg *Config, logger *slog.Logger) (*Client, error) {
	if db == nil {
		return nil, errors.New("facts DB is required")
	}
	if emb == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	dims := cfg.Dimensions
	if dims == 0 {
		dims = emb.Dimensions()
	}

	cache := embedcache.New(db, emb, &embedcache.Config{
		Dimensions: dims,
		Model:      cfg.Model,
		Logger:     logger,
		Metrics:    cfg.Metrics,
	})
	store := factstore.NewStore(db, cache, logger)
	engine := search.NewEngine(db, logger, cfg.Metrics)

	return &Client{
		db:          db,
		embedder:    emb,
		cache:       cache,
		store:       store,
		engine:      engine,
		reconciler:  reconciler.New(store, cache, engine, logger, cfg.Metrics),
		checkpoints: cfg.Checkpoints,
		config:      cfg,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// NewClientFromConfig opens the configured fact store, embedder, language
// model and checkpoint store and returns a ready Client. The schema is
// created if missing.
func NewClientFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := factstore.NewFactsDB(&factstore.FactStoreConfig{
		Type:                factstore.FactStoreType(cfg.Database.Driver),
		ConnectionString:    cfg.Database.DSN,
		UsePgVector:         cfg.Database.UsePgVector,
		EmbeddingDimensions: cfg.Database.EmbeddingDimensions,
		MaxConnections:      cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open fact store: %w", err)
	}
	if err := db.Initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize fact store: %w", err)
	}

	emb, err := embedder.NewFromConfig(cfg, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	clientCfg := &Config{
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Metrics:    metrics.NewMetrics(),
		Retry:      nlp.RetryConfigFrom(cfg.Retry),
	}

	if cfg.NLP.APIKey != "" || cfg.NLP.BaseURL != "" {
		extractor, err := newExtractor(cfg, logger)
		if err != nil {
			emb.Close()
			db.Close()
			return nil, err
		}
		clientCfg.Extractor = extractor
		clientCfg.Attributor = extractor
	}

	if cfg.Checkpoint.Dir != "" || cfg.Checkpoint.Backend != "" {
		cpStore, err := checkpoint.New(cfg.Checkpoint)
		if err != nil {
			emb.Close()
			db.Close()
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		clientCfg.Checkpoints = checkpoint.NewManager(cpStore)
		clientCfg.MaxAttempts = cfg.Checkpoint.MaxAttempts
		clientCfg.MaxAge = cfg.Checkpoint.MaxAge
	}

	return NewClient(db, emb, clientCfg, logger)
}

func newExtractor(cfg *config.Config, logger *slog.Logger) (*nlp.FactExtractor, error) {
	nc := nlp.Config{Model: cfg.NLP.Model, BaseURL: cfg.NLP.BaseURL}
	if cfg.NLP.Temperature > 0 {
		t := cfg.NLP.Temperature
		nc.Temperature = &t
	}
	if cfg.NLP.MaxTokens > 0 {
		m := cfg.NLP.MaxTokens
		nc.MaxTokens = &m
	}

	var llm nlp.Client
	switch cfg.NLP.Provider {
	case "openai", "":
		c, err := nlp.NewOpenAIClient(cfg.NLP.APIKey, nc)
		if err != nil {
			return nil, fmt.Errorf("failed to create language model client: %w", err)
		}
		llm = c
	default:
		return nil, fmt.Errorf("unsupported nlp provider: %s", cfg.NLP.Provider)
	}
	if cfg.CircuitBreaker.Enabled {
		llm = nlp.NewCircuitBreakerClient(llm, cfg.CircuitBreaker, logger, "nlp")
	}
	return nlp.NewFactExtractor(llm, logger), nil
}

// GetFactStore returns the underlying fact store.
func (c *Client) GetFactStore() factstore.FactsDB {
	return c.db
}

// GetEmbedder returns the embedder client.
func (c *Client) GetEmbedder() embedder.Client {
	return c.embedder
}

// GetCache returns the embedding cache.
func (c *Client) GetCache() *embedcache.Cache {
	return c.cache
}

// GetCheckpoints returns the checkpoint manager, or nil when disabled.
func (c *Client) GetCheckpoints() *checkpoint.Manager {
	return c.checkpoints
}

// Search embeds query and runs a similarity search.
func (c *Client) Search(ctx context.Context, query string, opts *SearchOptions) (*types.SearchResultPage, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	if query == "" {
		return types.EmptyPage(), fmt.Errorf("%w: %w", search.ErrSearchFailed, types.ErrEmptyText)
	}
	emb, err := c.cache.Embed(ctx, query, types.FeatureQuery)
	if err != nil {
		c.logger.Error("failed to embed search query", "error", err)
		return types.EmptyPage(), fmt.Errorf("%w: %w", search.ErrSearchFailed, err)
	}
	return c.engine.Search(ctx, emb.Vector, search.Request{
		ChapterID:     opts.ChapterID,
		MinSimilarity: opts.MinSimilarity,
		Limit:         opts.Limit,
		Cursor:        opts.Cursor,
	})
}

// FindSimilarFacts returns facts similar to text from any chapter.
func (c *Client) FindSimilarFacts(ctx context.Context, text string, minSimilarity float64, limit int) ([]types.ScoredFact, error) {
	return c.reconciler.FindSimilarFacts(ctx, text, minSimilarity, limit)
}

// FactExists reports whether a fact similar to text is stored.
func (c *Client) FactExists(ctx context.Context, text string, minSimilarity float64) (bool, error) {
	return c.reconciler.FactExists(ctx, text, minSimilarity)
}

// ListFacts returns a chapter's facts.
func (c *Client) ListFacts(ctx context.Context, chapterID, filter string) ([]*types.FactWithContext, error) {
	return c.store.List(ctx, chapterID, filter)
}

// GetFact returns a single fact.
func (c *Client) GetFact(ctx context.Context, factID int64) (*types.FactWithContext, error) {
	return c.store.Get(ctx, factID)
}

// AddFactIfNew stores text unless a similar fact exists.
func (c *Client) AddFactIfNew(ctx context.Context, chapterID, text string, minSimilarity float64, page *int) (*types.Fact, error) {
	return c.reconciler.AddFactIfNew(ctx, chapterID, text, minSimilarity, page)
}

// UpsertFacts converges a chapter's facts to texts.
func (c *Client) UpsertFacts(ctx context.Context, chapterID string, texts []string, opts reconciler.UpsertOptions) (*reconciler.UpsertResult, error) {
	return c.reconciler.Upsert(ctx, chapterID, texts, opts)
}

// UpdateFact replaces a fact's text.
func (c *Client) UpdateFact(ctx context.Context, factID int64, chapterID, text string, page *int) (*types.Fact, error) {
	return c.store.Update(ctx, factID, chapterID, text, page)
}

// DeleteFact removes one fact.
func (c *Client) DeleteFact(ctx context.Context, factID int64, chapterID string) error {
	return c.store.Delete(ctx, factID, chapterID)
}

// DeleteChapterFacts removes every fact of a chapter.
func (c *Client) DeleteChapterFacts(ctx context.Context, chapterID string) (int64, error) {
	return c.store.DeleteAll(ctx, chapterID)
}

// SaveBook records book metadata.
func (c *Client) SaveBook(ctx context.Context, book *types.Book) error {
	return c.db.SaveBook(ctx, book)
}

// SaveChapter records chapter metadata.
func (c *Client) SaveChapter(ctx context.Context, chapter *types.Chapter) error {
	return c.db.SaveChapter(ctx, chapter)
}

// PruneEmbeddings removes unreferenced cached embeddings.
func (c *Client) PruneEmbeddings(ctx context.Context, olderThan time.Duration) (int64, error) {
	return c.cache.PruneOrphans(ctx, olderThan)
}

// Stats returns row counts of the backing store.
func (c *Client) Stats(ctx context.Context) (*factstore.Stats, error) {
	return c.db.GetStats(ctx)
}

// Close closes the fact store, the embedder and the checkpoint store.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.checkpoints != nil {
		if err := c.checkpoints.Close(); err != nil {
			errs = append(errs, fmt.Errorf("checkpoints: %w", err))
		}
	}
	if err := c.embedder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("embedder: %w", err))
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("fact store: %w", err))
	}
	return errors.Join(errs...)
}
