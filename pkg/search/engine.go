package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/factmemory/pkg/metrics"
	"github.com/soundprediction/factmemory/pkg/types"
	"github.com/soundprediction/factmemory/pkg/utils"
)

const (
	// DefaultLimit is the page size used when a request does not set one.
	DefaultLimit = 10
	// MaxLimit caps the page size.
	MaxLimit = 100
)

var (
	// ErrSearchFailed tags every error returned by Engine.Search.
	ErrSearchFailed = errors.New("search failed")

	// ErrEmptyQuery is returned for a query without a vector.
	ErrEmptyQuery = errors.New("query vector is empty")
)

// Request describes one page of a similarity search.
type Request struct {
	// ChapterID scopes the search to one chapter; empty searches all chapters.
	ChapterID string `json:"chapter_id,omitempty"`
	// MinSimilarity is the inclusive similarity threshold. It is compared at
	// the same six-decimal precision as scores, see Threshold.
	MinSimilarity float64 `json:"min_similarity"`
	// Limit is the page size. Backends receive the number of rows to fetch.
	Limit int `json:"limit"`
	// Cursor resumes after the last row of the previous page.
	Cursor *types.SearchCursor `json:"cursor,omitempty"`
}

// Threshold is MinSimilarity quantized like scores, so a score and the
// threshold are compared at one precision in every backend.
func (r Request) Threshold() float64 {
	return utils.QuantizeSimilarity(r.MinSimilarity)
}

// Backend returns up to req.Limit facts with quantized similarity at least
// req.Threshold() that sort after req.Cursor, ordered by
// (similarity DESC, id DESC).
type Backend interface {
	SearchFacts(ctx context.Context, query []float32, req Request) ([]types.ScoredFact, error)
}

// Engine assembles result pages from a Backend.
type Engine struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an Engine. logger and m may be nil.
func NewEngine(backend Backend, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{backend: backend, logger: logger, metrics: m}
}

// NormalizeLimit applies DefaultLimit and MaxLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Search returns one page of facts ranked against query.
//
// On failure the page is empty and non-nil and the error wraps ErrSearchFailed.
func (e *Engine) Search(ctx context.Context, query []float32, req Request) (*types.SearchResultPage, error) {
	start := time.Now()
	page, err := e.search(ctx, query, req)
	if err != nil {
		e.metrics.RecordSearch(time.Since(start), 0, err)
		e.logger.Error("similarity search failed",
			"chapter_id", req.ChapterID,
			"min_similarity", req.MinSimilarity,
			"limit", req.Limit,
			"error", err)
		return types.EmptyPage(), fmt.Errorf("%w: %w", ErrSearchFailed, err)
	}
	e.metrics.RecordSearch(time.Since(start), len(page.Facts), nil)
	return page, nil
}

func (e *Engine) search(ctx context.Context, query []float32, req Request) (*types.SearchResultPage, error) {
	if len(query) == 0 {
		return nil, ErrEmptyQuery
	}
	if req.Cursor != nil && req.Cursor.LastID <= 0 {
		return nil, fmt.Errorf("%w: missing id", types.ErrInvalidCursor)
	}

	limit := NormalizeLimit(req.Limit)
	fetch := req
	fetch.Limit = limit + 1

	rows, err := e.backend.SearchFacts(ctx, query, fetch)
	if err != nil {
		return nil, err
	}
	return assemblePage(rows, limit), nil
}

// assemblePage truncates rows to limit and derives the next cursor when an
// extra row proves another page exists.
func assemblePage(rows []types.ScoredFact, limit int) *types.SearchResultPage {
	page := &types.SearchResultPage{Facts: rows}
	if page.Facts == nil {
		page.Facts = []types.ScoredFact{}
	}
	if len(rows) > limit {
		page.Facts = rows[:limit]
		page.HasMore = true
		page.NextCursor = types.CursorFor(page.Facts[limit-1])
	}
	return page
}
