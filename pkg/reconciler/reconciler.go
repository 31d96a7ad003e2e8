// Package reconciler converges a chapter's stored facts to a desired set and
// suppresses near-duplicate insertions.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/soundprediction/factmemory/pkg/embedcache"
	"github.com/soundprediction/factmemory/pkg/factstore"
	"github.com/soundprediction/factmemory/pkg/metrics"
	"github.com/soundprediction/factmemory/pkg/search"
	"github.com/soundprediction/factmemory/pkg/types"
	"github.com/soundprediction/factmemory/pkg/utils"
)

// Default duplicate-sensitivity thresholds.
const (
	DefaultSimilarThreshold = 0.9
	DefaultSimilarLimit     = 5
	DefaultExistsThreshold  = 0.95
)

// UpsertOptions controls Upsert.
type UpsertOptions struct {
	// WithDelete removes stored facts whose text is not desired.
	WithDelete bool
	// PageNumbers maps fact text to page number.
	PageNumbers map[string]int
	// SkipUnchanged leaves facts whose text is already stored untouched
	// instead of re-resolving their embedding.
	SkipUnchanged bool
}

// DefaultUpsertOptions returns options that delete stale facts and refresh
// unchanged ones.
func DefaultUpsertOptions() UpsertOptions {
	return UpsertOptions{WithDelete: true}
}

// UpsertResult reports what Upsert wrote.
type UpsertResult struct {
	Inserted  []*types.Fact `json:"inserted"`
	Updated   []*types.Fact `json:"updated"`
	Deleted   []int64       `json:"deleted"`
	Unchanged []int64       `json:"unchanged,omitempty"`
}

// Facts returns the inserted facts followed by the updated ones.
func (r *UpsertResult) Facts() []*types.Fact {
	out := make([]*types.Fact, 0, len(r.Inserted)+len(r.Updated))
	out = append(out, r.Inserted...)
	return append(out, r.Updated...)
}

// Reconciler applies desired fact sets to chapters.
type Reconciler struct {
	store   *factstore.Store
	cache   *embedcache.Cache
	engine  *search.Engine
	locks   *keyedMutex
	// addMu serializes AddFactIfNew, whose duplicate check spans chapters.
	addMu   sync.Mutex
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Reconciler. logger and m may be nil.
func New(store *factstore.Store, cache *embedcache.Cache, engine *search.Engine, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		cache:   cache,
		engine:  engine,
		locks:   newKeyedMutex(),
		logger:  logger,
		metrics: m,
	}
}

// Upsert converges the facts of chapterID to desiredTexts. Desired texts with
// no stored fact are inserted, stored facts whose text is desired are
// updated in place, and with opts.WithDelete the remaining facts are removed.
// Calls for the same chapter run one at a time.
func (r *Reconciler) Upsert(ctx context.Context, chapterID string, desiredTexts []string, opts UpsertOptions) (*UpsertResult, error) {
	if chapterID == "" {
		return nil, types.ErrEmptyChapterID
	}
	desired := make([]string, 0, len(desiredTexts))
	for _, t := range utils.UniqueStrings(desiredTexts) {
		if t == "" {
			return nil, types.ErrEmptyText
		}
		desired = append(desired, t)
	}

	unlock := r.locks.Lock(chapterID)
	defer unlock()

	existing, err := r.store.List(ctx, chapterID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list chapter facts: %w", err)
	}

	stored := make(map[string]bool, len(existing))
	for _, f := range existing {
		stored[f.Text] = true
	}
	wanted := make(map[string]bool, len(desired))
	for _, t := range desired {
		wanted[t] = true
	}

	var fresh []string
	for _, t := range desired {
		if !stored[t] {
			fresh = append(fresh, t)
		}
	}

	result := &UpsertResult{}
	if len(fresh) > 0 {
		inserted, err := r.store.AddMany(ctx, chapterID, fresh, opts.PageNumbers)
		result.Inserted = inserted
		if err != nil {
			return result, fmt.Errorf("failed to insert facts: %w", err)
		}
	}

	for _, f := range existing {
		if !wanted[f.Text] {
			continue
		}
		if opts.SkipUnchanged {
			result.Unchanged = append(result.Unchanged, f.ID)
			continue
		}
		var page *int
		if p, ok := opts.PageNumbers[f.Text]; ok {
			page = &p
		}
		updated, err := r.store.Update(ctx, f.ID, chapterID, f.Text, page)
		if err != nil {
			return result, fmt.Errorf("failed to update fact %d: %w", f.ID, err)
		}
		result.Updated = append(result.Updated, updated)
	}

	if opts.WithDelete {
		for _, f := range existing {
			if wanted[f.Text] {
				continue
			}
			if err := r.store.Delete(ctx, f.ID, chapterID); err != nil {
				return result, fmt.Errorf("failed to delete fact %d: %w", f.ID, err)
			}
			result.Deleted = append(result.Deleted, f.ID)
		}
	}

	r.metrics.RecordReconcile(len(result.Inserted), len(result.Updated), len(result.Deleted))
	r.logger.Info("reconciled chapter facts",
		"chapter_id", chapterID,
		"desired", len(desired),
		"inserted", len(result.Inserted),
		"updated", len(result.Updated),
		"deleted", len(result.Deleted),
		"unchanged", len(result.Unchanged))
	return result, nil
}

// FindSimilarFacts returns up to limit facts from any chapter whose
// similarity to text is at least minSimilarity.
func (r *Reconciler) FindSimilarFacts(ctx context.Context, text string, minSimilarity float64, limit int) ([]types.ScoredFact, error) {
	query, err := r.cache.Embed(ctx, text, types.FeatureQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	page, err := r.engine.Search(ctx, query.Vector, search.Request{
		MinSimilarity: minSimilarity,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	return page.Facts, nil
}

// FactExists reports whether any stored fact has similarity to text of at
// least minSimilarity.
func (r *Reconciler) FactExists(ctx context.Context, text string, minSimilarity float64) (bool, error) {
	similar, err := r.FindSimilarFacts(ctx, text, minSimilarity, 1)
	if err != nil {
		return false, err
	}
	return len(similar) > 0, nil
}

// AddFactIfNew stores text in chapterID unless a fact with similarity of at
// least minSimilarity already exists. It returns nil when the fact was
// suppressed. The check covers every chapter, so concurrent calls are
// serialized across chapters as well as within one.
func (r *Reconciler) AddFactIfNew(ctx context.Context, chapterID, text string, minSimilarity float64, page *int) (*types.Fact, error) {
	if chapterID == "" {
		return nil, types.ErrEmptyChapterID
	}
	if text == "" {
		return nil, types.ErrEmptyText
	}

	r.addMu.Lock()
	defer r.addMu.Unlock()
	unlock := r.locks.Lock(chapterID)
	defer unlock()

	exists, err := r.FactExists(ctx, text, minSimilarity)
	if err != nil {
		return nil, err
	}
	if exists {
		r.metrics.RecordSuppressed()
		r.logger.Debug("suppressed duplicate fact", "chapter_id", chapterID, "min_similarity", minSimilarity)
		return nil, nil
	}
	return r.store.AddOne(ctx, chapterID, text, page)
}
