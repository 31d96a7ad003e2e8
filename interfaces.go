package factmemory

import (
	"context"
	"time"

	"github.com/soundprediction/factmemory/pkg/factstore"
	"github.com/soundprediction/factmemory/pkg/reconciler"
	"github.com/soundprediction/factmemory/pkg/types"
)

// Consumers should depend on the smallest interface that meets their needs.
// FactMemory composes all of them.

// FactSearcher provides read-only access to stored facts.
type FactSearcher interface {
	// Search embeds query and returns one page of matching facts. On failure
	// the page is empty (never nil) and the error wraps search.ErrSearchFailed.
	Search(ctx context.Context, query string, opts *SearchOptions) (*types.SearchResultPage, error)

	// FindSimilarFacts returns facts from any chapter similar to text.
	FindSimilarFacts(ctx context.Context, text string, minSimilarity float64, limit int) ([]types.ScoredFact, error)

	// FactExists reports whether a fact similar to text is already stored.
	FactExists(ctx context.Context, text string, minSimilarity float64) (bool, error)

	// ListFacts returns a chapter's facts, optionally filtered by a
	// case-insensitive substring.
	ListFacts(ctx context.Context, chapterID, filter string) ([]*types.FactWithContext, error)

	// GetFact returns a single fact with its context.
	GetFact(ctx context.Context, factID int64) (*types.FactWithContext, error)
}

// FactMutator provides write operations on a chapter's facts.
type FactMutator interface {
	// AddFactIfNew stores text unless a similar fact exists. A nil fact with
	// a nil error means the fact was suppressed.
	AddFactIfNew(ctx context.Context, chapterID, text string, minSimilarity float64, page *int) (*types.Fact, error)

	// UpsertFacts converges a chapter to the desired fact texts.
	UpsertFacts(ctx context.Context, chapterID string, texts []string, opts reconciler.UpsertOptions) (*reconciler.UpsertResult, error)

	// UpdateFact replaces a fact's text, keeping its identity.
	UpdateFact(ctx context.Context, factID int64, chapterID, text string, page *int) (*types.Fact, error)

	// DeleteFact removes one fact from a chapter.
	DeleteFact(ctx context.Context, factID int64, chapterID string) error

	// DeleteChapterFacts removes every fact of a chapter.
	DeleteChapterFacts(ctx context.Context, chapterID string) (int64, error)
}

// ChapterProcessor runs the extraction pipeline for a chapter.
type ChapterProcessor interface {
	// ProcessChapter loads, extracts, attributes and reconciles the facts of
	// one chapter, checkpointing after each step.
	ProcessChapter(ctx context.Context, job ChapterJob) (*ProcessResult, error)

	// ProcessChapters processes several chapters on a bounded worker pool.
	ProcessChapters(ctx context.Context, jobs []ChapterJob, concurrency int) ([]*ProcessResult, []error)

	// SaveBook records book metadata used to enrich facts.
	SaveBook(ctx context.Context, book *types.Book) error

	// SaveChapter records chapter metadata used to enrich facts.
	SaveChapter(ctx context.Context, chapter *types.Chapter) error
}

// Maintainer provides housekeeping operations.
type Maintainer interface {
	// PruneEmbeddings removes cached embeddings no fact references that were
	// not touched within olderThan.
	PruneEmbeddings(ctx context.Context, olderThan time.Duration) (int64, error)

	// Stats returns row counts of the backing store.
	Stats(ctx context.Context) (*factstore.Stats, error)
}

// FactMemory is the full client surface.
type FactMemory interface {
	FactSearcher
	FactMutator
	ChapterProcessor
	Maintainer

	// Close closes all connections and cleans up resources.
	Close(ctx context.Context) error
}

// ChapterSource supplies chapter content.
type ChapterSource interface {
	ChapterContent(ctx context.Context, chapterRef string) (string, error)
}

// FactExtractor turns chapter content into atomic fact texts.
type FactExtractor interface {
	ExtractFacts(ctx context.Context, content, chapterTitle string) ([]string, error)
}

// PageAttributor maps fact texts to the page they came from. A nil map means
// no attribution.
type PageAttributor interface {
	AttributePages(ctx context.Context, facts []string, content string) (map[string]int, error)
}

var _ FactMemory = (*Client)(nil)
