package factstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soundprediction/factmemory/pkg/embedcache"
	"github.com/soundprediction/factmemory/pkg/types"
)

// Store manages the facts of chapters. Every fact written through it is
// backed by a cached embedding of its exact text.
type Store struct {
	db     FactsDB
	cache  *embedcache.Cache
	logger *slog.Logger
}

// NewStore creates a Store over db resolving embeddings through cache.
func NewStore(db FactsDB, cache *embedcache.Cache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cache: cache, logger: logger}
}

// DB returns the underlying database.
func (s *Store) DB() FactsDB {
	return s.db
}

// AddMany persists one fact per text in chapterID. Embeddings for all texts
// are resolved in a single batch. pages optionally maps text to page number.
// Facts committed before a failure are returned alongside the error.
func (s *Store) AddMany(ctx context.Context, chapterID string, texts []string, pages map[string]int) ([]*types.Fact, error) {
	if chapterID == "" {
		return nil, types.ErrEmptyChapterID
	}
	for _, t := range texts {
		if t == "" {
			return nil, types.ErrEmptyText
		}
	}
	if len(texts) == 0 {
		return []*types.Fact{}, nil
	}

	embeddings, err := s.cache.Resolve(ctx, texts, []string{types.FeatureFact})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve embeddings: %w", err)
	}

	created := make([]*types.Fact, 0, len(texts))
	for _, text := range texts {
		fact := &types.Fact{
			Text:        text,
			ChapterID:   chapterID,
			EmbeddingID: embeddings[text].ID,
		}
		if p, ok := pages[text]; ok {
			page := p
			fact.PageNumber = &page
		}
		if err := s.db.InsertFact(ctx, fact); err != nil {
			return created, err
		}
		created = append(created, fact)
	}

	s.logger.Debug("added facts", "chapter_id", chapterID, "count", len(created))
	return created, nil
}

// AddOne persists a single fact in chapterID.
func (s *Store) AddOne(ctx context.Context, chapterID, text string, page *int) (*types.Fact, error) {
	var pages map[string]int
	if page != nil {
		pages = map[string]int{text: *page}
	}
	created, err := s.AddMany(ctx, chapterID, []string{text}, pages)
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// Update rewrites the text of a fact, re-pointing it at the embedding of the
// new text. A nil page keeps the current page number.
func (s *Store) Update(ctx context.Context, factID int64, chapterID, newText string, page *int) (*types.Fact, error) {
	if chapterID == "" {
		return nil, types.ErrEmptyChapterID
	}
	if newText == "" {
		return nil, types.ErrEmptyText
	}

	existing, err := s.db.GetFact(ctx, factID)
	if err != nil {
		return nil, err
	}
	if existing.ChapterID != chapterID {
		return nil, ErrFactNotFound
	}

	embedding, err := s.cache.Embed(ctx, newText, types.FeatureFact)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve embedding: %w", err)
	}

	fact := existing.Fact
	fact.Text = newText
	fact.EmbeddingID = embedding.ID
	if page != nil {
		p := *page
		fact.PageNumber = &p
	}
	if err := s.db.UpdateFact(ctx, &fact); err != nil {
		return nil, err
	}
	return &fact, nil
}

// Delete removes one fact of a chapter.
func (s *Store) Delete(ctx context.Context, factID int64, chapterID string) error {
	if chapterID == "" {
		return types.ErrEmptyChapterID
	}
	return s.db.DeleteFact(ctx, factID, chapterID)
}

// DeleteAll removes every fact of a chapter and returns how many were removed.
func (s *Store) DeleteAll(ctx context.Context, chapterID string) (int64, error) {
	if chapterID == "" {
		return 0, types.ErrEmptyChapterID
	}
	n, err := s.db.DeleteChapterFacts(ctx, chapterID)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("deleted chapter facts", "chapter_id", chapterID, "count", n)
	return n, nil
}

// List returns the facts of a chapter in id order, optionally filtered by a
// case-insensitive substring.
func (s *Store) List(ctx context.Context, chapterID, filter string) ([]*types.FactWithContext, error) {
	if chapterID == "" {
		return nil, types.ErrEmptyChapterID
	}
	return s.db.ListFacts(ctx, chapterID, filter)
}

// Get returns a fact with its context.
func (s *Store) Get(ctx context.Context, factID int64) (*types.FactWithContext, error) {
	return s.db.GetFact(ctx, factID)
}
