package dto

import (
	"time"

	"github.com/soundprediction/factmemory/pkg/types"
)

// Result represents a generic API result
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// FactResult is a stored fact as returned by the API. Embedding vectors are
// never exposed.
type FactResult struct {
	ID           int64     `json:"id"`
	Text         string    `json:"text"`
	ChapterID    string    `json:"chapter_id"`
	PageNumber   *int      `json:"page_number,omitempty"`
	ChapterTitle string    `json:"chapter_title,omitempty"`
	BookID       string    `json:"book_id,omitempty"`
	BookTitle    string    `json:"book_title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Similarity   *float64  `json:"similarity,omitempty"`
}

// NewFactResult converts a bare fact.
func NewFactResult(f *types.Fact) FactResult {
	return FactResult{
		ID:         f.ID,
		Text:       f.Text,
		ChapterID:  f.ChapterID,
		PageNumber: f.PageNumber,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
}

// NewFactResultWithContext converts a fact joined with its chapter and book.
func NewFactResultWithContext(f *types.FactWithContext) FactResult {
	r := NewFactResult(&f.Fact)
	r.ChapterTitle = f.ChapterTitle
	r.BookID = f.BookID
	r.BookTitle = f.BookTitle
	return r
}

// NewScoredFactResult converts a search hit.
func NewScoredFactResult(f types.ScoredFact) FactResult {
	r := NewFactResultWithContext(&f.FactWithContext)
	sim := f.Similarity
	r.Similarity = &sim
	return r
}

// FactResults converts a slice of bare facts.
func FactResults(facts []*types.Fact) []FactResult {
	out := make([]FactResult, 0, len(facts))
	for _, f := range facts {
		out = append(out, NewFactResult(f))
	}
	return out
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
