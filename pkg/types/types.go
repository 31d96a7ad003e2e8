package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrEmptyText      = errors.New("text cannot be empty")
	ErrEmptyChapterID = errors.New("chapter_id cannot be empty")
	ErrEmptyID        = errors.New("id cannot be empty")
	ErrInvalidLimit   = errors.New("limit must be positive")
	ErrInvalidCursor  = errors.New("invalid search cursor")
)

// Feature tags describing what a cached vector was computed for.
const (
	FeatureFact  = "fact"
	FeatureQuery = "query"
)

// ContextKey is the type for request-scoped values carried through context.
type ContextKey string

const (
	ContextKeyUserID        ContextKey = "user_id"
	ContextKeySessionID     ContextKey = "session_id"
	ContextKeyRequestSource ContextKey = "request_source"
)

// CachedEmbedding is a previously computed vector keyed by its exact text.
// Text matching is case- and whitespace-sensitive.
type CachedEmbedding struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Vector      []float32 `json:"vector,omitempty"`
	FeatureTags []string  `json:"feature_tags,omitempty"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasTag reports whether the embedding was tagged with tag.
func (e *CachedEmbedding) HasTag(tag string) bool {
	for _, t := range e.FeatureTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Fact is an atomic statement owned by one chapter.
type Fact struct {
	ID          int64     `json:"id"`
	Text        string    `json:"text"`
	ChapterID   string    `json:"chapter_id"`
	EmbeddingID string    `json:"embedding_id"`
	PageNumber  *int      `json:"page_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks if the Fact has all required fields set.
func (f *Fact) Validate() error {
	if f.Text == "" {
		return ErrEmptyText
	}
	if f.ChapterID == "" {
		return ErrEmptyChapterID
	}
	if f.EmbeddingID == "" {
		return fmt.Errorf("embedding_id: %w", ErrEmptyID)
	}
	return nil
}

// FactWithContext is a read-only view of a fact joined with its embedding
// and the chapter/book it belongs to.
type FactWithContext struct {
	Fact
	Embedding    *CachedEmbedding `json:"embedding,omitempty"`
	ChapterTitle string           `json:"chapter_title,omitempty"`
	BookID       string           `json:"book_id,omitempty"`
	BookTitle    string           `json:"book_title,omitempty"`
}

// ScoredFact is a fact ranked against a query vector.
type ScoredFact struct {
	FactWithContext
	Similarity float64 `json:"similarity"`
}

// Book owns chapters.
type Book struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chapter owns facts.
type Chapter struct {
	ID        string    `json:"id"`
	BookID    string    `json:"book_id"`
	Title     string    `json:"title"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the Chapter has all required fields set.
func (c *Chapter) Validate() error {
	if c.ID == "" {
		return ErrEmptyChapterID
	}
	if c.BookID == "" {
		return fmt.Errorf("book_id: %w", ErrEmptyID)
	}
	return nil
}

// SearchCursor identifies the last fact returned on a page.
type SearchCursor struct {
	LastID         int64   `json:"id"`
	LastSimilarity float64 `json:"sim"`
}

// CursorFor builds the cursor that resumes after f.
func CursorFor(f ScoredFact) *SearchCursor {
	return &SearchCursor{LastID: f.ID, LastSimilarity: f.Similarity}
}

// After reports whether a row with the given similarity and id sorts strictly
// after the cursor in (similarity DESC, id DESC) order.
func (c *SearchCursor) After(similarity float64, id int64) bool {
	if c == nil {
		return true
	}
	return similarity < c.LastSimilarity ||
		(similarity == c.LastSimilarity && id < c.LastID)
}

// Encode returns the cursor as an opaque URL-safe token.
func (c *SearchCursor) Encode() string {
	if c == nil {
		return ""
	}
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by Encode. An empty token yields a nil cursor.
func DecodeCursor(token string) (*SearchCursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c SearchCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.LastID <= 0 {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	return &c, nil
}

// SearchResultPage is one page of ranked facts.
// NextCursor is set iff HasMore is true.
type SearchResultPage struct {
	Facts      []ScoredFact  `json:"facts"`
	NextCursor *SearchCursor `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}

// EmptyPage returns a page with no results.
func EmptyPage() *SearchResultPage {
	return &SearchResultPage{Facts: []ScoredFact{}}
}
