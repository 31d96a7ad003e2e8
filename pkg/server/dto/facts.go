package dto

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors
var (
	ErrEmptyText          = errors.New("text cannot be empty")
	ErrEmptyChapterID     = errors.New("chapter_id cannot be empty")
	ErrChapterIDTooLong   = errors.New("chapter_id exceeds maximum length (256)")
	ErrTextTooLong        = errors.New("text exceeds maximum length (64KB)")
	ErrTooManyFacts       = errors.New("facts count exceeds maximum (5000)")
	ErrInvalidSimilarity  = errors.New("min_similarity must be between -1 and 1")
	ErrInvalidPageNumber  = errors.New("page_number must not be negative")
	ErrInvalidCharacters  = errors.New("field contains invalid characters")
	ErrPageForUnknownFact = errors.New("page_numbers references a text not in facts")
)

// MaxFieldLengths defines maximum lengths for fields to prevent abuse
const (
	MaxChapterIDLength = 256
	MaxTextLength      = 64 * 1024
	MaxFactsCount      = 5000
	MaxQueryLength     = 8 * 1024
)

// ValidateChapterID checks a chapter ID taken from the URL.
func ValidateChapterID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyChapterID
	}
	if len(id) > MaxChapterIDLength {
		return ErrChapterIDTooLong
	}
	if strings.ContainsRune(id, 0) {
		return ErrInvalidCharacters
	}
	return nil
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if len(text) > MaxTextLength {
		return ErrTextTooLong
	}
	return nil
}

func validateSimilarity(sim *float64) error {
	if sim != nil && (*sim < -1 || *sim > 1) {
		return ErrInvalidSimilarity
	}
	return nil
}

func validatePage(page *int) error {
	if page != nil && *page < 0 {
		return ErrInvalidPageNumber
	}
	return nil
}

// AddFactRequest adds a fact unless a similar one exists.
type AddFactRequest struct {
	Text          string   `json:"text" binding:"required"`
	PageNumber    *int     `json:"page_number,omitempty"`
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
}

// Validate performs validation on AddFactRequest
func (r *AddFactRequest) Validate() error {
	if err := validateText(r.Text); err != nil {
		return err
	}
	if err := validatePage(r.PageNumber); err != nil {
		return err
	}
	return validateSimilarity(r.MinSimilarity)
}

// AddFactResponse reports whether the fact was stored.
type AddFactResponse struct {
	Added bool        `json:"added"`
	Fact  *FactResult `json:"fact,omitempty"`
}

// UpsertFactsRequest converges a chapter to Facts.
type UpsertFactsRequest struct {
	Facts       []string       `json:"facts"`
	PageNumbers map[string]int `json:"page_numbers,omitempty"`
	// WithDelete defaults to true.
	WithDelete    *bool `json:"with_delete,omitempty"`
	SkipUnchanged bool  `json:"skip_unchanged,omitempty"`
}

// Validate performs validation on UpsertFactsRequest
func (r *UpsertFactsRequest) Validate() error {
	if len(r.Facts) > MaxFactsCount {
		return ErrTooManyFacts
	}
	known := make(map[string]bool, len(r.Facts))
	for i, f := range r.Facts {
		if err := validateText(f); err != nil {
			return fmt.Errorf("fact %d: %w", i, err)
		}
		known[f] = true
	}
	for text, page := range r.PageNumbers {
		if !known[text] {
			return ErrPageForUnknownFact
		}
		if page < 0 {
			return ErrInvalidPageNumber
		}
	}
	return nil
}

// UpsertFactsResponse reports what an upsert wrote.
type UpsertFactsResponse struct {
	Inserted  []FactResult `json:"inserted"`
	Updated   []FactResult `json:"updated"`
	Deleted   []int64      `json:"deleted"`
	Unchanged []int64      `json:"unchanged,omitempty"`
}

// UpdateFactRequest replaces a fact's text.
type UpdateFactRequest struct {
	Text       string `json:"text" binding:"required"`
	PageNumber *int   `json:"page_number,omitempty"`
}

// Validate performs validation on UpdateFactRequest
func (r *UpdateFactRequest) Validate() error {
	if err := validateText(r.Text); err != nil {
		return err
	}
	return validatePage(r.PageNumber)
}

// ListFactsResponse lists a chapter's facts.
type ListFactsResponse struct {
	ChapterID string       `json:"chapter_id"`
	Facts     []FactResult `json:"facts"`
	Total     int          `json:"total"`
}

// DeleteFactsResponse reports how many facts were removed.
type DeleteFactsResponse struct {
	Success bool   `json:"success"`
	Deleted int64  `json:"deleted"`
	Message string `json:"message,omitempty"`
}

// SearchResponse is one page of search results. NextCursor is an opaque
// token to pass back as the cursor query parameter.
type SearchResponse struct {
	Facts      []FactResult `json:"facts"`
	NextCursor string       `json:"next_cursor,omitempty"`
	HasMore    bool         `json:"has_more"`
}
