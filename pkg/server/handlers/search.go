package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/factmemory"
	"github.com/soundprediction/factmemory/pkg/search"
	"github.com/soundprediction/factmemory/pkg/server/dto"
	"github.com/soundprediction/factmemory/pkg/types"
)

// SearchHandler handles similarity search requests
type SearchHandler struct {
	memory factmemory.FactSearcher
	logger *slog.Logger
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(m factmemory.FactSearcher, logger *slog.Logger) *SearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHandler{
		memory: m,
		logger: logger,
	}
}

// Search handles GET /api/v1/facts/search
//
// Query parameters: q (required), chapter_id, min_similarity, limit, cursor.
func (h *SearchHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "q parameter is required and cannot be empty")
		return
	}
	if len(query) > dto.MaxQueryLength {
		writeError(c, http.StatusBadRequest, "invalid_request", "q exceeds maximum length")
		return
	}

	opts := &factmemory.SearchOptions{ChapterID: c.Query("chapter_id")}

	if raw := c.Query("min_similarity"); raw != "" {
		sim, err := strconv.ParseFloat(raw, 64)
		if err != nil || sim < -1 || sim > 1 {
			writeError(c, http.StatusBadRequest, "invalid_request", dto.ErrInvalidSimilarity.Error())
			return
		}
		opts.MinSimilarity = sim
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(c, http.StatusBadRequest, "invalid_request", types.ErrInvalidLimit.Error())
			return
		}
		opts.Limit = search.NormalizeLimit(limit)
	}

	if raw := c.Query("cursor"); raw != "" {
		cursor, err := types.DecodeCursor(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		opts.Cursor = cursor
	}

	if h.memory == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "fact memory not initialized")
		return
	}

	page, err := h.memory.Search(c.Request.Context(), query, opts)
	if err != nil {
		writeStoreError(c, h.logger, "search", err)
		return
	}

	resp := dto.SearchResponse{
		Facts:   make([]dto.FactResult, 0, len(page.Facts)),
		HasMore: page.HasMore,
	}
	for _, f := range page.Facts {
		resp.Facts = append(resp.Facts, dto.NewScoredFactResult(f))
	}
	if page.NextCursor != nil {
		resp.NextCursor = page.NextCursor.Encode()
	}
	c.JSON(http.StatusOK, resp)
}
