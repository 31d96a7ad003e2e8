package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/factmemory"
	"github.com/soundprediction/factmemory/pkg/factstore"
	"github.com/soundprediction/factmemory/pkg/reconciler"
	"github.com/soundprediction/factmemory/pkg/search"
	"github.com/soundprediction/factmemory/pkg/server/dto"
	"github.com/soundprediction/factmemory/pkg/types"
)

// FactsHandler handles chapter fact requests
type FactsHandler struct {
	memory factmemory.FactMemory
	logger *slog.Logger
}

// NewFactsHandler creates a new facts handler
func NewFactsHandler(m factmemory.FactMemory, logger *slog.Logger) *FactsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FactsHandler{
		memory: m,
		logger: logger,
	}
}

// writeError writes an error response as JSON and aborts the request
func writeError(c *gin.Context, status int, errCode, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error:   errCode,
		Message: message,
		Code:    status,
	})
}

// writeStoreError maps component errors to HTTP statuses.
func writeStoreError(c *gin.Context, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, factstore.ErrFactNotFound), errors.Is(err, factstore.ErrChapterNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, types.ErrEmptyText), errors.Is(err, types.ErrEmptyChapterID),
		errors.Is(err, types.ErrInvalidCursor), errors.Is(err, types.ErrInvalidLimit):
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, search.ErrSearchFailed):
		logger.Error("search failed", "error", err)
		writeError(c, http.StatusServiceUnavailable, "search_failed", err.Error())
	default:
		logger.Error("request failed", "operation", op, "error", err)
		writeError(c, http.StatusInternalServerError, op+"_failed", err.Error())
	}
}

// chapterID validates the :id path parameter.
func chapterID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := dto.ValidateChapterID(id); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return "", false
	}
	return id, true
}

func (h *FactsHandler) ready(c *gin.Context) bool {
	if h.memory == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "fact memory not initialized")
		return false
	}
	return true
}

// ListFacts handles GET /api/v1/chapters/:id/facts
func (h *FactsHandler) ListFacts(c *gin.Context) {
	id, ok := chapterID(c)
	if !ok || !h.ready(c) {
		return
	}

	facts, err := h.memory.ListFacts(c.Request.Context(), id, c.Query("filter"))
	if err != nil {
		writeStoreError(c, h.logger, "list", err)
		return
	}

	out := make([]dto.FactResult, 0, len(facts))
	for _, f := range facts {
		out = append(out, dto.NewFactResultWithContext(f))
	}
	c.JSON(http.StatusOK, dto.ListFactsResponse{
		ChapterID: id,
		Facts:     out,
		Total:     len(out),
	})
}

// AddFact handles POST /api/v1/chapters/:id/facts. A near-duplicate of an
// existing fact is not stored and the response has added=false.
func (h *FactsHandler) AddFact(c *gin.Context) {
	id, ok := chapterID(c)
	if !ok {
		return
	}
	var req dto.AddFactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !h.ready(c) {
		return
	}

	minSim := reconciler.DefaultSimilarThreshold
	if req.MinSimilarity != nil {
		minSim = *req.MinSimilarity
	}
	fact, err := h.memory.AddFactIfNew(c.Request.Context(), id, req.Text, minSim, req.PageNumber)
	if err != nil {
		writeStoreError(c, h.logger, "add", err)
		return
	}
	if fact == nil {
		c.JSON(http.StatusOK, dto.AddFactResponse{Added: false})
		return
	}
	result := dto.NewFactResult(fact)
	c.JSON(http.StatusCreated, dto.AddFactResponse{Added: true, Fact: &result})
}

// UpsertFacts handles PUT /api/v1/chapters/:id/facts
func (h *FactsHandler) UpsertFacts(c *gin.Context) {
	id, ok := chapterID(c)
	if !ok {
		return
	}
	var req dto.UpsertFactsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !h.ready(c) {
		return
	}

	opts := reconciler.DefaultUpsertOptions()
	if req.WithDelete != nil {
		opts.WithDelete = *req.WithDelete
	}
	opts.SkipUnchanged = req.SkipUnchanged
	opts.PageNumbers = req.PageNumbers

	result, err := h.memory.UpsertFacts(c.Request.Context(), id, req.Facts, opts)
	if err != nil {
		writeStoreError(c, h.logger, "upsert", err)
		return
	}
	deleted := result.Deleted
	if deleted == nil {
		deleted = []int64{}
	}
	c.JSON(http.StatusOK, dto.UpsertFactsResponse{
		Inserted:  dto.FactResults(result.Inserted),
		Updated:   dto.FactResults(result.Updated),
		Deleted:   deleted,
		Unchanged: result.Unchanged,
	})
}

// factID parses the :fact_id path parameter.
func factID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("fact_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "invalid_request", "fact_id must be a positive integer")
		return 0, false
	}
	return id, true
}

// UpdateFact handles PATCH /api/v1/chapters/:id/facts/:fact_id
func (h *FactsHandler) UpdateFact(c *gin.Context) {
	id, ok := chapterID(c)
	if !ok {
		return
	}
	fid, ok := factID(c)
	if !ok {
		return
	}
	var req dto.UpdateFactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !h.ready(c) {
		return
	}

	fact, err := h.memory.UpdateFact(c.Request.Context(), fid, id, req.Text, req.PageNumber)
	if err != nil {
		writeStoreError(c, h.logger, "update", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewFactResult(fact))
}

// DeleteFact handles DELETE /api/v1/chapters/:id/facts/:fact_id
func (h *FactsHandler) DeleteFact(c *gin.Context) {
	id, ok := chapterID(c)
	if !ok {
		return
	}
	fid, ok := factID(c)
	if !ok || !h.ready(c) {
		return
	}

	if err := h.memory.DeleteFact(c.Request.Context(), fid, id); err != nil {
		writeStoreError(c, h.logger, "delete", err)
		return
	}
	c.JSON(http.StatusOK, dto.DeleteFactsResponse{Success: true, Deleted: 1})
}

// DeleteChapterFacts handles DELETE /api/v1/chapters/:id/facts
func (h *FactsHandler) DeleteChapterFacts(c *gin.Context) {
	id, ok := chapterID(c)
	if !ok || !h.ready(c) {
		return
	}

	n, err := h.memory.DeleteChapterFacts(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, h.logger, "delete", err)
		return
	}
	h.logger.Info("deleted chapter facts", "chapter_id", id, "deleted", n)
	c.JSON(http.StatusOK, dto.DeleteFactsResponse{
		Success: true,
		Deleted: n,
		Message: fmt.Sprintf("Deleted %d facts from chapter %s", n, id),
	})
}
