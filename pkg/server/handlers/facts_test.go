package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/factmemory"
	"github.com/soundprediction/factmemory/pkg/embedder/embeddertest"
	"github.com/soundprediction/factmemory/pkg/factstore"
	"github.com/soundprediction/factmemory/pkg/server/dto"
	"github.com/soundprediction/factmemory/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestMemory(t *testing.T, emb *embeddertest.Embedder) *factmemory.Client {
	t.Helper()
	db, err := factstore.NewSQLiteDB(filepath.Join(t.TempDir(), "facts.db"))
	require.NoError(t, err)
	require.NoError(t, db.Initialize(context.Background()))
	client, err := factmemory.NewClient(db, emb, &factmemory.Config{Model: "fake"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

func newTestRouter(m factmemory.FactMemory) *gin.Engine {
	r := gin.New()
	facts := NewFactsHandler(m, nil)
	var searcher factmemory.FactSearcher
	if m != nil {
		searcher = m
	}
	r.GET("/api/v1/facts/search", NewSearchHandler(searcher, nil).Search)
	g := r.Group("/api/v1/chapters/:id/facts")
	g.GET("", facts.ListFacts)
	g.POST("", facts.AddFact)
	g.PUT("", facts.UpsertFacts)
	g.DELETE("", facts.DeleteChapterFacts)
	g.PATCH("/:fact_id", facts.UpdateFact)
	g.DELETE("/:fact_id", facts.DeleteFact)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeError(c, http.StatusBadRequest, "invalid_request", "test error message")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	resp := decode[dto.ErrorResponse](t, w)
	assert.Equal(t, "invalid_request", resp.Error)
	assert.Equal(t, "test error message", resp.Message)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.True(t, c.IsAborted())
}

func TestFactsValidation(t *testing.T) {
	r := newTestRouter(nil)

	tests := []struct {
		name           string
		method         string
		path           string
		body           any
		expectedStatus int
	}{
		{"invalid JSON", http.MethodPost, "/api/v1/chapters/ch-1/facts", "not json", http.StatusBadRequest},
		{"empty text", http.MethodPost, "/api/v1/chapters/ch-1/facts", dto.AddFactRequest{Text: "   "}, http.StatusBadRequest},
		{"similarity out of range", http.MethodPost, "/api/v1/chapters/ch-1/facts", map[string]any{"text": "a", "min_similarity": 2}, http.StatusBadRequest},
		{"negative page", http.MethodPost, "/api/v1/chapters/ch-1/facts", map[string]any{"text": "a", "page_number": -1}, http.StatusBadRequest},
		{"upsert empty fact", http.MethodPut, "/api/v1/chapters/ch-1/facts", dto.UpsertFactsRequest{Facts: []string{"a", ""}}, http.StatusBadRequest},
		{"upsert page for unknown text", http.MethodPut, "/api/v1/chapters/ch-1/facts", dto.UpsertFactsRequest{Facts: []string{"a"}, PageNumbers: map[string]int{"b": 1}}, http.StatusBadRequest},
		{"bad fact id", http.MethodDelete, "/api/v1/chapters/ch-1/facts/abc", nil, http.StatusBadRequest},
		{"zero fact id", http.MethodPatch, "/api/v1/chapters/ch-1/facts/0", dto.UpdateFactRequest{Text: "a"}, http.StatusBadRequest},
		{"valid request without client", http.MethodPost, "/api/v1/chapters/ch-1/facts", dto.AddFactRequest{Text: "a"}, http.StatusServiceUnavailable},
		{"list without client", http.MethodGet, "/api/v1/chapters/ch-1/facts", nil, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}
}

func TestFactsLifecycle(t *testing.T) {
	r := newTestRouter(newTestMemory(t, embeddertest.New(8)))

	// Upsert A, B, C.
	w := do(t, r, http.MethodPut, "/api/v1/chapters/ch-1/facts", dto.UpsertFactsRequest{
		Facts:       []string{"A", "B", "C"},
		PageNumbers: map[string]int{"A": 4},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	upsert := decode[dto.UpsertFactsResponse](t, w)
	assert.Len(t, upsert.Inserted, 3)
	assert.Empty(t, upsert.Deleted)

	// Converge to B, C, D.
	w = do(t, r, http.MethodPut, "/api/v1/chapters/ch-1/facts", dto.UpsertFactsRequest{Facts: []string{"B", "C", "D"}})
	require.Equal(t, http.StatusOK, w.Code)
	upsert = decode[dto.UpsertFactsResponse](t, w)
	assert.Len(t, upsert.Inserted, 1)
	assert.Len(t, upsert.Updated, 2)
	assert.Len(t, upsert.Deleted, 1)

	w = do(t, r, http.MethodGet, "/api/v1/chapters/ch-1/facts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.ListFactsResponse](t, w)
	assert.Equal(t, 3, list.Total)
	assert.NotContains(t, w.Body.String(), "vector")

	w = do(t, r, http.MethodGet, "/api/v1/chapters/ch-1/facts?filter=d", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = decode[dto.ListFactsResponse](t, w)
	require.Equal(t, 1, list.Total)
	target := list.Facts[0]
	assert.Equal(t, "D", target.Text)

	// Update keeps identity.
	page := 9
	w = do(t, r, http.MethodPatch, fmt.Sprintf("/api/v1/chapters/ch-1/facts/%d", target.ID), dto.UpdateFactRequest{Text: "D2", PageNumber: &page})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[dto.FactResult](t, w)
	assert.Equal(t, target.ID, updated.ID)
	assert.Equal(t, "D2", updated.Text)
	require.NotNil(t, updated.PageNumber)
	assert.Equal(t, 9, *updated.PageNumber)

	// Wrong chapter is not found.
	w = do(t, r, http.MethodPatch, fmt.Sprintf("/api/v1/chapters/ch-2/facts/%d", target.ID), dto.UpdateFactRequest{Text: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/chapters/ch-1/facts/%d", target.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/chapters/ch-1/facts/%d", target.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodDelete, "/api/v1/chapters/ch-1/facts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	deleted := decode[dto.DeleteFactsResponse](t, w)
	assert.Equal(t, int64(2), deleted.Deleted)
}

func TestAddFactSuppressesDuplicates(t *testing.T) {
	r := newTestRouter(newTestMemory(t, embeddertest.New(8)))

	w := do(t, r, http.MethodPost, "/api/v1/chapters/ch-1/facts", dto.AddFactRequest{Text: "The mill was built in 1820."})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	added := decode[dto.AddFactResponse](t, w)
	assert.True(t, added.Added)
	require.NotNil(t, added.Fact)
	assert.Equal(t, "ch-1", added.Fact.ChapterID)

	w = do(t, r, http.MethodPost, "/api/v1/chapters/ch-2/facts", dto.AddFactRequest{Text: "The mill was built in 1820."})
	require.Equal(t, http.StatusOK, w.Code)
	added = decode[dto.AddFactResponse](t, w)
	assert.False(t, added.Added)
	assert.Nil(t, added.Fact)
}

func TestSearchEndpoint(t *testing.T) {
	emb := embeddertest.New(3).
		Set("f1", []float32{1, 0, 0}).
		Set("f2", []float32{1, 0, 0}).
		Set("f3", []float32{0.6, 0.8, 0}).
		Set("q", []float32{1, 0, 0})
	memory := newTestMemory(t, emb)
	r := newTestRouter(memory)

	w := do(t, r, http.MethodPut, "/api/v1/chapters/ch-1/facts", dto.UpsertFactsRequest{Facts: []string{"f1", "f2", "f3"}})
	require.Equal(t, http.StatusOK, w.Code)

	var seen []string
	cursor := ""
	for i := 0; i < 5; i++ {
		path := "/api/v1/facts/search?q=q&min_similarity=0.5&limit=1"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		w = do(t, r, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		page := decode[dto.SearchResponse](t, w)
		require.Len(t, page.Facts, 1)
		require.NotNil(t, page.Facts[0].Similarity)
		seen = append(seen, page.Facts[0].Text)
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}
	// Ties on similarity are broken by descending fact ID.
	assert.Equal(t, []string{"f2", "f1", "f3"}, seen)

	t.Run("chapter filter", func(t *testing.T) {
		w := do(t, r, http.MethodGet, "/api/v1/facts/search?q=q&chapter_id=other", nil)
		require.Equal(t, http.StatusOK, w.Code)
		page := decode[dto.SearchResponse](t, w)
		assert.Empty(t, page.Facts)
		assert.False(t, page.HasMore)
	})

	t.Run("invalid parameters", func(t *testing.T) {
		for _, path := range []string{
			"/api/v1/facts/search",
			"/api/v1/facts/search?q=q&limit=0",
			"/api/v1/facts/search?q=q&limit=abc",
			"/api/v1/facts/search?q=q&min_similarity=nope",
			"/api/v1/facts/search?q=q&cursor=%21%21",
		} {
			w := do(t, r, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, path)
		}
	})

	t.Run("embedder failure is reported", func(t *testing.T) {
		emb.Err = assert.AnError
		defer func() { emb.Err = nil }()
		w := do(t, r, http.MethodGet, "/api/v1/facts/search?q=unseen", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decode[dto.ErrorResponse](t, w)
		assert.Equal(t, "search_failed", resp.Error)
	})
}

func TestFactResultConversion(t *testing.T) {
	page := 3
	f := types.ScoredFact{
		FactWithContext: types.FactWithContext{
			Fact:         types.Fact{ID: 7, Text: "t", ChapterID: "c", PageNumber: &page},
			Embedding:    &types.CachedEmbedding{Vector: []float32{1, 2}},
			ChapterTitle: "Chapter",
			BookID:       "b",
			BookTitle:    "Book",
		},
		Similarity: 0.5,
	}
	r := dto.NewScoredFactResult(f)
	assert.Equal(t, int64(7), r.ID)
	assert.Equal(t, "Chapter", r.ChapterTitle)
	assert.Equal(t, "Book", r.BookTitle)
	require.NotNil(t, r.Similarity)
	assert.Equal(t, 0.5, *r.Similarity)
}
