package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/factmemory/pkg/types"
)

// memBackend ranks a fixed candidate set in memory.
type memBackend struct {
	candidates []Candidate
	err        error
	lastReq    Request
}

func (m *memBackend) SearchFacts(ctx context.Context, query []float32, req Request) ([]types.ScoredFact, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	var scoped []Candidate
	for _, c := range m.candidates {
		if req.ChapterID == "" || c.Fact.ChapterID == req.ChapterID {
			scoped = append(scoped, c)
		}
	}
	return Rank(query, scoped, req), nil
}

func candidate(id int64, chapter string, vec ...float32) Candidate {
	return Candidate{
		Fact: types.FactWithContext{Fact: types.Fact{
			ID:          id,
			Text:        "fact",
			ChapterID:   chapter,
			EmbeddingID: "e",
		}},
		Vector: vec,
	}
}

// fixture has ties at similarity 1 (ids 2, 5, 7) and 0.6 (ids 3, 4).
func fixture() []Candidate {
	return []Candidate{
		candidate(1, "c1", 0, 1),       // 0.8
		candidate(2, "c1", 0.6, 0.8),   // 1
		candidate(3, "c2", 1, 0),       // 0.6
		candidate(4, "c1", 2, 0),       // 0.6
		candidate(5, "c2", 3, 4),       // 1
		candidate(6, "c1", -0.6, -0.8), // -1
		candidate(7, "c1", 0.6, 0.8),   // 1
		candidate(8, "c2", 0.8, 0.6),   // 0.96
	}
}

var query = []float32{0.6, 0.8}

func ids(facts []types.ScoredFact) []int64 {
	out := make([]int64, len(facts))
	for i, f := range facts {
		out[i] = f.ID
	}
	return out
}

func collectAll(t *testing.T, engine *Engine, req Request) []types.ScoredFact {
	t.Helper()
	var all []types.ScoredFact
	for pages := 0; pages < 100; pages++ {
		page, err := engine.Search(context.Background(), query, req)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page.Facts), NormalizeLimit(req.Limit))
		all = append(all, page.Facts...)
		if !page.HasMore {
			assert.Nil(t, page.NextCursor)
			return all
		}
		require.NotNil(t, page.NextCursor)
		req.Cursor = page.NextCursor
	}
	t.Fatal("pagination did not terminate")
	return nil
}

func TestSearch_PaginationCompleteness(t *testing.T) {
	engine := NewEngine(&memBackend{candidates: fixture()}, nil, nil)
	want := []int64{7, 5, 2, 8, 1, 4, 3}

	for _, limit := range []int{1, 2, 3, 4, 7, 8, 50} {
		all := collectAll(t, engine, Request{MinSimilarity: 0.5, Limit: limit})
		assert.Equal(t, want, ids(all), "limit %d", limit)

		for i := 1; i < len(all); i++ {
			prev, cur := all[i-1], all[i]
			assert.True(t, prev.Similarity > cur.Similarity ||
				(prev.Similarity == cur.Similarity && prev.ID > cur.ID))
		}
	}
}

func TestSearch_TieBreakDeterminism(t *testing.T) {
	engine := NewEngine(&memBackend{candidates: fixture()}, nil, nil)

	for i := 0; i < 5; i++ {
		page, err := engine.Search(context.Background(), query, Request{MinSimilarity: 0.99, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []int64{7, 5, 2}, ids(page.Facts))
		for _, f := range page.Facts {
			assert.Equal(t, 1.0, f.Similarity)
		}
	}
}

func TestSearch_ThresholdBoundary(t *testing.T) {
	backend := &memBackend{candidates: []Candidate{candidate(1, "c", 1, 0)}}
	engine := NewEngine(backend, nil, nil)

	page, err := engine.Search(context.Background(), query, Request{MinSimilarity: 0.6})
	require.NoError(t, err)
	require.Len(t, page.Facts, 1)
	assert.Equal(t, 0.6, page.Facts[0].Similarity)

	page, err = engine.Search(context.Background(), query, Request{MinSimilarity: 0.600001})
	require.NoError(t, err)
	assert.Empty(t, page.Facts)
}

func TestSearch_ThresholdUsesScorePrecision(t *testing.T) {
	backend := &memBackend{candidates: []Candidate{candidate(1, "c", 1, 0)}}
	engine := NewEngine(backend, nil, nil)

	// 0.6000004 and the score 0.6 are equal at six decimals.
	page, err := engine.Search(context.Background(), query, Request{MinSimilarity: 0.6000004})
	require.NoError(t, err)
	require.Len(t, page.Facts, 1)
	assert.Equal(t, 0.6, page.Facts[0].Similarity)

	page, err = engine.Search(context.Background(), query, Request{MinSimilarity: 0.6000006})
	require.NoError(t, err)
	assert.Empty(t, page.Facts)

	assert.Equal(t, 0.9, Request{MinSimilarity: 0.899999691}.Threshold())
	assert.Equal(t, 0.600001, Request{MinSimilarity: 0.6000006}.Threshold())
}

func TestSearch_ChapterScope(t *testing.T) {
	engine := NewEngine(&memBackend{candidates: fixture()}, nil, nil)

	page, err := engine.Search(context.Background(), query, Request{ChapterID: "c2", MinSimilarity: 0})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 8, 3}, ids(page.Facts))
	assert.False(t, page.HasMore)
}

func TestSearch_CursorFromLastRetainedRow(t *testing.T) {
	backend := &memBackend{candidates: fixture()}
	engine := NewEngine(backend, nil, nil)

	page, err := engine.Search(context.Background(), query, Request{MinSimilarity: 0.5, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 5}, ids(page.Facts))
	assert.True(t, page.HasMore)
	assert.Equal(t, &types.SearchCursor{LastID: 5, LastSimilarity: 1}, page.NextCursor)
	assert.Equal(t, 3, backend.lastReq.Limit)
}

func TestSearch_LimitNormalization(t *testing.T) {
	backend := &memBackend{}
	engine := NewEngine(backend, nil, nil)

	_, err := engine.Search(context.Background(), query, Request{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit+1, backend.lastReq.Limit)

	_, err = engine.Search(context.Background(), query, Request{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit+1, backend.lastReq.Limit)
}

func TestSearch_FailureIsTagged(t *testing.T) {
	cause := errors.New("connection refused")
	engine := NewEngine(&memBackend{err: cause}, nil, nil)

	page, err := engine.Search(context.Background(), query, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSearchFailed)
	assert.ErrorIs(t, err, cause)
	require.NotNil(t, page)
	assert.NotNil(t, page.Facts)
	assert.Empty(t, page.Facts)
	assert.False(t, page.HasMore)

	_, err = engine.Search(context.Background(), nil, Request{})
	assert.ErrorIs(t, err, ErrSearchFailed)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = engine.Search(context.Background(), query, Request{Cursor: &types.SearchCursor{}})
	assert.ErrorIs(t, err, types.ErrInvalidCursor)
}

func TestSearch_NoResultsIsNotAnError(t *testing.T) {
	engine := NewEngine(&memBackend{}, nil, nil)

	page, err := engine.Search(context.Background(), query, Request{MinSimilarity: 0.9})
	require.NoError(t, err)
	assert.NotNil(t, page.Facts)
	assert.Empty(t, page.Facts)
	assert.Nil(t, page.NextCursor)
}

func TestRank_NoLimitReturnsAll(t *testing.T) {
	got := Rank(query, fixture(), Request{MinSimilarity: -1})
	assert.Len(t, got, 8)
	assert.Equal(t, int64(6), got[len(got)-1].ID)
}
