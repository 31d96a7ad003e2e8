package factstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/factmemory/pkg/embedcache"
	"github.com/soundprediction/factmemory/pkg/embedder/embeddertest"
	"github.com/soundprediction/factmemory/pkg/search"
	"github.com/soundprediction/factmemory/pkg/types"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "facts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize(context.Background()))
	return db
}

func newTestStore(t *testing.T, emb *embeddertest.Embedder) (*Store, *SQLiteDB) {
	t.Helper()
	db := newTestDB(t)
	cache := embedcache.New(db, emb, &embedcache.Config{Dimensions: emb.Dimensions(), Model: "fake"})
	return NewStore(db, cache, nil), db
}

func insertEmbedding(t *testing.T, db FactsDB, id, text string, vector []float32) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.InsertEmbedding(context.Background(), &types.CachedEmbedding{
		ID:          id,
		Text:        text,
		Vector:      vector,
		FeatureTags: []string{types.FeatureFact},
		Model:       "fake",
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
}

func TestRebind(t *testing.T) {
	pg := &sqlCore{postgres: true}
	assert.Equal(t, "SELECT * FROM facts WHERE id = $1 AND chapter_id = $2",
		pg.rebind("SELECT * FROM facts WHERE id = ? AND chapter_id = ?"))

	lite := &sqlCore{}
	assert.Equal(t, "WHERE id = ?", lite.rebind("WHERE id = ?"))
}

func TestDBTimeScan(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 30, 45, 500000000, time.UTC)

	inputs := []any{
		want,
		"2026-03-01 12:30:45.5+00:00",
		[]byte("2026-03-01T12:30:45.5Z"),
		"2026-03-01 14:30:45.5+02:00",
	}
	for _, in := range inputs {
		var ts dbTime
		require.NoError(t, ts.Scan(in), "%v", in)
		assert.True(t, want.Equal(ts.Time), "%v parsed as %v", in, ts.Time)
	}

	var ts dbTime
	assert.Error(t, ts.Scan("yesterday"))
	assert.Error(t, ts.Scan(42))
	require.NoError(t, ts.Scan(nil))
	assert.True(t, ts.Time.IsZero())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_now \\ later`, escapeLike(`50% off_now \ later`))
}

func TestNewFactsDB(t *testing.T) {
	_, err := NewFactsDB(nil)
	assert.Error(t, err)

	_, err = NewFactsDB(&FactStoreConfig{Type: FactStoreTypeSQLite})
	assert.Error(t, err)

	_, err = NewFactsDB(&FactStoreConfig{Type: "mongo", ConnectionString: "x"})
	assert.Error(t, err)

	db, err := NewFactsDB(&FactStoreConfig{ConnectionString: filepath.Join(t.TempDir(), "sub", "f.db")})
	require.NoError(t, err)
	defer db.Close()
	assert.IsType(t, &SQLiteDB{}, db)
}

func TestSQLite_EmbeddingRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	insertEmbedding(t, db, "e1", "The sky is blue.", []float32{0.25, -0.5, 1})

	got, err := db.GetEmbeddingByText(ctx, "The sky is blue.")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, []float32{0.25, -0.5, 1}, got.Vector)
	assert.Equal(t, []string{types.FeatureFact}, got.FeatureTags)
	assert.Equal(t, "fake", got.Model)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Minute)

	// Lookups are exact.
	miss, err := db.GetEmbeddingByText(ctx, "the sky is blue.")
	require.NoError(t, err)
	assert.Nil(t, miss)

	// The text is unique.
	now := time.Now().UTC()
	err = db.InsertEmbedding(ctx, &types.CachedEmbedding{ID: "e2", Text: "The sky is blue.", Vector: []float32{1, 0, 0}, CreatedAt: now, UpdatedAt: now})
	assert.Error(t, err)

	stored, err := db.InsertEmbeddingIfAbsent(ctx, &types.CachedEmbedding{ID: "e3", Text: "The sky is blue.", Vector: []float32{1, 0, 0}, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, "e1", stored.ID)

	require.NoError(t, db.UpdateEmbeddingTags(ctx, "e1", []string{types.FeatureFact, types.FeatureQuery}))
	got, err = db.GetEmbeddingByText(ctx, "The sky is blue.")
	require.NoError(t, err)
	assert.Equal(t, []string{types.FeatureFact, types.FeatureQuery}, got.FeatureTags)
}

func TestSQLite_GetEmbeddingsByText(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertEmbedding(t, db, "a", "alpha", []float32{1, 0})
	insertEmbedding(t, db, "b", "beta", []float32{0, 1})

	got, err := db.GetEmbeddingsByText(ctx, []string{"alpha", "gamma", "beta"})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	got, err = db.GetEmbeddingsByText(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_FactLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertEmbedding(t, db, "e1", "Paris is in France.", []float32{1, 0})
	insertEmbedding(t, db, "e2", "Paris is the capital of France.", []float32{0, 1})

	require.NoError(t, db.SaveBook(ctx, &types.Book{ID: "b1", Title: "Geography"}))
	require.NoError(t, db.SaveChapter(ctx, &types.Chapter{ID: "c1", BookID: "b1", Title: "Europe", Position: 1}))

	page := 7
	first := &types.Fact{Text: "Paris is in France.", ChapterID: "c1", EmbeddingID: "e1", PageNumber: &page}
	require.NoError(t, db.InsertFact(ctx, first))
	second := &types.Fact{Text: "Paris is in France.", ChapterID: "c1", EmbeddingID: "e1"}
	require.NoError(t, db.InsertFact(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	got, err := db.GetFact(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Paris is in France.", got.Text)
	require.NotNil(t, got.PageNumber)
	assert.Equal(t, 7, *got.PageNumber)
	assert.Equal(t, "Europe", got.ChapterTitle)
	assert.Equal(t, "b1", got.BookID)
	assert.Equal(t, "Geography", got.BookTitle)
	require.NotNil(t, got.Embedding)
	assert.Equal(t, []float32{1, 0}, got.Embedding.Vector)

	first.Text = "Paris is the capital of France."
	first.EmbeddingID = "e2"
	require.NoError(t, db.UpdateFact(ctx, first))
	got, err = db.GetFact(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "e2", got.EmbeddingID)

	wrongChapter := *first
	wrongChapter.ChapterID = "c2"
	assert.ErrorIs(t, db.UpdateFact(ctx, &wrongChapter), ErrFactNotFound)
	assert.ErrorIs(t, db.DeleteFact(ctx, first.ID, "c2"), ErrFactNotFound)

	require.NoError(t, db.DeleteFact(ctx, first.ID, "c1"))
	_, err = db.GetFact(ctx, first.ID)
	assert.ErrorIs(t, err, ErrFactNotFound)

	n, err := db.DeleteChapterFacts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLite_FactRequiresEmbedding(t *testing.T) {
	db := newTestDB(t)
	err := db.InsertFact(context.Background(), &types.Fact{Text: "x", ChapterID: "c1", EmbeddingID: "missing"})
	assert.Error(t, err)

	err = db.InsertFact(context.Background(), &types.Fact{Text: "x", ChapterID: "c1"})
	assert.ErrorIs(t, err, types.ErrEmptyID)
}

func TestSQLite_ListFactsFilter(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	texts := []string{"Water boils at 100%.", "WATER freezes at 0 degrees.", "Ice floats.", "A_B testing"}
	for i, text := range texts {
		id := string(rune('a' + i))
		insertEmbedding(t, db, id, text, []float32{1, float32(i)})
		require.NoError(t, db.InsertFact(ctx, &types.Fact{Text: text, ChapterID: "c1", EmbeddingID: id}))
	}
	insertEmbedding(t, db, "other", "Water elsewhere", []float32{1, 1})
	require.NoError(t, db.InsertFact(ctx, &types.Fact{Text: "Water elsewhere", ChapterID: "c2", EmbeddingID: "other"}))

	all, err := db.ListFacts(ctx, "c1", "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	water, err := db.ListFacts(ctx, "c1", "water")
	require.NoError(t, err)
	require.Len(t, water, 2)
	assert.Equal(t, "Water boils at 100%.", water[0].Text)
	assert.Equal(t, "WATER freezes at 0 degrees.", water[1].Text)

	pct, err := db.ListFacts(ctx, "c1", "100%")
	require.NoError(t, err)
	assert.Len(t, pct, 1)

	underscore, err := db.ListFacts(ctx, "c1", "a_b")
	require.NoError(t, err)
	assert.Len(t, underscore, 1)

	none, err := db.ListFacts(ctx, "missing", "")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSQLite_DeleteOrphanEmbeddings(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	insertEmbedding(t, db, "used", "used", []float32{1, 0})
	insertEmbedding(t, db, "orphan", "orphan", []float32{0, 1})
	require.NoError(t, db.InsertFact(ctx, &types.Fact{Text: "used", ChapterID: "c1", EmbeddingID: "used"}))

	// A cutoff in the past protects recent rows.
	n, err := db.DeleteOrphanEmbeddings(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = db.DeleteOrphanEmbeddings(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.GetEmbeddingByText(ctx, "orphan")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = db.GetEmbeddingByText(ctx, "used")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSQLite_ChaptersAndStats(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.GetChapter(ctx, "c1")
	assert.ErrorIs(t, err, ErrChapterNotFound)
	assert.Error(t, db.SaveChapter(ctx, &types.Chapter{ID: "c1"}))

	require.NoError(t, db.SaveBook(ctx, &types.Book{ID: "b1", Title: "One"}))
	require.NoError(t, db.SaveChapter(ctx, &types.Chapter{ID: "c1", BookID: "b1", Title: "Draft"}))
	require.NoError(t, db.SaveChapter(ctx, &types.Chapter{ID: "c1", BookID: "b1", Title: "Final", Position: 2}))

	ch, err := db.GetChapter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Final", ch.Title)
	assert.Equal(t, 2, ch.Position)

	insertEmbedding(t, db, "e1", "one", []float32{1, 0})
	insertEmbedding(t, db, "e2", "two", []float32{0, 1})
	require.NoError(t, db.InsertFact(ctx, &types.Fact{Text: "one", ChapterID: "c1", EmbeddingID: "e1"}))
	require.NoError(t, db.InsertFact(ctx, &types.Fact{Text: "one", ChapterID: "c2", EmbeddingID: "e1"}))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{
		FactCount:            2,
		EmbeddingCount:       2,
		ChapterCount:         2,
		BookCount:            1,
		OrphanEmbeddingCount: 1,
	}, stats)
}

func TestSQLite_SearchFactsPaginates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	vectors := map[string][]float32{
		"exact":   {0.6, 0.8},
		"scaled":  {3, 4},
		"close":   {0.8, 0.6},
		"up":      {0, 1},
		"right":   {1, 0},
		"against": {-0.6, -0.8},
	}
	order := []string{"exact", "right", "up", "close", "scaled", "against"}
	ids := make(map[string]int64)
	for _, text := range order {
		insertEmbedding(t, db, "e-"+text, text, vectors[text])
		chapter := "c1"
		if text == "up" {
			chapter = "c2"
		}
		f := &types.Fact{Text: text, ChapterID: chapter, EmbeddingID: "e-" + text}
		require.NoError(t, db.InsertFact(ctx, f))
		ids[text] = f.ID
	}

	engine := search.NewEngine(db, nil, nil)
	query := []float32{0.6, 0.8}

	var got []string
	req := search.Request{MinSimilarity: 0.5, Limit: 2}
	for pages := 0; pages < 10; pages++ {
		page, err := engine.Search(ctx, query, req)
		require.NoError(t, err)
		for _, f := range page.Facts {
			got = append(got, f.Text)
		}
		if !page.HasMore {
			break
		}
		req.Cursor = page.NextCursor
	}
	// Ties at 1.0 break by id descending.
	assert.Equal(t, []string{"scaled", "exact", "close", "up", "right"}, got)

	scoped, err := engine.Search(ctx, query, search.Request{ChapterID: "c2", MinSimilarity: -1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, scoped.Facts, 1)
	assert.Equal(t, ids["up"], scoped.Facts[0].ID)
	assert.InDelta(t, 0.8, scoped.Facts[0].Similarity, 1e-9)
	assert.False(t, scoped.HasMore)
}

func TestStore_AddManySharesEmbeddings(t *testing.T) {
	ctx := context.Background()
	emb := embeddertest.New(4)
	store, db := newTestStore(t, emb)

	facts, err := store.AddMany(ctx, "c1", []string{"A cat sat.", "A dog ran.", "A cat sat."}, map[string]int{"A dog ran.": 3})
	require.NoError(t, err)
	require.Len(t, facts, 3)
	assert.Equal(t, facts[0].EmbeddingID, facts[2].EmbeddingID)
	assert.NotEqual(t, facts[0].EmbeddingID, facts[1].EmbeddingID)
	assert.Nil(t, facts[0].PageNumber)
	require.NotNil(t, facts[1].PageNumber)
	assert.Equal(t, 3, *facts[1].PageNumber)

	// Same text in another chapter reuses the cached vector.
	other, err := store.AddOne(ctx, "c2", "A cat sat.", nil)
	require.NoError(t, err)
	assert.Equal(t, facts[0].EmbeddingID, other.EmbeddingID)

	assert.Equal(t, 1, emb.Calls())
	assert.ElementsMatch(t, []string{"A cat sat.", "A dog ran."}, emb.Batches()[0])

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.FactCount)
	assert.Equal(t, int64(2), stats.EmbeddingCount)
}

func TestStore_AddValidation(t *testing.T) {
	ctx := context.Background()
	emb := embeddertest.New(4)
	store, db := newTestStore(t, emb)

	_, err := store.AddMany(ctx, "", []string{"x"}, nil)
	assert.ErrorIs(t, err, types.ErrEmptyChapterID)

	_, err = store.AddMany(ctx, "c1", []string{"x", ""}, nil)
	assert.ErrorIs(t, err, types.ErrEmptyText)

	facts, err := store.AddMany(ctx, "c1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, facts)

	listed, err := db.ListFacts(ctx, "c1", "")
	require.NoError(t, err)
	assert.Empty(t, listed)
	assert.Zero(t, emb.Calls())
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, embeddertest.New(4))

	page := 2
	fact, err := store.AddOne(ctx, "c1", "Old text.", &page)
	require.NoError(t, err)

	updated, err := store.Update(ctx, fact.ID, "c1", "New text.", nil)
	require.NoError(t, err)
	assert.Equal(t, fact.ID, updated.ID)
	assert.Equal(t, "New text.", updated.Text)
	assert.NotEqual(t, fact.EmbeddingID, updated.EmbeddingID)
	require.NotNil(t, updated.PageNumber)
	assert.Equal(t, 2, *updated.PageNumber)

	got, err := store.Get(ctx, fact.ID)
	require.NoError(t, err)
	assert.Equal(t, "New text.", got.Text)
	assert.Equal(t, "New text.", got.Embedding.Text)

	_, err = store.Update(ctx, fact.ID, "c2", "Other.", nil)
	assert.ErrorIs(t, err, ErrFactNotFound)
	_, err = store.Update(ctx, 9999, "c1", "Other.", nil)
	assert.ErrorIs(t, err, ErrFactNotFound)
	_, err = store.Update(ctx, fact.ID, "c1", "", nil)
	assert.ErrorIs(t, err, types.ErrEmptyText)
}

func TestStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, embeddertest.New(4))

	facts, err := store.AddMany(ctx, "c1", []string{"one", "two", "three"}, nil)
	require.NoError(t, err)
	_, err = store.AddOne(ctx, "c2", "four", nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, facts[1].ID, "c1"))
	assert.ErrorIs(t, store.Delete(ctx, facts[1].ID, "c1"), ErrFactNotFound)

	listed, err := store.List(ctx, "c1", "")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "one", listed[0].Text)
	assert.Equal(t, "three", listed[1].Text)

	n, err := store.DeleteAll(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	listed, err = store.List(ctx, "c2", "")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = store.List(ctx, "", "")
	assert.ErrorIs(t, err, types.ErrEmptyChapterID)
}
