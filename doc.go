// Package factmemory provides a semantic fact memory for book chapters.
//
// Atomic facts extracted from chapter text are stored per chapter together
// with an embedding of their text. Embeddings are cached by exact text so a
// text is embedded at most once. Facts can be searched by similarity with
// stable keyset pagination, reconciled against a desired set, and
// deduplicated on insertion.
//
// # Basic Usage
//
// Create a client over a fact store and an embedder:
//
//	db, err := factstore.NewSQLiteDB("facts.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := db.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	emb := embedder.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"), embedder.Config{
//		Model: "text-embedding-3-small",
//	})
//
//	client, err := factmemory.NewClient(db, emb, nil, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
// Or build everything from configuration:
//
//	cfg, err := config.Load()
//	client, err := factmemory.NewClientFromConfig(ctx, cfg, logger)
//
// # Reconciling Chapters
//
// UpsertFacts converges a chapter to a desired set of fact texts. New texts
// are inserted, texts already stored keep their fact ID, and the rest are
// deleted:
//
//	result, err := client.UpsertFacts(ctx, "ch-1", []string{
//		"The river floods every spring.",
//		"The mill was built in 1820.",
//	}, reconciler.DefaultUpsertOptions())
//
// AddFactIfNew inserts a single fact unless a similar one already exists:
//
//	fact, err := client.AddFactIfNew(ctx, "ch-1", text, reconciler.DefaultSimilarThreshold, nil)
//	if err == nil && fact == nil {
//		// suppressed as a near-duplicate
//	}
//
// # Searching
//
//	page, err := client.Search(ctx, "when was the mill built", &factmemory.SearchOptions{
//		MinSimilarity: 0.5,
//		Limit:         10,
//	})
//	for page.HasMore {
//		page, err = client.Search(ctx, query, &factmemory.SearchOptions{
//			MinSimilarity: 0.5,
//			Cursor:        page.NextCursor,
//		})
//	}
//
// A failed search returns an empty page and an error wrapping
// search.ErrSearchFailed, so callers can tell "no matches" from "search broke".
//
// # Processing Chapters
//
// ProcessChapter runs content loading, fact extraction, page attribution and
// reconciliation for one chapter. With a checkpoint manager configured, a
// failed run resumes after the last completed step. ProcessChapters runs
// several jobs on a bounded worker pool and reports errors per job.
package factmemory
