package factstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/soundprediction/factmemory/pkg/search"
	"github.com/soundprediction/factmemory/pkg/types"
	"github.com/soundprediction/factmemory/pkg/utils"
)

// maxInParams bounds the number of bind parameters in one IN (...) list.
const maxInParams = 500

// sqlCore holds the queries shared by the PostgreSQL and SQLite backends.
// Queries are written with ? placeholders and rebound per dialect.
type sqlCore struct {
	db       *sql.DB
	postgres bool
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (c *sqlCore) rebind(query string) string {
	if !c.postgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (c *sqlCore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.rebind(query), args...)
}

func (c *sqlCore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.rebind(query), args...)
}

func (c *sqlCore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.rebind(query), args...)
}

// dbTime scans timestamps stored natively or as text.
type dbTime struct {
	Time time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Scan implements sql.Scanner.
func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const embeddingColumns = `id, text, CAST(vector AS TEXT), CAST(feature_tags AS TEXT), model, created_at, updated_at`

func scanEmbedding(row rowScanner) (*types.CachedEmbedding, error) {
	var (
		e                    types.CachedEmbedding
		vector, tags         string
		createdAt, updatedAt dbTime
	)
	if err := row.Scan(&e.ID, &e.Text, &vector, &tags, &e.Model, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := decodeEmbedding(&e, vector, tags); err != nil {
		return nil, err
	}
	e.CreatedAt = createdAt.Time
	e.UpdatedAt = updatedAt.Time
	return &e, nil
}

func decodeEmbedding(e *types.CachedEmbedding, vector, tags string) error {
	v, err := utils.ParseVector(vector)
	if err != nil {
		return fmt.Errorf("embedding %s: %w", e.ID, err)
	}
	e.Vector = v
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &e.FeatureTags); err != nil {
			return fmt.Errorf("embedding %s: failed to parse feature tags: %w", e.ID, err)
		}
	}
	return nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal feature tags: %w", err)
	}
	return string(b), nil
}

// GetEmbeddingByText returns the oldest embedding stored for text, or nil.
func (c *sqlCore) GetEmbeddingByText(ctx context.Context, text string) (*types.CachedEmbedding, error) {
	row := c.queryRow(ctx,
		`SELECT `+embeddingColumns+` FROM embeddings WHERE text = ? ORDER BY created_at, id LIMIT 1`, text)
	e, err := scanEmbedding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	return e, nil
}

// GetEmbeddingsByText returns every embedding whose text is in texts.
func (c *sqlCore) GetEmbeddingsByText(ctx context.Context, texts []string) ([]*types.CachedEmbedding, error) {
	var out []*types.CachedEmbedding
	for _, batch := range utils.Batch(texts, maxInParams) {
		args := make([]any, len(batch))
		for i, t := range batch {
			args[i] = t
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		rows, err := c.query(ctx,
			`SELECT `+embeddingColumns+` FROM embeddings WHERE text IN (`+placeholders+`) ORDER BY created_at, id`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query embeddings: %w", err)
		}
		for rows.Next() {
			e, err := scanEmbedding(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan embedding: %w", err)
			}
			out = append(out, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate embeddings: %w", err)
		}
	}
	return out, nil
}

func embeddingArgs(e *types.CachedEmbedding) ([]any, error) {
	tags, err := encodeTags(e.FeatureTags)
	if err != nil {
		return nil, err
	}
	return []any{e.ID, e.Text, utils.FormatVector(e.Vector), tags, e.Model, e.CreatedAt.UTC(), e.UpdatedAt.UTC()}, nil
}

const insertEmbeddingSQL = `INSERT INTO embeddings (id, text, vector, feature_tags, model, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// InsertEmbedding stores e. It fails if an embedding with the same text exists.
func (c *sqlCore) InsertEmbedding(ctx context.Context, e *types.CachedEmbedding) error {
	args, err := embeddingArgs(e)
	if err != nil {
		return err
	}
	if _, err := c.exec(ctx, insertEmbeddingSQL, args...); err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	return nil
}

// InsertEmbeddingIfAbsent stores e unless its text is already present and
// returns whichever row is stored for the text afterwards.
func (c *sqlCore) InsertEmbeddingIfAbsent(ctx context.Context, e *types.CachedEmbedding) (*types.CachedEmbedding, error) {
	args, err := embeddingArgs(e)
	if err != nil {
		return nil, err
	}
	if _, err := c.exec(ctx, insertEmbeddingSQL+` ON CONFLICT (text) DO NOTHING`, args...); err != nil {
		return nil, fmt.Errorf("failed to insert embedding: %w", err)
	}
	stored, err := c.GetEmbeddingByText(ctx, e.Text)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("embedding for %q vanished after insert", e.Text)
	}
	return stored, nil
}

// UpdateEmbeddingTags replaces the feature tags of an embedding.
func (c *sqlCore) UpdateEmbeddingTags(ctx context.Context, id string, tags []string) error {
	encoded, err := encodeTags(tags)
	if err != nil {
		return err
	}
	if _, err := c.exec(ctx,
		`UPDATE embeddings SET feature_tags = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update embedding tags: %w", err)
	}
	return nil
}

// DeleteOrphanEmbeddings removes embeddings no fact references that were
// last touched before cutoff.
func (c *sqlCore) DeleteOrphanEmbeddings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.exec(ctx, `DELETE FROM embeddings
		WHERE updated_at < ?
		AND NOT EXISTS (SELECT 1 FROM facts f WHERE f.embedding_id = embeddings.id)`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan embeddings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted embeddings: %w", err)
	}
	return n, nil
}

func nullablePage(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

// InsertFact stores fact and sets its ID.
func (c *sqlCore) InsertFact(ctx context.Context, fact *types.Fact) error {
	if err := fact.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	fact.UpdatedAt = now

	row := c.queryRow(ctx, `INSERT INTO facts (text, chapter_id, embedding_id, page_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		fact.Text, fact.ChapterID, fact.EmbeddingID, nullablePage(fact.PageNumber), fact.CreatedAt, fact.UpdatedAt)
	if err := row.Scan(&fact.ID); err != nil {
		return fmt.Errorf("failed to insert fact: %w", err)
	}
	return nil
}

// UpdateFact rewrites the text, embedding and page of a fact in its chapter.
func (c *sqlCore) UpdateFact(ctx context.Context, fact *types.Fact) error {
	if err := fact.Validate(); err != nil {
		return err
	}
	fact.UpdatedAt = time.Now().UTC()
	res, err := c.exec(ctx, `UPDATE facts SET text = ?, embedding_id = ?, page_number = ?, updated_at = ?
		WHERE id = ? AND chapter_id = ?`,
		fact.Text, fact.EmbeddingID, nullablePage(fact.PageNumber), fact.UpdatedAt, fact.ID, fact.ChapterID)
	if err != nil {
		return fmt.Errorf("failed to update fact: %w", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrFactNotFound
	}
	return nil
}

// factColumns selects a fact joined with its embedding and context. Every
// column is aliased so the projection can be wrapped in a subquery.
const factColumns = `f.id AS fact_id, f.text AS fact_text, f.chapter_id AS chapter_id,
	f.embedding_id AS embedding_id, f.page_number AS page_number,
	f.created_at AS fact_created_at, f.updated_at AS fact_updated_at,
	e.text AS emb_text, CAST(e.vector AS TEXT) AS emb_vector, CAST(e.feature_tags AS TEXT) AS emb_tags,
	e.model AS emb_model, e.created_at AS emb_created_at, e.updated_at AS emb_updated_at,
	COALESCE(c.title, '') AS chapter_title, COALESCE(c.book_id, '') AS book_id, COALESCE(b.title, '') AS book_title`

const factJoins = ` FROM facts f
	JOIN embeddings e ON e.id = f.embedding_id
	LEFT JOIN chapters c ON c.id = f.chapter_id
	LEFT JOIN books b ON b.id = c.book_id`

func scanFact(row rowScanner, extra ...any) (*types.FactWithContext, error) {
	var (
		f                  types.FactWithContext
		e                  types.CachedEmbedding
		page               sql.NullInt64
		vector, tags       string
		fCreated, fUpdated dbTime
		eCreated, eUpdated dbTime
	)
	dest := []any{
		&f.ID, &f.Text, &f.ChapterID, &f.EmbeddingID, &page, &fCreated, &fUpdated,
		&e.Text, &vector, &tags, &e.Model, &eCreated, &eUpdated,
		&f.ChapterTitle, &f.BookID, &f.BookTitle,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if page.Valid {
		p := int(page.Int64)
		f.PageNumber = &p
	}
	f.CreatedAt = fCreated.Time
	f.UpdatedAt = fUpdated.Time

	e.ID = f.EmbeddingID
	if err := decodeEmbedding(&e, vector, tags); err != nil {
		return nil, err
	}
	e.CreatedAt = eCreated.Time
	e.UpdatedAt = eUpdated.Time
	f.Embedding = &e
	return &f, nil
}

func (c *sqlCore) queryFacts(ctx context.Context, query string, args ...any) ([]*types.FactWithContext, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []*types.FactWithContext
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate facts: %w", err)
	}
	return facts, nil
}

// GetFact returns a fact with its context.
func (c *sqlCore) GetFact(ctx context.Context, factID int64) (*types.FactWithContext, error) {
	f, err := scanFact(c.queryRow(ctx, `SELECT `+factColumns+factJoins+` WHERE f.id = ?`, factID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return f, nil
}

// DeleteFact removes one fact of a chapter.
func (c *sqlCore) DeleteFact(ctx context.Context, factID int64, chapterID string) error {
	res, err := c.exec(ctx, `DELETE FROM facts WHERE id = ? AND chapter_id = ?`, factID, chapterID)
	if err != nil {
		return fmt.Errorf("failed to delete fact: %w", err)
	}
	return expectOneRow(res)
}

// DeleteChapterFacts removes every fact of a chapter.
func (c *sqlCore) DeleteChapterFacts(ctx context.Context, chapterID string) (int64, error) {
	res, err := c.exec(ctx, `DELETE FROM facts WHERE chapter_id = ?`, chapterID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chapter facts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted facts: %w", err)
	}
	return n, nil
}

// escapeLike escapes LIKE wildcards so filter matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListFacts returns the facts of a chapter in id order.
func (c *sqlCore) ListFacts(ctx context.Context, chapterID, filter string) ([]*types.FactWithContext, error) {
	query := `SELECT ` + factColumns + factJoins + ` WHERE f.chapter_id = ?`
	args := []any{chapterID}
	if filter != "" {
		query += ` AND LOWER(f.text) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(strings.ToLower(filter))+"%")
	}
	query += ` ORDER BY f.id`
	facts, err := c.queryFacts(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if facts == nil {
		facts = []*types.FactWithContext{}
	}
	return facts, nil
}

// searchInMemory loads the candidate facts and ranks them in process.
func (c *sqlCore) searchInMemory(ctx context.Context, query []float32, req search.Request) ([]types.ScoredFact, error) {
	sqlQuery := `SELECT ` + factColumns + factJoins
	var args []any
	if req.ChapterID != "" {
		sqlQuery += ` WHERE f.chapter_id = ?`
		args = append(args, req.ChapterID)
	}
	facts, err := c.queryFacts(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}

	candidates := make([]search.Candidate, len(facts))
	for i, f := range facts {
		candidates[i] = search.Candidate{Fact: *f, Vector: f.Embedding.Vector}
	}
	return search.Rank(query, candidates, req), nil
}

// SaveBook creates or updates a book.
func (c *sqlCore) SaveBook(ctx context.Context, book *types.Book) error {
	if book.ID == "" {
		return fmt.Errorf("book: %w", types.ErrEmptyID)
	}
	if book.CreatedAt.IsZero() {
		book.CreatedAt = time.Now().UTC()
	}
	_, err := c.exec(ctx, `INSERT INTO books (id, title, author, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, author = excluded.author`,
		book.ID, book.Title, book.Author, book.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save book: %w", err)
	}
	return nil
}

// SaveChapter creates or updates a chapter.
func (c *sqlCore) SaveChapter(ctx context.Context, chapter *types.Chapter) error {
	if err := chapter.Validate(); err != nil {
		return err
	}
	if chapter.CreatedAt.IsZero() {
		chapter.CreatedAt = time.Now().UTC()
	}
	_, err := c.exec(ctx, `INSERT INTO chapters (id, book_id, title, position, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET book_id = excluded.book_id, title = excluded.title, position = excluded.position`,
		chapter.ID, chapter.BookID, chapter.Title, chapter.Position, chapter.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save chapter: %w", err)
	}
	return nil
}

// GetChapter returns a chapter.
func (c *sqlCore) GetChapter(ctx context.Context, chapterID string) (*types.Chapter, error) {
	var (
		ch        types.Chapter
		createdAt dbTime
	)
	err := c.queryRow(ctx, `SELECT id, book_id, title, position, created_at FROM chapters WHERE id = ?`, chapterID).
		Scan(&ch.ID, &ch.BookID, &ch.Title, &ch.Position, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChapterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	ch.CreatedAt = createdAt.Time
	return &ch, nil
}

// GetStats retrieves statistics about the fact store.
func (c *sqlCore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM facts`, &stats.FactCount},
		{`SELECT COUNT(*) FROM embeddings`, &stats.EmbeddingCount},
		{`SELECT COUNT(DISTINCT chapter_id) FROM facts`, &stats.ChapterCount},
		{`SELECT COUNT(*) FROM books`, &stats.BookCount},
		{`SELECT COUNT(*) FROM embeddings e WHERE NOT EXISTS (SELECT 1 FROM facts f WHERE f.embedding_id = e.id)`, &stats.OrphanEmbeddingCount},
	}
	for _, q := range counts {
		if err := c.queryRow(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}
	}
	return stats, nil
}

// Close closes the database connection.
func (c *sqlCore) Close() error {
	return c.db.Close()
}
