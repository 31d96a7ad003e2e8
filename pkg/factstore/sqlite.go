package factstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/soundprediction/factmemory/pkg/search"
	"github.com/soundprediction/factmemory/pkg/types"
)

// sqlitePragmas are applied to every pooled connection.
const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"

// SQLiteDB implements FactsDB on an embedded SQLite file. Vector search
// runs in memory.
type SQLiteDB struct {
	sqlCore
	path string
}

// NewSQLiteDB opens (creating if needed) the SQLite database at path.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteDB{sqlCore: sqlCore{db: db}, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteDB) Path() string {
	return s.path
}

func (s *SQLiteDB) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS embeddings (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL UNIQUE,
			vector TEXT NOT NULL,
			feature_tags TEXT NOT NULL DEFAULT '[]',
			model TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS books (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chapters (
			id TEXT PRIMARY KEY,
			book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
			title TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			chapter_id TEXT NOT NULL,
			embedding_id TEXT NOT NULL REFERENCES embeddings(id),
			page_number INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_chapter ON facts(chapter_id)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_embedding ON facts(embedding_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chapters_book ON chapters(book_id)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_updated ON embeddings(updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// SearchFacts ranks facts by cosine similarity to query in memory.
func (s *SQLiteDB) SearchFacts(ctx context.Context, query []float32, req search.Request) ([]types.ScoredFact, error) {
	return s.searchInMemory(ctx, query, req)
}

var _ FactsDB = (*SQLiteDB)(nil)
