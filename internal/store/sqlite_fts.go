package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/Aman-CERP/amanrag/internal/segment"
)

// SQLiteIndex is a LexicalIndex backed by SQLite FTS5. Text is segmented
// before insertion so FTS5's unicode61 tokenizer only splits on spaces.
type SQLiteIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	seg    segment.Segmenter
	closed bool
	warm   warmup
}

// NewSQLiteIndex returns an index at path (in memory when path is empty).
// The database is opened by Initialize.
func NewSQLiteIndex(path string, seg segment.Segmenter) *SQLiteIndex {
	if seg == nil {
		seg = segment.Default()
	}
	return &SQLiteIndex{path: path, seg: seg}
}

// Initialize opens the database and creates the schema.
func (s *SQLiteIndex) Initialize(ctx context.Context) error {
	return s.warm.run(ctx, s.open)
}

// IsReady reports whether Initialize has completed successfully.
func (s *SQLiteIndex) IsReady() bool {
	return s.warm.isReady()
}

func (s *SQLiteIndex) open(ctx context.Context) error {
	db, err := openSQLite(ctx, s.path, validateFTSIntegrity)
	if err != nil {
		return err
	}

	schema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_docs USING fts5(
		doc_id UNINDEXED,
		raw_title UNINDEXED,
		title,
		content,
		labels,
		tokenize='unicode61'
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = db.Close()
		return ErrClosed
	}
	s.db = db
	return nil
}

// openSQLite opens a modernc SQLite database with a single connection and
// WAL pragmas. A file failing validate is removed and recreated.
func openSQLite(ctx context.Context, path string, validate func(string) error) (*sql.DB, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if validate != nil {
			if validErr := validate(path); validErr != nil {
				slog.Warn("sqlite_index_corrupted",
					slog.String("path", path),
					slog.String("error", validErr.Error()))
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return nil, fmt.Errorf("index corrupted at %s and cannot remove: %w", path, err)
				}
				_ = os.Remove(path + "-wal")
				_ = os.Remove(path + "-shm")
			}
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: writes serialize and :memory: stays a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if path != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	return db, nil
}

// validateFTSIntegrity checks that an existing database holds the FTS table.
func validateFTSIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

// Index adds or replaces documents, initializing the index if needed.
func (s *SQLiteIndex) Index(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 virtual tables don't support REPLACE
	deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM fts_docs WHERE doc_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer deleteStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_docs(doc_id, raw_title, title, content, labels) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer insertStmt.Close()

	for _, doc := range docs {
		if _, err := deleteStmt.ExecContext(ctx, doc.ID); err != nil {
			return fmt.Errorf("failed to delete existing document %s: %w", doc.ID, err)
		}
		_, err := insertStmt.ExecContext(ctx, doc.ID, doc.Title,
			s.segmented(doc.Title),
			s.segmented(doc.Content),
			s.segmented(strings.Join(doc.Labels, " ")))
		if err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) segmented(text string) string {
	terms := segment.Terms(s.seg, text)
	for i, t := range terms {
		terms[i] = strings.ToLower(t)
	}
	return strings.Join(terms, " ")
}

// Search matches all terms of keyword in any column, weighted by column.
func (s *SQLiteIndex) Search(ctx context.Context, keyword string, limit int) ([]*LexicalHit, error) {
	terms := lexicalTerms(s.seg, keyword)
	if len(terms) == 0 || limit <= 0 {
		return []*LexicalHit{}, nil
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = quoteFTS(t)
	}
	return s.run(ctx, strings.Join(quoted, " "), terms, limit)
}

// SearchTitle matches title as a phrase in the title column.
func (s *SQLiteIndex) SearchTitle(ctx context.Context, title string, limit int) ([]*LexicalHit, error) {
	terms := lexicalTerms(s.seg, title)
	if len(terms) == 0 || limit <= 0 {
		return []*LexicalHit{}, nil
	}
	match := "title : " + quoteFTS(s.segmented(title))
	return s.run(ctx, match, terms, limit)
}

func (s *SQLiteIndex) run(ctx context.Context, match string, terms []string, limit int) ([]*LexicalHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db == nil {
		return nil, fmt.Errorf("lexical index not initialized")
	}

	// bm25() is negative, lower is better; weights follow column order.
	q := fmt.Sprintf(`
		SELECT doc_id, raw_title, bm25(fts_docs, 0, 0, %g, %g, %g) AS score
		FROM fts_docs
		WHERE fts_docs MATCH ?
		ORDER BY score
		LIMIT ?`, titleFieldBoost, contentFieldBoost, labelFieldBoost)

	rows, err := s.db.QueryContext(ctx, q, match, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*LexicalHit{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	hits := []*LexicalHit{}
	for rows.Next() {
		var (
			id, title string
			score     float64
		)
		if err := rows.Scan(&id, &title, &score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		hits = append(hits, &LexicalHit{ID: id, Title: title, Score: -score, MatchedTerms: terms})
	}
	return hits, rows.Err()
}

// Count returns the number of indexed documents (0 before Initialize).
func (s *SQLiteIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.db == nil {
		return 0
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fts_docs`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	if s.path != "" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

var _ LexicalIndex = (*SQLiteIndex)(nil)

// quoteFTS wraps s in an FTS5 string literal.
func quoteFTS(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
