package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLiteMetadata is a MetadataStore backed by a plain SQLite table.
type SQLiteMetadata struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// NewSQLiteMetadata opens (or creates) the metadata database at path.
// An empty path keeps it in memory.
func NewSQLiteMetadata(ctx context.Context, path string) (*SQLiteMetadata, error) {
	db, err := openSQLite(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		logical_id   TEXT NOT NULL,
		parent_id    TEXT NOT NULL DEFAULT '',
		chunk_index  INTEGER NOT NULL DEFAULT 0,
		chunk_count  INTEGER NOT NULL DEFAULT 1,
		title        TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL DEFAULT '',
		labels       TEXT NOT NULL DEFAULT '[]',
		url          TEXT NOT NULL DEFAULT '',
		last_updated INTEGER NOT NULL DEFAULT 0,
		collection   TEXT NOT NULL DEFAULT '',
		category     TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT '',
		confidence   REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_documents_logical ON documents(logical_id);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteMetadata{db: db, path: path}, nil
}

const documentColumns = `id, logical_id, parent_id, chunk_index, chunk_count, title, content,
	labels, url, last_updated, collection, category, status, confidence`

// Put adds or replaces documents.
func (m *SQLiteMetadata) Put(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO documents(`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		labels, err := json.Marshal(nonNilLabels(d.Labels))
		if err != nil {
			return fmt.Errorf("failed to encode labels for %s: %w", d.ID, err)
		}
		var updated int64
		if !d.LastUpdated.IsZero() {
			updated = d.LastUpdated.UnixMilli()
		}
		_, err = stmt.ExecContext(ctx, d.ID, d.LogicalID, d.ParentID, d.ChunkIndex, d.ChunkCount,
			d.Title, d.Content, string(labels), d.URL, updated, d.Collection,
			d.Category, d.Status, d.Confidence)
		if err != nil {
			return fmt.Errorf("failed to store document %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// BatchGet returns documents for ids in input order, skipping unknown ids.
func (m *SQLiteMetadata) BatchGet(ctx context.Context, ids []string) ([]*Document, error) {
	if len(ids) == 0 {
		return []*Document{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	docs, err := m.query(ctx, `SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	ordered := make([]*Document, 0, len(docs))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			ordered = append(ordered, d)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// FindByTitleSubstring returns documents whose title contains substr,
// shortest titles first.
func (m *SQLiteMetadata) FindByTitleSubstring(ctx context.Context, substr string, limit int) ([]*Document, error) {
	if strings.TrimSpace(substr) == "" || limit <= 0 {
		return []*Document{}, nil
	}
	return m.query(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE instr(lower(title), lower(?)) > 0
		ORDER BY length(title), id
		LIMIT ?`, substr, limit)
}

// Count returns the number of stored documents.
func (m *SQLiteMetadata) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

func (m *SQLiteMetadata) query(ctx context.Context, q string, args ...any) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata query failed: %w", err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		var (
			d       Document
			labels  string
			updated int64
		)
		err := rows.Scan(&d.ID, &d.LogicalID, &d.ParentID, &d.ChunkIndex, &d.ChunkCount,
			&d.Title, &d.Content, &labels, &d.URL, &updated, &d.Collection,
			&d.Category, &d.Status, &d.Confidence)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &d.Labels); err != nil {
			return nil, fmt.Errorf("corrupt labels for %s: %w", d.ID, err)
		}
		if len(d.Labels) == 0 {
			d.Labels = nil
		}
		if updated > 0 {
			d.LastUpdated = time.UnixMilli(updated).UTC()
		}
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

// DB exposes the underlying database so that other local tables, such as
// query telemetry, can share the file. Callers must not close it.
func (m *SQLiteMetadata) DB() *sql.DB {
	return m.db
}

// Close closes the database.
func (m *SQLiteMetadata) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

var _ MetadataStore = (*SQLiteMetadata)(nil)

func nonNilLabels(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}
