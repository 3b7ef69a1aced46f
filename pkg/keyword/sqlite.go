package keyword

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteIndex is a keyword index backed by SQLite FTS5. Pass ":memory:" as
// the path for an ephemeral index.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (and if needed initializes) the index at path.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyword index: %w", err)
	}
	// Chunk text lives in both a plain table (keyed by id) and the FTS5
	// virtual table; searches join the two on chunk_id.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(chunk_id UNINDEXED, content)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
		}
	}
	return &SQLiteIndex{db: db}, nil
}

func (s *SQLiteIndex) Index(ctx context.Context, id, documentID, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE chunk_id = ?`, id); err != nil {
		return fmt.Errorf("failed to replace chunk %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chunks (id, document_id, content) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document_id = excluded.document_id, content = excluded.content`,
		id, documentID, content); err != nil {
		return fmt.Errorf("failed to index chunk %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`, id, content); err != nil {
		return fmt.Errorf("failed to index chunk %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Search(ctx context.Context, query string, topK int) ([]Match, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.content, f.rank
		 FROM chunks_fts f
		 JOIN chunks c ON c.id = f.chunk_id
		 WHERE chunks_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`, ftsQuery(query), topK)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var rank float64
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.Content, &rank); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		// FTS5 rank is negative, closer to zero is better.
		m.Score = float32(-rank)
		if m.Score < 0 {
			m.Score = 0
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *SQLiteIndex) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks_fts WHERE chunk_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete chunk %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete chunk %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`,
		documentID); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}
	return nil
}

func (s *SQLiteIndex) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks_fts`); err != nil {
		return fmt.Errorf("failed to clear keyword index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("failed to clear keyword index: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// ftsQuery quotes each term so user input cannot inject FTS5 syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

var _ Index = (*SQLiteIndex)(nil)
