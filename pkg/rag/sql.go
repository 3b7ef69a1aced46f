package rag

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
)

// SQLLoader loads documents from a database table through database/sql.
// Any registered driver works. Content columns are concatenated with blank
// lines between them; document ids take the form "<table>:<row id>".
type SQLLoader struct {
	DB *sql.DB

	// Table to read from. Required.
	Table string

	// IDColumn uniquely identifies a row. Required.
	IDColumn string

	// ContentColumns are joined into the document content. Required.
	ContentColumns []string

	// MetadataColumns are carried into document metadata verbatim.
	MetadataColumns []string

	// Where optionally filters rows (appended as a WHERE clause).
	Where string

	// MaxRows bounds the result set; zero means no limit.
	MaxRows int
}

func (l *SQLLoader) Load(ctx context.Context) iter.Seq[LoadResult] {
	return func(yield func(LoadResult) bool) {
		query, err := l.buildQuery()
		if err != nil {
			yield(LoadFailure(l.Table, err, false))
			return
		}

		rows, err := l.DB.QueryContext(ctx, query)
		if err != nil {
			yield(LoadFailure(l.Table, fmt.Errorf("query failed: %w", err), true))
			return
		}
		defer rows.Close()

		width := len(l.ContentColumns) + 1 + len(l.MetadataColumns)
		for rows.Next() {
			if ctx.Err() != nil {
				return
			}
			values := make([]any, width)
			ptrs := make([]any, width)
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				if !yield(LoadFailure(l.Table, fmt.Errorf("scan failed: %w", err), false)) {
					return
				}
				continue
			}
			if !yield(LoadSuccess(l.rowToDocument(values))) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(LoadFailure(l.Table, err, true))
		}
	}
}

func (l *SQLLoader) Name() string {
	return "sql"
}

func (l *SQLLoader) buildQuery() (string, error) {
	if l.DB == nil {
		return "", fmt.Errorf("sql loader requires a database handle")
	}
	if l.Table == "" || l.IDColumn == "" {
		return "", fmt.Errorf("sql loader requires a table and an id column")
	}
	if len(l.ContentColumns) == 0 {
		return "", fmt.Errorf("sql loader requires at least one content column")
	}

	columns := append([]string{}, l.ContentColumns...)
	columns = append(columns, l.IDColumn)
	columns = append(columns, l.MetadataColumns...)

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), l.Table)
	if l.Where != "" {
		query += " WHERE " + l.Where
	}
	if l.MaxRows > 0 {
		query += fmt.Sprintf(" LIMIT %d", l.MaxRows)
	}
	return query, nil
}

// rowToDocument assembles a document from one scanned row. Value order is
// content columns, then the id, then metadata columns, matching buildQuery.
func (l *SQLLoader) rowToDocument(values []any) Document {
	parts := make([]string, 0, len(l.ContentColumns))
	for _, v := range values[:len(l.ContentColumns)] {
		if v != nil {
			parts = append(parts, sqlString(v))
		}
	}

	id := sqlString(values[len(l.ContentColumns)])
	metadata := map[string]string{"table": l.Table}
	for i, col := range l.MetadataColumns {
		if v := values[len(l.ContentColumns)+1+i]; v != nil {
			metadata[col] = sqlString(v)
		}
	}

	return Document{
		ID:       fmt.Sprintf("%s:%s", l.Table, id),
		Content:  strings.Join(parts, "\n\n"),
		Metadata: metadata,
	}
}

// sqlString renders a scanned column value; TEXT columns arrive as string
// or []byte depending on the driver.
func sqlString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}