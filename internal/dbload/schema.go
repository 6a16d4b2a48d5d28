package dbload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	tableSQLQuery = `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`

	sampleValueMaxChars = 100
)

var ErrTableNotFound = errors.New("table not found")

// SchemaReader answers per-table schema text from its own connection.
type SchemaReader struct {
	db         *sql.DB
	sampleRows int
}

// OpenSchemaReader opens path read-only for schema lookups.
func OpenSchemaReader(ctx context.Context, path string, sampleRows int) (*SchemaReader, error) {
	db, err := OpenReadOnly(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open schema reader: %w", err)
	}
	return NewSchemaReader(db, sampleRows), nil
}

// NewSchemaReader takes ownership of db; Close closes it.
func NewSchemaReader(db *sql.DB, sampleRows int) *SchemaReader {
	if sampleRows < 0 {
		sampleRows = 0
	}
	return &SchemaReader{db: db, sampleRows: sampleRows}
}

func (r *SchemaReader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// TableSchema returns the table's CREATE statement, followed by a comment
// block of sample rows when sampling is enabled. A failing sample query
// yields the CREATE statement alone.
func (r *SchemaReader) TableSchema(ctx context.Context, table string) (string, error) {
	var createSQL sql.NullString
	if err := r.db.QueryRowContext(ctx, tableSQLQuery, table).Scan(&createSQL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		return "", fmt.Errorf("read schema for %q: %w", table, err)
	}
	schema := strings.TrimSpace(createSQL.String)
	if schema == "" {
		return "", fmt.Errorf("table %q has no stored definition", table)
	}
	if r.sampleRows == 0 {
		return schema, nil
	}

	sample, err := r.sample(ctx, table)
	if err != nil {
		return schema, nil
	}
	return schema + "\n\n" + sample, nil
}

func (r *SchemaReader) sample(ctx context.Context, table string) (string, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", QuoteIdent(table), r.sampleRows)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}

	lines := make([]string, 0, r.sampleRows)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return "", err
		}
		cells := make([]string, len(values))
		for i, value := range values {
			cells[i] = formatSampleValue(value)
		}
		lines = append(lines, strings.Join(cells, "\t"))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("/*\n")
	fmt.Fprintf(&b, "%d rows from %s table:\n", r.sampleRows, table)
	b.WriteString(strings.Join(columns, "\t"))
	for _, line := range lines {
		b.WriteString("\n")
		b.WriteString(line)
	}
	b.WriteString("\n*/")
	return b.String(), nil
}

func formatSampleValue(value any) string {
	var text string
	switch typed := value.(type) {
	case nil:
		text = "NULL"
	case []byte:
		if !utf8.Valid(typed) {
			return fmt.Sprintf("<blob %d bytes>", len(typed))
		}
		text = string(typed)
	case string:
		text = typed
	default:
		text = fmt.Sprint(typed)
	}
	return truncateRunes(text, sampleValueMaxChars)
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

// SchemaSource resolves schema text for one table.
type SchemaSource interface {
	TableSchema(ctx context.Context, table string) (string, error)
}

// TableSummary is a read-only view of one table, derived on demand.
type TableSummary struct {
	Name   string
	Schema string
	// Counted is false for tables past the count limit.
	Counted bool
	Rows    int64
	Err     error
}

// Summary describes one table. Schema and count failures are folded into
// Err; the first failure wins.
func (d *Database) Summary(ctx context.Context, source SchemaSource, table string) (TableSummary, error) {
	known := false
	for _, name := range d.tables {
		if name == table {
			known = true
			break
		}
	}
	if !known {
		return TableSummary{}, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	summary := TableSummary{Name: table}
	if count, ok := d.Count(table); ok {
		summary.Counted = true
		summary.Rows = count.Rows
		summary.Err = count.Err
	}
	if source != nil {
		schema, err := source.TableSchema(ctx, table)
		if err != nil && summary.Err == nil {
			summary.Err = err
		}
		summary.Schema = schema
	}
	return summary, nil
}

// Summaries describes every table in enumeration order.
func (d *Database) Summaries(ctx context.Context, source SchemaSource) []TableSummary {
	summaries := make([]TableSummary, 0, len(d.tables))
	for _, table := range d.tables {
		summary, err := d.Summary(ctx, source, table)
		if err != nil {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries
}
