// Package dbload opens SQLite database files read-only and extracts a bounded
// summary of their tables for prompt construction.
package dbload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sqlchat/sqlchat/internal/observability"
)

const (
	DefaultCountLimit = 5
	DefaultSampleRows = 3

	driverName = "sqlite"
)

const listTablesQuery = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite~_%' ESCAPE '~' ORDER BY name`

var ErrLoadFailed = errors.New("database load failed")

// LoadError is the single terminal error of a failed load. It matches
// ErrLoadFailed and the underlying cause with errors.Is.
type LoadError struct {
	Path  string
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load database %q: %v", e.Path, e.Cause)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrLoadFailed, e.Cause}
}

// Opener returns an open connection pool for the database at path.
type Opener func(ctx context.Context, path string) (*sql.DB, error)

type Loader struct {
	// CountLimit caps how many leading tables get a row count.
	CountLimit int
	// SampleRows is the number of rows included in schema text.
	SampleRows int
	Open       Opener
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Load opens the database, enumerates its tables and counts rows for the
// first CountLimit of them. The connection is closed before Load returns.
// A failing count is recorded on that table only.
func (l *Loader) Load(ctx context.Context, path string) (*Database, error) {
	// A load runs to completion once started.
	ctx = context.WithoutCancel(ctx)

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, &LoadError{Path: path, Cause: errors.New("path is required")}
	}

	db, err := l.opener()(ctx, path)
	if err != nil {
		return nil, &LoadError{Path: path, Cause: err}
	}
	defer func() {
		if err := db.Close(); err != nil {
			l.logger().WarnContext(ctx, "close database after load failed",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
	}()

	tables, err := listTables(ctx, db)
	if err != nil {
		return nil, &LoadError{Path: path, Cause: err}
	}

	limit := l.countLimit()
	if limit > len(tables) {
		limit = len(tables)
	}
	counts := make([]TableCount, 0, limit)
	for _, table := range tables[:limit] {
		rows, err := countRows(ctx, db, table)
		if err != nil {
			l.logger().WarnContext(ctx, "table row count failed",
				slog.String("path", path),
				slog.String("table", table),
				slog.Any("error", err),
			)
			counts = append(counts, TableCount{Table: table, Err: err})
			continue
		}
		counts = append(counts, TableCount{Table: table, Rows: rows})
	}

	return &Database{
		path:     path,
		tables:   tables,
		counts:   counts,
		loadedAt: l.now(),
	}, nil
}

// OpenSchema opens a transient reader for per-table schema text. Callers
// must Close it.
func (l *Loader) OpenSchema(ctx context.Context, database *Database) (*SchemaReader, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	db, err := l.opener()(ctx, database.Path())
	if err != nil {
		return nil, fmt.Errorf("open schema reader: %w", err)
	}
	return NewSchemaReader(db, l.sampleRows()), nil
}

// OpenReadOnly is the default Opener. The file must exist; it is opened in
// read-only mode so introspection never mutates it.
func OpenReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file does not exist")
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory")
	}

	db, err := sql.Open(driverName, readOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func readOnlyDSN(path string) string {
	escaped := (&url.URL{Path: path}).EscapedPath()
	return "file:" + escaped + "?mode=ro&_pragma=busy_timeout(2000)"
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, listTablesQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table names: %w", err)
	}
	return tables, nil
}

func countRows(ctx context.Context, db *sql.DB, table string) (int64, error) {
	var count int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdent(table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows in %q: %w", table, err)
	}
	return count, nil
}

// QuoteIdent quotes an SQLite identifier.
func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func (l *Loader) opener() Opener {
	if l.Open != nil {
		return l.Open
	}
	return OpenReadOnly
}

func (l *Loader) countLimit() int {
	if l.CountLimit > 0 {
		return l.CountLimit
	}
	return DefaultCountLimit
}

func (l *Loader) sampleRows() int {
	if l.SampleRows < 0 {
		return 0
	}
	return l.SampleRows
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return observability.DiscardLogger()
}

func (l *Loader) now() time.Time {
	if l.Clock != nil {
		return l.Clock().UTC()
	}
	return time.Now().UTC()
}

// TableCount is the row count of one table. A non-nil Err marks a table
// whose count could not be read.
type TableCount struct {
	Table string
	Rows  int64
	Err   error
}

func (c TableCount) Failed() bool {
	return c.Err != nil
}

func (c TableCount) String() string {
	if c.Err != nil {
		return "Error"
	}
	return strconv.FormatInt(c.Rows, 10)
}

// Database is the immutable result of a successful load.
type Database struct {
	path     string
	tables   []string
	counts   []TableCount
	loadedAt time.Time
}

func (d *Database) Path() string {
	return d.path
}

// Tables returns every table name in engine order.
func (d *Database) Tables() []string {
	return append([]string(nil), d.tables...)
}

// Counts returns the counted prefix of Tables, in the same order.
func (d *Database) Counts() []TableCount {
	return append([]TableCount(nil), d.counts...)
}

func (d *Database) Count(table string) (TableCount, bool) {
	for _, count := range d.counts {
		if count.Table == table {
			return count, true
		}
	}
	return TableCount{}, false
}

func (d *Database) LoadedAt() time.Time {
	return d.loadedAt
}

func (d *Database) FailedCounts() int {
	failed := 0
	for _, count := range d.counts {
		if count.Failed() {
			failed++
		}
	}
	return failed
}

func (d *Database) Degraded() bool {
	return d.FailedCounts() > 0
}
