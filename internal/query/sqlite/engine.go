// Package sqlite executes read-only queries against a local SQLite file.
package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/dbload"
	"github.com/sqlchat/sqlchat/internal/query"
)

const (
	DefaultRowLimit = 200
	maxRowLimit     = 10000
)

type Engine struct {
	Open            dbload.Opener
	DefaultRowLimit int
}

func NewEngine(defaultRowLimit int) *Engine {
	return &Engine{Open: dbload.OpenReadOnly, DefaultRowLimit: defaultRowLimit}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.DatabasePath) == "" {
		return query.Result{}, fmt.Errorf("database path is required")
	}
	sqlText := query.StripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if !query.IsReadOnly(sqlText) {
		return query.Result{}, query.ErrNotReadOnly
	}

	open := e.Open
	if open == nil {
		open = dbload.OpenReadOnly
	}
	start := time.Now()
	db, err := open(ctx, request.DatabasePath)
	if err != nil {
		return query.Result{}, fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	limit := e.rowLimit(request.RowLimit)
	// One extra row tells us whether the result was cut.
	wrapped := fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", sqlText, limit+1)
	rows, err := db.QueryContext(ctx, wrapped)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) == limit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		Truncated: truncated,
		Duration:  time.Since(start),
	}, nil
}

func (e *Engine) rowLimit(requested int) int {
	if requested > maxRowLimit {
		return maxRowLimit
	}
	if requested > 0 {
		return requested
	}
	if e.DefaultRowLimit > 0 {
		return e.DefaultRowLimit
	}
	return DefaultRowLimit
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
