// Package query runs read-only SQL against a session's database file.
package query

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotReadOnly rejects statements other than SELECT and WITH.
var ErrNotReadOnly = errors.New("only read-only SELECT/WITH queries are allowed")

type Request struct {
	DatabasePath string
	SQL          string
	RowLimit     int
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// IsReadOnly reports whether sqlText starts with SELECT or WITH.
func IsReadOnly(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	if normalized == "" {
		return false
	}
	return hasKeywordPrefix(normalized, "select") || hasKeywordPrefix(normalized, "with")
}

func hasKeywordPrefix(value, keyword string) bool {
	if !strings.HasPrefix(value, keyword) {
		return false
	}
	if len(value) == len(keyword) {
		return true
	}
	next := value[len(keyword)]
	return next == ' ' || next == '\n' || next == '\t' || next == '\r' || next == '('
}

// StripTrailingSemicolons removes statement terminators so the query can be
// wrapped.
func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
