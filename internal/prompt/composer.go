// Package prompt composes the instruction payload that describes a loaded
// database to the remote agent.
package prompt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/sqlchat/sqlchat/internal/observability"
)

const (
	DefaultSchemaLimit = 4
	DefaultTopK        = 5
	DefaultDialect     = "SQLite"

	schemaUnavailable = "(schema unavailable)"
	noTables          = "No tables were found in this database."
)

var styleRules = []string{
	"Always use LIMIT on exploratory queries.",
	"Verify that a column exists before referencing it.",
	"Use exact table names; they are case-sensitive.",
	"Break complex requests into smaller steps.",
	"Use indexes where it makes sense.",
	"Select only the columns you need.",
	"Prefer EXISTS over IN in subqueries.",
}

// SchemaLookup returns schema text for one table.
type SchemaLookup interface {
	TableSchema(ctx context.Context, table string) (string, error)
}

type SchemaLookupFunc func(ctx context.Context, table string) (string, error)

func (f SchemaLookupFunc) TableSchema(ctx context.Context, table string) (string, error) {
	return f(ctx, table)
}

type Options struct {
	Templates    TemplateSource
	TemplateName string
	SchemaLimit  int
	TopK         int
	Dialect      string
	Logger       *slog.Logger
}

// Composer builds instruction payloads from a fixed base template.
type Composer struct {
	base        string
	dialect     string
	schemaLimit int
	logger      *slog.Logger
}

// Payload is a composed instruction string together with the tables whose
// schema fell back to a placeholder.
type Payload struct {
	Text     string
	Degraded []string
}

// NewComposer fetches and renders the base template once. Failures here are
// configuration errors.
func NewComposer(ctx context.Context, opts Options) (*Composer, error) {
	source := opts.Templates
	if source == nil {
		source = EmbeddedTemplates{}
	}
	name := strings.TrimSpace(opts.TemplateName)
	if name == "" {
		name = DefaultTemplateName
	}
	dialect := strings.TrimSpace(opts.Dialect)
	if dialect == "" {
		dialect = DefaultDialect
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	schemaLimit := opts.SchemaLimit
	if schemaLimit <= 0 {
		schemaLimit = DefaultSchemaLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}

	raw, err := source.Template(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load base template: %w", err)
	}
	base, err := renderBase(name, raw, dialect, topK)
	if err != nil {
		return nil, err
	}
	return &Composer{
		base:        base,
		dialect:     dialect,
		schemaLimit: schemaLimit,
		logger:      logger,
	}, nil
}

func renderBase(name, raw, dialect string, topK int) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse base template %q: %w", name, err)
	}
	var out bytes.Buffer
	data := struct {
		Dialect string
		TopK    int
	}{Dialect: dialect, TopK: topK}
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render base template %q: %w", name, err)
	}
	return strings.TrimSpace(out.String()), nil
}

// Compose returns the instruction payload for tables. It never fails.
func (c *Composer) Compose(ctx context.Context, tables []string, lookup SchemaLookup, custom string) string {
	return c.Build(ctx, tables, lookup, custom).Text
}

// Build is Compose with the list of tables that degraded to a placeholder.
// Only the first SchemaLimit tables are looked up; every table is listed.
func (c *Composer) Build(ctx context.Context, tables []string, lookup SchemaLookup, custom string) Payload {
	var b strings.Builder
	b.WriteString(c.base)

	b.WriteString("\n\nDATABASE-SPECIFIC INFORMATION:\n")
	fmt.Fprintf(&b, "Dialect: %s\n", c.dialect)
	if len(tables) == 0 {
		b.WriteString("Available tables: (none)\n")
	} else {
		fmt.Fprintf(&b, "Available tables: %s\n", strings.Join(tables, ", "))
	}

	b.WriteString("\nTABLE SCHEMAS:\n")
	selected := tables
	if len(selected) > c.schemaLimit {
		selected = selected[:c.schemaLimit]
	}
	var degraded []string
	if len(selected) == 0 {
		b.WriteString(noTables)
	}
	for i, table := range selected {
		if i > 0 {
			b.WriteString("\n\n")
		}
		schema, err := c.lookup(ctx, lookup, table)
		if err != nil {
			c.logger.WarnContext(ctx, "table schema unavailable for prompt",
				slog.String("table", table),
				slog.Any("error", err),
			)
			degraded = append(degraded, table)
			fmt.Fprintf(&b, "Table %s: %s", table, schemaUnavailable)
			continue
		}
		fmt.Fprintf(&b, "Table %s:\n%s", table, schema)
	}

	b.WriteString("\n\nADDITIONAL INSTRUCTIONS:\n")
	for _, rule := range styleRules {
		b.WriteString("- ")
		b.WriteString(rule)
		b.WriteString("\n")
	}
	if custom != "" {
		b.WriteString("\n")
		b.WriteString(custom)
	}

	return Payload{Text: b.String(), Degraded: degraded}
}

func (c *Composer) lookup(ctx context.Context, lookup SchemaLookup, table string) (string, error) {
	if lookup == nil {
		return "", fmt.Errorf("no schema lookup")
	}
	schema, err := lookup.TableSchema(ctx, table)
	if err != nil {
		return "", err
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", fmt.Errorf("empty schema text")
	}
	return schema, nil
}
