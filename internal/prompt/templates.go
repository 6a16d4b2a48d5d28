package prompt

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/sqlchat/sqlchat/internal/storage"
)

const (
	DefaultTemplateName = "sql-agent-system/v1"

	maxTemplateBytes = 64 << 10
)

var ErrTemplateNotFound = errors.New("prompt template not found")

//go:embed templates
var embeddedTemplates embed.FS

// TemplateSource resolves a versioned base template by name.
type TemplateSource interface {
	Template(ctx context.Context, name string) (string, error)
}

// EmbeddedTemplates serves templates compiled into the binary, or from FS
// when set. Name "a/v1" maps to "templates/a/v1.tmpl".
type EmbeddedTemplates struct {
	FS fs.FS
}

func (e EmbeddedTemplates) Template(_ context.Context, name string) (string, error) {
	fsys := e.FS
	if fsys == nil {
		fsys = embeddedTemplates
	}
	name = strings.TrimSpace(name)
	if name == "" || !fs.ValidPath(name) {
		return "", fmt.Errorf("invalid template name %q", name)
	}
	file := path.Join("templates", name+".tmpl")
	body, err := fs.ReadFile(fsys, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return "", fmt.Errorf("read template %q: %w", name, err)
	}
	return string(body), nil
}

// ObjectStoreTemplates reads "<Prefix>/<name>.tmpl" from an object store.
type ObjectStoreTemplates struct {
	Store  storage.ObjectStore
	Prefix string
}

func (o ObjectStoreTemplates) Template(ctx context.Context, name string) (string, error) {
	if o.Store == nil {
		return "", fmt.Errorf("object store is required")
	}
	key, err := storage.BuildTemplateKey(o.Prefix, strings.TrimSpace(name))
	if err != nil {
		return "", err
	}
	var body strings.Builder
	if _, err := storage.CopyObject(ctx, o.Store, key, &body, maxTemplateBytes); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return "", fmt.Errorf("fetch template %q: %w", name, err)
	}
	return body.String(), nil
}
