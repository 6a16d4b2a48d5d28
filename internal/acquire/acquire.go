// Package acquire turns an upload, a URL, a bundled example or an object
// store key into a local database file the loader can open.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/storage"
)

type Source string

const (
	SourceUpload  Source = "upload"
	SourceURL     Source = "url"
	SourceExample Source = "example"
	SourceObject  Source = "object"
)

const (
	DefaultMaxBytes        int64 = 256 << 20
	defaultDownloadTimeout       = 2 * time.Minute
	tempPattern                  = "sqlchat-*.sqlite"
)

var ErrAcquireFailed = errors.New("database acquisition failed")

// AcquireError reports a failure to produce a local file. InvalidInput marks
// failures caused by the request itself rather than the remote side.
type AcquireError struct {
	Source       Source
	Origin       string
	InvalidInput bool
	Cause        error
}

func (e *AcquireError) Error() string {
	if e.Origin == "" {
		return fmt.Sprintf("acquire %s database: %v", e.Source, e.Cause)
	}
	return fmt.Sprintf("acquire %s database %q: %v", e.Source, e.Origin, e.Cause)
}

func (e *AcquireError) Unwrap() []error {
	return []error{ErrAcquireFailed, e.Cause}
}

// Acquired is a local database file ready for loading. Temporary files
// belong to whoever holds the value.
type Acquired struct {
	Path      string `json:"-"`
	Source    Source `json:"source"`
	Origin    string `json:"origin"`
	Size      int64  `json:"size_bytes"`
	Temporary bool   `json:"temporary"`
}

// Cleanup removes the file when it is temporary.
func (a Acquired) Cleanup() error {
	if !a.Temporary || a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temporary database: %w", err)
	}
	return nil
}

type Options struct {
	MaxBytes        int64
	DownloadTimeout time.Duration
	TempDir         string
	HTTPClient      *http.Client
	Store           storage.ObjectStore
	Catalog         []Example
	Logger          *slog.Logger
}

type Acquirer struct {
	maxBytes int64
	tempDir  string
	client   *http.Client
	store    storage.ObjectStore
	catalog  map[string]Example
	examples []Example
	logger   *slog.Logger
}

func New(opts Options) *Acquirer {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.DownloadTimeout
		if timeout <= 0 {
			timeout = defaultDownloadTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	examples := opts.Catalog
	if examples == nil {
		examples = DefaultCatalog()
	}
	catalog := make(map[string]Example, len(examples))
	for _, example := range examples {
		catalog[strings.ToLower(strings.TrimSpace(example.Name))] = example
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Acquirer{
		maxBytes: maxBytes,
		tempDir:  opts.TempDir,
		client:   client,
		store:    opts.Store,
		catalog:  catalog,
		examples: append([]Example(nil), examples...),
		logger:   logger,
	}
}

// Examples lists the bundled catalog in display order.
func (a *Acquirer) Examples() []Example {
	return append([]Example(nil), a.examples...)
}

// FromUpload stores an uploaded body in a temporary file.
func (a *Acquirer) FromUpload(ctx context.Context, body io.Reader, name string) (Acquired, error) {
	acquired, err := a.fromUpload(body, name)
	a.observe(ctx, SourceUpload, name, err)
	return acquired, err
}

func (a *Acquirer) fromUpload(body io.Reader, name string) (Acquired, error) {
	if body == nil {
		return Acquired{}, invalidInput(SourceUpload, name, errors.New("upload body is required"))
	}
	path, size, err := a.writeTemp(body)
	if err != nil {
		return Acquired{}, &AcquireError{Source: SourceUpload, Origin: name, InvalidInput: isInputError(err), Cause: err}
	}
	return Acquired{Path: path, Source: SourceUpload, Origin: name, Size: size, Temporary: true}, nil
}

// FromURL downloads an http or https URL into a temporary file.
func (a *Acquirer) FromURL(ctx context.Context, rawURL string) (Acquired, error) {
	acquired, err := a.fromURL(ctx, SourceURL, rawURL)
	a.observe(ctx, SourceURL, rawURL, err)
	return acquired, err
}

func (a *Acquirer) fromURL(ctx context.Context, source Source, rawURL string) (Acquired, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return Acquired{}, invalidInput(source, rawURL, errors.New("a valid URL is required"))
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return Acquired{}, invalidInput(source, rawURL, errors.New("URL must start with http:// or https://"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return Acquired{}, invalidInput(source, rawURL, fmt.Errorf("build download request: %w", err))
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return Acquired{}, &AcquireError{Source: source, Origin: rawURL, Cause: fmt.Errorf("download: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Acquired{}, &AcquireError{Source: source, Origin: rawURL, Cause: fmt.Errorf("download returned status %d", resp.StatusCode)}
	}
	if resp.ContentLength > a.maxBytes {
		return Acquired{}, invalidInput(source, rawURL, fmt.Errorf("%w: %d bytes exceeds limit of %d", storage.ErrObjectTooLarge, resp.ContentLength, a.maxBytes))
	}

	path, size, err := a.writeTemp(resp.Body)
	if err != nil {
		return Acquired{}, &AcquireError{Source: source, Origin: rawURL, InvalidInput: isInputError(err), Cause: err}
	}
	return Acquired{Path: path, Source: source, Origin: rawURL, Size: size, Temporary: true}, nil
}

// FromExample downloads a database from the bundled catalog by name.
func (a *Acquirer) FromExample(ctx context.Context, name string) (Acquired, error) {
	acquired, err := a.fromExample(ctx, name)
	a.observe(ctx, SourceExample, name, err)
	return acquired, err
}

func (a *Acquirer) fromExample(ctx context.Context, name string) (Acquired, error) {
	example, ok := a.catalog[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Acquired{}, invalidInput(SourceExample, name, fmt.Errorf("unknown example %q", name))
	}
	acquired, err := a.fromURL(ctx, SourceExample, example.URL)
	if err != nil {
		var acquireErr *AcquireError
		if errors.As(err, &acquireErr) {
			acquireErr.Origin = example.Name
		}
		return Acquired{}, err
	}
	acquired.Origin = example.Name
	return acquired, nil
}

// FromObject copies key from the object store into a temporary file.
func (a *Acquirer) FromObject(ctx context.Context, key string) (Acquired, error) {
	acquired, err := a.fromObject(ctx, key)
	a.observe(ctx, SourceObject, key, err)
	return acquired, err
}

func (a *Acquirer) fromObject(ctx context.Context, key string) (Acquired, error) {
	if a.store == nil {
		return Acquired{}, invalidInput(SourceObject, key, errors.New("object store is not configured"))
	}
	key = strings.TrimSpace(key)
	if err := storage.ValidateObjectKey(key); err != nil {
		return Acquired{}, invalidInput(SourceObject, key, err)
	}
	info, err := a.store.Stat(ctx, key)
	if err != nil {
		return Acquired{}, &AcquireError{Source: SourceObject, Origin: key, InvalidInput: errors.Is(err, storage.ErrObjectNotFound), Cause: err}
	}
	if info.Size > a.maxBytes {
		return Acquired{}, invalidInput(SourceObject, key, errTooLarge{limit: a.maxBytes})
	}

	file, err := a.createTemp()
	if err != nil {
		return Acquired{}, &AcquireError{Source: SourceObject, Origin: key, Cause: err}
	}
	size, copyErr := storage.CopyObject(ctx, a.store, key, file, a.maxBytes)
	closeErr := file.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("close temporary database: %w", closeErr)
	}
	if copyErr != nil {
		_ = os.Remove(file.Name())
		invalid := errors.Is(copyErr, storage.ErrObjectNotFound) || errors.Is(copyErr, storage.ErrObjectTooLarge)
		return Acquired{}, &AcquireError{Source: SourceObject, Origin: key, InvalidInput: invalid, Cause: copyErr}
	}
	return Acquired{Path: file.Name(), Source: SourceObject, Origin: key, Size: size, Temporary: true}, nil
}

// ListObjects lists shared databases under prefix when the store supports
// listing.
func (a *Acquirer) ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if a.store == nil {
		return nil, invalidInput(SourceObject, prefix, errors.New("object store is not configured"))
	}
	lister, ok := a.store.(storage.Lister)
	if !ok {
		return nil, invalidInput(SourceObject, prefix, errors.New("object store does not support listing"))
	}
	objects, err := lister.List(ctx, prefix)
	if err != nil {
		return nil, &AcquireError{Source: SourceObject, Origin: prefix, Cause: err}
	}
	return objects, nil
}

func (a *Acquirer) writeTemp(body io.Reader) (string, int64, error) {
	file, err := a.createTemp()
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(file, io.LimitReader(body, a.maxBytes+1))
	closeErr := file.Close()
	switch {
	case err != nil:
		err = fmt.Errorf("write temporary database: %w", err)
	case closeErr != nil:
		err = fmt.Errorf("close temporary database: %w", closeErr)
	case size > a.maxBytes:
		err = errTooLarge{limit: a.maxBytes}
	case size == 0:
		err = errEmpty{}
	}
	if err != nil {
		_ = os.Remove(file.Name())
		return "", 0, err
	}
	return file.Name(), size, nil
}

func (a *Acquirer) createTemp() (*os.File, error) {
	file, err := os.CreateTemp(a.tempDir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temporary database: %w", err)
	}
	return file, nil
}

func (a *Acquirer) observe(ctx context.Context, source Source, origin string, err error) {
	observability.ObserveAcquire(string(source), err)
	if err != nil {
		a.logger.WarnContext(ctx, "database acquisition failed",
			slog.String("source", string(source)),
			slog.String("origin", origin),
			slog.Any("error", err),
		)
		return
	}
	a.logger.DebugContext(ctx, "database acquired",
		slog.String("source", string(source)),
		slog.String("origin", origin),
	)
}

type errTooLarge struct{ limit int64 }

func (e errTooLarge) Error() string {
	return fmt.Sprintf("database exceeds size limit of %d bytes", e.limit)
}

func (e errTooLarge) Unwrap() error { return storage.ErrObjectTooLarge }

type errEmpty struct{}

func (errEmpty) Error() string { return "database file is empty" }

func isInputError(err error) bool {
	var tooLarge errTooLarge
	var empty errEmpty
	return errors.As(err, &tooLarge) || errors.As(err, &empty)
}

func invalidInput(source Source, origin string, cause error) *AcquireError {
	return &AcquireError{Source: source, Origin: origin, InvalidInput: true, Cause: cause}
}
