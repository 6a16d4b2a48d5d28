package acquire

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sqlchat/sqlchat/internal/storage"
)

func TestFromUploadWritesTemporaryFile(t *testing.T) {
	acquirer := New(Options{TempDir: t.TempDir()})

	acquired, err := acquirer.FromUpload(context.Background(), strings.NewReader("SQLite format 3\x00body"), "chinook.db")
	if err != nil {
		t.Fatalf("FromUpload() error = %v", err)
	}
	if acquired.Source != SourceUpload || !acquired.Temporary || acquired.Origin != "chinook.db" {
		t.Fatalf("Acquired = %+v", acquired)
	}
	if filepath.Ext(acquired.Path) != ".sqlite" {
		t.Fatalf("Path = %q, want .sqlite suffix", acquired.Path)
	}
	body, err := os.ReadFile(acquired.Path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(body) != "SQLite format 3\x00body" || acquired.Size != int64(len(body)) {
		t.Fatalf("file body = %q size = %d", body, acquired.Size)
	}

	if err := acquired.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(acquired.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Stat() after Cleanup error = %v, want not exist", err)
	}
}

func TestFromUploadEnforcesLimits(t *testing.T) {
	dir := t.TempDir()
	acquirer := New(Options{TempDir: dir, MaxBytes: 8})

	_, err := acquirer.FromUpload(context.Background(), strings.NewReader("0123456789"), "big.sqlite")
	assertInvalidInput(t, err)
	if !errors.Is(err, storage.ErrObjectTooLarge) {
		t.Fatalf("FromUpload() error = %v, want ErrObjectTooLarge", err)
	}

	_, err = acquirer.FromUpload(context.Background(), strings.NewReader(""), "empty.sqlite")
	assertInvalidInput(t, err)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temporary files left behind: %d", len(entries))
	}
}

func TestFromURLDownloadsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Chinook_Sqlite.sqlite" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("database-bytes"))
	}))
	defer server.Close()

	acquirer := New(Options{TempDir: t.TempDir(), HTTPClient: server.Client()})
	acquired, err := acquirer.FromURL(context.Background(), server.URL+"/Chinook_Sqlite.sqlite")
	if err != nil {
		t.Fatalf("FromURL() error = %v", err)
	}
	defer func() { _ = acquired.Cleanup() }()
	body, err := os.ReadFile(acquired.Path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(body) != "database-bytes" {
		t.Fatalf("body = %q", body)
	}

	_, err = acquirer.FromURL(context.Background(), server.URL+"/missing.sqlite")
	if !errors.Is(err, ErrAcquireFailed) {
		t.Fatalf("FromURL() error = %v, want ErrAcquireFailed", err)
	}
	var acquireErr *AcquireError
	if !errors.As(err, &acquireErr) || acquireErr.InvalidInput {
		t.Fatalf("FromURL() error = %#v, want upstream failure", err)
	}
}

func TestFromURLRejectsBadURLs(t *testing.T) {
	acquirer := New(Options{TempDir: t.TempDir()})
	for _, raw := range []string{"", "ftp://example.com/db.sqlite", "file:///etc/passwd", "not a url", "https://"} {
		_, err := acquirer.FromURL(context.Background(), raw)
		assertInvalidInput(t, err)
	}
}

func TestFromURLUnreachableHost(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	_, err := New(Options{TempDir: t.TempDir()}).FromURL(context.Background(), addr+"/db.sqlite")
	if !errors.Is(err, ErrAcquireFailed) {
		t.Fatalf("FromURL() error = %v, want ErrAcquireFailed", err)
	}
}

func TestFromExampleUsesCatalog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("chinook"))
	}))
	defer server.Close()

	acquirer := New(Options{
		TempDir:    t.TempDir(),
		HTTPClient: server.Client(),
		Catalog:    []Example{{Name: "chinook", URL: server.URL + "/chinook.sqlite"}},
	})
	acquired, err := acquirer.FromExample(context.Background(), " Chinook ")
	if err != nil {
		t.Fatalf("FromExample() error = %v", err)
	}
	defer func() { _ = acquired.Cleanup() }()
	if acquired.Source != SourceExample || acquired.Origin != "chinook" {
		t.Fatalf("Acquired = %+v", acquired)
	}

	_, err = acquirer.FromExample(context.Background(), "pagila")
	assertInvalidInput(t, err)
}

func TestFromExampleMatchesMixedCaseCatalogNames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("inventory"))
	}))
	defer server.Close()

	acquirer := New(Options{
		TempDir:    t.TempDir(),
		HTTPClient: server.Client(),
		Catalog:    []Example{{Name: "MyDB", URL: server.URL + "/mydb.sqlite"}},
	})
	for _, name := range []string{"MyDB", "mydb", " MYDB "} {
		acquired, err := acquirer.FromExample(context.Background(), name)
		if err != nil {
			t.Fatalf("FromExample(%q) error = %v", name, err)
		}
		if acquired.Origin != "MyDB" {
			t.Fatalf("FromExample(%q).Origin = %q, want MyDB", name, acquired.Origin)
		}
		_ = acquired.Cleanup()
	}
}

func TestDefaultCatalog(t *testing.T) {
	examples := New(Options{}).Examples()
	if len(examples) != 3 {
		t.Fatalf("len(Examples()) = %d, want 3", len(examples))
	}
	names := []string{examples[0].Name, examples[1].Name, examples[2].Name}
	if strings.Join(names, ",") != "chinook,northwind,sakila" {
		t.Fatalf("example names = %v", names)
	}
	for _, example := range examples {
		if !strings.HasPrefix(example.URL, "https://") {
			t.Fatalf("example %q URL = %q", example.Name, example.URL)
		}
	}
}

func TestFromObjectCopiesObject(t *testing.T) {
	store := &fakeStore{objects: map[string]string{"datasets/northwind.sqlite": "northwind-bytes"}}
	acquirer := New(Options{TempDir: t.TempDir(), Store: store})

	acquired, err := acquirer.FromObject(context.Background(), "datasets/northwind.sqlite")
	if err != nil {
		t.Fatalf("FromObject() error = %v", err)
	}
	defer func() { _ = acquired.Cleanup() }()
	body, err := os.ReadFile(acquired.Path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(body) != "northwind-bytes" || acquired.Source != SourceObject {
		t.Fatalf("Acquired = %+v body = %q", acquired, body)
	}

	_, err = acquirer.FromObject(context.Background(), "datasets/missing.sqlite")
	assertInvalidInput(t, err)
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("FromObject() error = %v, want ErrObjectNotFound", err)
	}

	_, err = acquirer.FromObject(context.Background(), "../escape.sqlite")
	assertInvalidInput(t, err)
}

func TestFromObjectRejectsOversizedObjectBeforeDownload(t *testing.T) {
	store := &fakeStore{objects: map[string]string{"datasets/big.sqlite": strings.Repeat("x", 64)}}
	acquirer := New(Options{Store: store, MaxBytes: 16, TempDir: t.TempDir()})

	_, err := acquirer.FromObject(context.Background(), "datasets/big.sqlite")
	var acquireErr *AcquireError
	if !errors.As(err, &acquireErr) || !acquireErr.InvalidInput {
		t.Fatalf("FromObject() error = %v, want invalid-input AcquireError", err)
	}
	if !errors.Is(err, storage.ErrObjectTooLarge) {
		t.Fatalf("FromObject() error = %v, want ErrObjectTooLarge", err)
	}
	if store.gets != 0 {
		t.Fatalf("Get() calls = %d, want 0", store.gets)
	}
}

func TestFromObjectWithoutStore(t *testing.T) {
	_, err := New(Options{}).FromObject(context.Background(), "datasets/a.sqlite")
	assertInvalidInput(t, err)
}

func TestCleanupKeepsNonTemporaryFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.sqlite")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := (Acquired{Path: path}).Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat() error = %v, want file kept", err)
	}
}

func assertInvalidInput(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrAcquireFailed) {
		t.Fatalf("error = %v, want ErrAcquireFailed", err)
	}
	var acquireErr *AcquireError
	if !errors.As(err, &acquireErr) {
		t.Fatalf("error type = %T, want *AcquireError", err)
	}
	if !acquireErr.InvalidInput {
		t.Fatalf("error = %v, want InvalidInput", err)
	}
}

type fakeStore struct {
	objects map[string]string
	gets    int
}

func (f *fakeStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	f.objects[key] = string(data)
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.gets++
	body, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	body, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}
