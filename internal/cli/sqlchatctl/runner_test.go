package sqlchatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type capturedRequest struct {
	method      string
	path        string
	query       string
	apiKey      string
	owner       string
	contentType string
	body        []byte
}

func newCaptureServer(t *testing.T, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*captured = capturedRequest{
			method:      r.Method,
			path:        r.URL.Path,
			query:       r.URL.RawQuery,
			apiKey:      r.Header.Get("X-API-Key"),
			owner:       r.Header.Get("X-Owner-ID"),
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestRunStatusCommand(t *testing.T) {
	srv, got := newCaptureServer(t, `{"id":"s-1","state":"loaded"}`)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"-owner", "team-a",
		"status", "s-1",
	}, Options{Stdout: &stdout, Stderr: &stderr, Timeout: 2 * time.Second})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if got.method != http.MethodGet || got.path != "/v1/sessions/s-1" {
		t.Fatalf("request = %s %s", got.method, got.path)
	}
	if got.apiKey != "k1" || got.owner != "team-a" {
		t.Fatalf("headers api_key=%q owner=%q", got.apiKey, got.owner)
	}
	if !strings.Contains(stdout.String(), `"state": "loaded"`) {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunLoadSelectors(t *testing.T) {
	tests := []struct {
		target string
		want   map[string]any
	}{
		{target: "example:chinook", want: map[string]any{"source": "example", "example": "chinook"}},
		{target: "object:shared/sales.sqlite", want: map[string]any{"source": "object", "object_key": "shared/sales.sqlite"}},
		{target: "https://example.test/db.sqlite", want: map[string]any{"source": "url", "url": "https://example.test/db.sqlite"}},
	}
	for _, tc := range tests {
		srv, got := newCaptureServer(t, `{"state":"loaded"}`)
		code := Run(context.Background(), []string{"-base-url", srv.URL, "load", "s-1", tc.target}, Options{})
		if code != 0 {
			t.Fatalf("load %s exit code = %d", tc.target, code)
		}
		if got.method != http.MethodPost || got.path != "/v1/sessions/s-1/database" || got.contentType != "application/json" {
			t.Fatalf("request = %s %s (%s)", got.method, got.path, got.contentType)
		}
		var body map[string]any
		if err := json.Unmarshal(got.body, &body); err != nil {
			t.Fatalf("json decode failed: %v", err)
		}
		for key, value := range tc.want {
			if body[key] != value {
				t.Fatalf("load %s body[%s] = %v, want %v", tc.target, key, body[key], value)
			}
		}
	}
}

func TestRunLoadUploadsLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.sqlite")
	if err := os.WriteFile(path, []byte("SQLite format 3\x00"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	srv, got := newCaptureServer(t, `{"state":"loaded"}`)

	code := Run(context.Background(), []string{"-base-url", srv.URL, "load", "s-1", path}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.contentType != "application/octet-stream" || got.query != "filename=local.sqlite" {
		t.Fatalf("upload content type = %q query = %q", got.contentType, got.query)
	}
	if string(got.body) != "SQLite format 3\x00" {
		t.Fatalf("upload body = %q", got.body)
	}
}

func TestRunAskPrintsAnswer(t *testing.T) {
	srv, got := newCaptureServer(t, `{"answer":{"content":"There are 347 albums."},"failed":false}`)

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ask", "s-1", "How", "many", "albums?"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.path != "/v1/sessions/s-1/ask" || !strings.Contains(string(got.body), `"question":"How many albums?"`) {
		t.Fatalf("request = %s %s", got.path, got.body)
	}
	if strings.TrimSpace(stdout.String()) != "There are 347 albums." {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunAskFailedAnswerExitsNonZero(t *testing.T) {
	srv, _ := newCaptureServer(t, `{"answer":{"content":"Error: rate limited"},"failed":true}`)

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ask", "s-1", "hi"}, Options{Stdout: &stdout})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "Error: rate limited") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunPromptPrintsInstructions(t *testing.T) {
	srv, _ := newCaptureServer(t, `{"instructions":"You are an agent.\nDialect: SQLite"}`)

	var stdout bytes.Buffer
	if code := Run(context.Background(), []string{"-base-url", srv.URL, "prompt", "s-1"}, Options{Stdout: &stdout}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if stdout.String() != "You are an agent.\nDialect: SQLite\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error_code":"LOAD_FAILED"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "load", "s-1", "example:chinook"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "http 422") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"unknown"},
		{"status"},
		{"ask", "s-1"},
		{"load", "s-1", filepath.Join(t.TempDir(), "missing.sqlite")},
	} {
		var stderr bytes.Buffer
		if code := Run(context.Background(), args, Options{Stderr: &stderr}); code != 2 {
			t.Fatalf("Run(%v) exit code = %d, want 2", args, code)
		}
		if !strings.Contains(stderr.String(), "usage: sqlchatctl") {
			t.Fatalf("Run(%v) stderr missing usage: %s", args, stderr.String())
		}
	}
}
