package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/sqlchat/sqlchat/internal/acquire"
	"github.com/sqlchat/sqlchat/internal/agent"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/prompt"
	querysqlite "github.com/sqlchat/sqlchat/internal/query/sqlite"
	"github.com/sqlchat/sqlchat/internal/session"
)

func TestSessionLifecycleWithExample(t *testing.T) {
	fixture := sqliteFixture(t)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(fixture)
	}))
	defer remote.Close()

	fake := &fakeAgent{answer: agent.Answer{Text: "There are 2 artists.", Provider: "openai", Model: "test-model"}}
	h := newTestHandler(t, fake, acquire.Options{
		TempDir: t.TempDir(),
		Catalog: []acquire.Example{{Name: "mini", Title: "Mini", URL: remote.URL + "/mini.sqlite"}},
	})

	created := doJSON(t, h, http.MethodPost, "/v1/sessions", map[string]any{"custom_instructions": "Answer briefly."}, http.StatusCreated)
	id := created["id"].(string)
	if created["state"] != "unloaded" {
		t.Fatalf("state = %v", created["state"])
	}

	status := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/database", map[string]any{"source": "example", "example": "mini"}, http.StatusOK)
	if status["state"] != "loaded" || status["origin"] != "mini" {
		t.Fatalf("status = %v", status)
	}
	counts := status["counts"].([]any)
	if len(counts) != 2 || counts[0].(map[string]any)["display"] != "2" {
		t.Fatalf("counts = %v", counts)
	}

	promptBody := doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/prompt", nil, http.StatusOK)
	instructions := promptBody["instructions"].(string)
	if !strings.Contains(instructions, "Available tables: Album, Artist") || !strings.HasSuffix(instructions, "Answer briefly.") {
		t.Fatalf("instructions = %s", instructions)
	}

	answer := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/ask", map[string]any{"question": "How many artists?"}, http.StatusOK)
	if answer["failed"] != false || answer["answer"].(map[string]any)["content"] != "There are 2 artists." {
		t.Fatalf("answer = %v", answer)
	}
	if fake.last.Instructions != instructions {
		t.Fatal("agent did not receive the composed instructions")
	}

	transcriptBody := doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/transcript", nil, http.StatusOK)
	messages := transcriptBody["messages"].([]any)
	if len(messages) != 2 || messages[0].(map[string]any)["role"] != "user" {
		t.Fatalf("messages = %v", messages)
	}

	table := doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/tables/Artist", nil, http.StatusOK)
	if table["rows"] != float64(2) || !strings.HasPrefix(table["schema"].(string), "CREATE TABLE Artist") {
		t.Fatalf("table = %v", table)
	}

	result := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/query", map[string]any{"sql": "SELECT Name FROM Artist ORDER BY ArtistId"}, http.StatusOK)
	rows := result["rows"].([]any)
	if len(rows) != 2 || rows[0].([]any)[0] != "AC/DC" {
		t.Fatalf("rows = %v", rows)
	}

	loads := doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/loads", nil, http.StatusOK)
	if len(loads["loads"].([]any)) != 1 {
		t.Fatalf("loads = %v", loads)
	}

	rr := do(t, h, http.MethodDelete, "/v1/sessions/"+id, nil, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	assertErrorCode(t, do(t, h, http.MethodGet, "/v1/sessions/"+id, nil, ""), http.StatusNotFound, "SESSION_NOT_FOUND")
}

func TestSelectDatabaseFromRawUpload(t *testing.T) {
	h := newTestHandler(t, &fakeAgent{}, acquire.Options{TempDir: t.TempDir()})
	id := doJSON(t, h, http.MethodPost, "/v1/sessions", nil, http.StatusCreated)["id"].(string)

	rr := do(t, h, http.MethodPost, "/v1/sessions/"+id+"/database?filename=mini.sqlite", sqliteFixture(t), "application/octet-stream")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var status map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if status["source"] != "upload" || status["state"] != "loaded" {
		t.Fatalf("status = %v", status)
	}
}

func TestAcquireAndLoadFailuresAreDistinguishable(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.sqlite" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("definitely not sqlite\n", 64)))
	}))
	defer remote.Close()

	h := newTestHandler(t, &fakeAgent{}, acquire.Options{TempDir: t.TempDir()})
	id := doJSON(t, h, http.MethodPost, "/v1/sessions", nil, http.StatusCreated)["id"].(string)

	assertErrorCode(t,
		do(t, h, http.MethodPost, "/v1/sessions/"+id+"/database", map[string]any{"url": remote.URL + "/missing.sqlite"}, ""),
		http.StatusBadGateway, "ACQUIRE_FAILED")
	assertErrorCode(t,
		do(t, h, http.MethodPost, "/v1/sessions/"+id+"/database", map[string]any{"url": "ftp://example.test/db.sqlite"}, ""),
		http.StatusBadRequest, "ACQUIRE_FAILED")
	assertErrorCode(t,
		do(t, h, http.MethodPost, "/v1/sessions/"+id+"/database", map[string]any{"source": "carrier-pigeon"}, ""),
		http.StatusBadRequest, "ACQUIRE_FAILED")
	assertErrorCode(t,
		do(t, h, http.MethodPost, "/v1/sessions/"+id+"/database", map[string]any{"url": remote.URL + "/garbage.sqlite"}, ""),
		http.StatusUnprocessableEntity, "LOAD_FAILED")

	status := doJSON(t, h, http.MethodGet, "/v1/sessions/"+id, nil, http.StatusOK)
	if status["state"] != "unloaded" || status["last_error"] == nil {
		t.Fatalf("status = %v", status)
	}
}

func TestAskBeforeLoadAndAgentFailure(t *testing.T) {
	h := newTestHandler(t, &fakeAgent{err: errors.New("rate limited")}, acquire.Options{TempDir: t.TempDir()})
	id := doJSON(t, h, http.MethodPost, "/v1/sessions", nil, http.StatusCreated)["id"].(string)

	assertErrorCode(t, do(t, h, http.MethodPost, "/v1/sessions/"+id+"/ask", map[string]any{"question": "hi"}, ""), http.StatusConflict, "DATABASE_NOT_LOADED")
	assertErrorCode(t, do(t, h, http.MethodGet, "/v1/sessions/"+id+"/prompt", nil, ""), http.StatusConflict, "DATABASE_NOT_LOADED")

	rr := do(t, h, http.MethodPost, "/v1/sessions/"+id+"/database", sqliteFixture(t), "application/octet-stream")
	if rr.Code != http.StatusOK {
		t.Fatalf("select status = %d, body=%s", rr.Code, rr.Body.String())
	}

	assertErrorCode(t, do(t, h, http.MethodPost, "/v1/sessions/"+id+"/ask", map[string]any{"question": " "}, ""), http.StatusBadRequest, "QUESTION_REQUIRED")
	answer := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/ask", map[string]any{"question": "hi"}, http.StatusOK)
	if answer["failed"] != true || answer["answer"].(map[string]any)["content"] != "Error: rate limited" {
		t.Fatalf("answer = %v", answer)
	}
}

func TestQueryRejectsWritesAndRequiresRole(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"SQLCHAT_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("chat:alice:chat_user,sql:alice:chat_user|query_runner")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Sessions:       newTestManager(t, &fakeAgent{}),
		Acquirer:       acquire.New(acquire.Options{TempDir: t.TempDir()}),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set("X-API-Key", "chat")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var created map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	id := created["id"].(string)

	req = httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/database", bytes.NewReader(sqliteFixture(t)))
	req.Header.Set("X-API-Key", "chat")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("select status = %d, body=%s", rr.Code, rr.Body.String())
	}

	query := func(key, sqlText string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]any{"sql": sqlText})
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/query", bytes.NewReader(body))
		req.Header.Set("X-API-Key", key)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	assertErrorCode(t, query("chat", "SELECT 1"), http.StatusForbidden, "FORBIDDEN")
	assertErrorCode(t, query("sql", "DROP TABLE Artist"), http.StatusBadRequest, "SQL_NOT_ALLOWED")
	assertErrorCode(t, query("sql", "SELECT nope FROM Artist"), http.StatusBadRequest, "QUERY_FAILED")
	if rr := query("sql", "SELECT COUNT(*) AS n FROM Artist"); rr.Code != http.StatusOK {
		t.Fatalf("query status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionsAreScopedToOwnerHeader(t *testing.T) {
	h := newTestHandler(t, &fakeAgent{}, acquire.Options{TempDir: t.TempDir()})

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set(auth.OwnerHeader, "team-a")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var created map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}

	assertErrorCode(t, do(t, h, http.MethodGet, "/v1/sessions/"+created["id"].(string), nil, ""), http.StatusNotFound, "SESSION_NOT_FOUND")
	list := doJSON(t, h, http.MethodGet, "/v1/sessions", nil, http.StatusOK)
	if len(list["sessions"].([]any)) != 0 {
		t.Fatalf("anonymous owner sees %v", list["sessions"])
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set(auth.OwnerHeader, "../bad")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assertErrorCode(t, rr, http.StatusBadRequest, "INVALID_OWNER")
}

func TestExamplesAndDatasets(t *testing.T) {
	h := newTestHandler(t, &fakeAgent{}, acquire.Options{TempDir: t.TempDir()})

	examples := doJSON(t, h, http.MethodGet, "/v1/examples", nil, http.StatusOK)
	if len(examples["examples"].([]any)) != 3 {
		t.Fatalf("examples = %v", examples)
	}
	assertErrorCode(t, do(t, h, http.MethodGet, "/v1/datasets", nil, ""), http.StatusBadRequest, "ACQUIRE_FAILED")
}

func newTestManager(t *testing.T, agentImpl agent.Agent) *session.Manager {
	t.Helper()
	composer, err := prompt.NewComposer(context.Background(), prompt.Options{})
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}
	manager, err := session.NewManager(session.Options{
		Composer: composer,
		Agent:    agentImpl,
		Queries:  querysqlite.NewEngine(0),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return manager
}

func newTestHandler(t *testing.T, agentImpl agent.Agent, opts acquire.Options) http.Handler {
	t.Helper()
	return NewHandler(loadTestConfig(t, map[string]string{}), Dependencies{
		Sessions: newTestManager(t, agentImpl),
		Acquirer: acquire.New(opts),
	})
}

func sqliteFixture(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE Artist (ArtistId INTEGER PRIMARY KEY, Name TEXT)`,
		`CREATE TABLE Album (AlbumId INTEGER PRIMARY KEY, Title TEXT, ArtistId INTEGER)`,
		`INSERT INTO Artist VALUES (1, 'AC/DC'), (2, 'Accept')`,
		`INSERT INTO Album VALUES (1, 'For Those About To Rock We Salute You', 1), (2, 'Balls to the Wall', 2)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Exec(%q) error = %v", stmt, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("db.Close() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	return data
}

func do(t *testing.T, h http.Handler, method, target string, body any, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(encoded)
		if contentType == "" {
			contentType = "application/json"
		}
	}
	req := httptest.NewRequest(method, target, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any, wantStatus int) map[string]any {
	t.Helper()
	rr := do(t, h, method, target, body, "")
	if rr.Code != wantStatus {
		t.Fatalf("%s %s status = %d, want %d, body=%s", method, target, rr.Code, wantStatus, rr.Body.String())
	}
	var decoded map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	return decoded
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, wantStatus int, wantCode string) {
	t.Helper()
	if rr.Code != wantStatus {
		t.Fatalf("status = %d, want %d, body=%s", rr.Code, wantStatus, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body["error_code"] != wantCode {
		t.Fatalf("error_code = %v, want %s", body["error_code"], wantCode)
	}
}

type fakeAgent struct {
	answer agent.Answer
	err    error
	last   agent.Request
}

func (f *fakeAgent) Ask(_ context.Context, req agent.Request) (agent.Answer, error) {
	f.last = req
	if f.err != nil {
		return agent.Answer{}, f.err
	}
	return f.answer, nil
}
