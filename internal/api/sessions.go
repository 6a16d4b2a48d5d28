package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/acquire"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/dbload"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/session"
	"github.com/sqlchat/sqlchat/internal/transcript"
)

const maxJSONBodyBytes = 1 << 20

type createSessionRequest struct {
	CustomInstructions string `json:"custom_instructions"`
}

type selectDatabaseRequest struct {
	Source    string `json:"source"`
	URL       string `json:"url"`
	Example   string `json:"example"`
	ObjectKey string `json:"object_key"`
}

type askRequest struct {
	Question string `json:"question"`
}

type queryRequest struct {
	SQL      string `json:"sql"`
	RowLimit int    `json:"row_limit"`
}

type tableCountResponse struct {
	Table string `json:"table"`
	Rows  *int64 `json:"rows"`
	// Display is the row count or "Error" when counting failed.
	Display string `json:"display"`
	Error   string `json:"error,omitempty"`
}

type sessionResponse struct {
	ID              string               `json:"id"`
	Owner           string               `json:"owner"`
	State           session.State        `json:"state"`
	CreatedAt       time.Time            `json:"created_at"`
	LastActive      time.Time            `json:"last_active"`
	Source          acquire.Source       `json:"source,omitempty"`
	Origin          string               `json:"origin,omitempty"`
	Tables          []string             `json:"tables"`
	Counts          []tableCountResponse `json:"counts"`
	LoadedAt        *time.Time           `json:"loaded_at,omitempty"`
	Degraded        bool                 `json:"degraded"`
	DegradedSchemas []string             `json:"degraded_schemas,omitempty"`
	LastError       string               `json:"last_error,omitempty"`
}

func toSessionResponse(status session.Status) sessionResponse {
	response := sessionResponse{
		ID:              status.ID,
		Owner:           status.Owner,
		State:           status.State,
		CreatedAt:       status.CreatedAt,
		LastActive:      status.LastActive,
		Source:          status.Source,
		Origin:          status.Origin,
		Tables:          status.Tables,
		Counts:          make([]tableCountResponse, 0, len(status.Counts)),
		Degraded:        status.Degraded,
		DegradedSchemas: status.DegradedSchemas,
	}
	if response.Tables == nil {
		response.Tables = []string{}
	}
	for _, count := range status.Counts {
		item := tableCountResponse{Table: count.Table, Display: count.String()}
		if count.Failed() {
			item.Error = count.Err.Error()
		} else {
			rows := count.Rows
			item.Rows = &rows
		}
		response.Counts = append(response.Counts, item)
	}
	if !status.LoadedAt.IsZero() {
		loadedAt := status.LoadedAt
		response.LoadedAt = &loadedAt
	}
	if status.LastError != nil {
		response.LastError = status.LastError.Error()
	}
	return response
}

func handleListExamples(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Acquirer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ACQUIRE_NOT_CONFIGURED", "database acquisition is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"examples": deps.Acquirer.Examples()})
}

func handleListDatasets(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Acquirer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ACQUIRE_NOT_CONFIGURED", "database acquisition is not configured", false, nil)
		return
	}
	if _, ok := requireOwner(w, r, auth.RoleChatUser); !ok {
		return
	}
	objects, err := deps.Acquirer.ListObjects(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	datasets := make([]map[string]any, 0, len(objects))
	for _, object := range objects {
		datasets = append(datasets, map[string]any{
			"key":           object.Key,
			"size_bytes":    object.Size,
			"last_modified": object.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": datasets})
}

func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}

	var request createSessionRequest
	if !decodeBody(w, r, &request, true) {
		return
	}
	status, err := deps.Sessions.Create(r.Context(), owner, request.CustomInstructions)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(status))
}

func handleListSessions(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}
	statuses := deps.Sessions.List(owner)
	sessions := make([]sessionResponse, 0, len(statuses))
	for _, status := range statuses {
		sessions = append(sessions, toSessionResponse(status))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}
	status, err := deps.Sessions.Get(owner, r.PathValue("id"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(status))
}

func handleCloseSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}
	if err := deps.Sessions.Close(r.Context(), owner, r.PathValue("id")); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_CLOSE_INCOMPLETE", "session closed with errors", true, map[string]any{"details": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSelectDatabase accepts either a JSON selector or a raw upload body.
func handleSelectDatabase(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	if deps.Acquirer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ACQUIRE_NOT_CONFIGURED", "database acquisition is not configured", false, nil)
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := deps.Sessions.Get(owner, id); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	var (
		acquired acquire.Acquired
		err      error
	)
	if isJSONRequest(r) {
		var request selectDatabaseRequest
		if !decodeJSON(w, r, &request) {
			return
		}
		acquired, err = acquireFromSelector(r.Context(), deps.Acquirer, request)
	} else {
		acquired, err = deps.Acquirer.FromUpload(r.Context(), r.Body, r.URL.Query().Get("filename"))
	}
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	status, err := deps.Sessions.Select(r.Context(), owner, id, acquired)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(status))
}

func acquireFromSelector(ctx context.Context, acquirer DatabaseAcquirer, request selectDatabaseRequest) (acquire.Acquired, error) {
	source := acquire.Source(strings.TrimSpace(request.Source))
	if source == "" {
		switch {
		case request.URL != "":
			source = acquire.SourceURL
		case request.Example != "":
			source = acquire.SourceExample
		case request.ObjectKey != "":
			source = acquire.SourceObject
		}
	}
	switch source {
	case acquire.SourceURL:
		return acquirer.FromURL(ctx, request.URL)
	case acquire.SourceExample:
		return acquirer.FromExample(ctx, request.Example)
	case acquire.SourceObject:
		return acquirer.FromObject(ctx, request.ObjectKey)
	default:
		return acquire.Acquired{}, &acquire.AcquireError{
			Source:       source,
			InvalidInput: true,
			Cause:        fmt.Errorf("unsupported source %q: use url, example or object_key", source),
		}
	}
}

func handleGetTable(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}
	summary, err := deps.Sessions.Table(r.Context(), owner, r.PathValue("id"), r.PathValue("table"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	response := map[string]any{
		"name":    summary.Name,
		"schema":  summary.Schema,
		"counted": summary.Counted,
	}
	if summary.Counted && summary.Err == nil {
		response["rows"] = summary.Rows
	}
	if summary.Err != nil {
		response["error"] = summary.Err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func handleListLoads(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}
	loads, err := deps.Sessions.Loads(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loads": loads})
}

func handleGetPrompt(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}
	payload, err := deps.Sessions.Prompt(owner, r.PathValue("id"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	degraded := payload.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instructions": payload.Text, "degraded_tables": degraded})
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}
	var request askRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	result, err := deps.Sessions.Ask(r.Context(), owner, r.PathValue("id"), request.Question)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"question": result.Question,
		"answer":   result.Answer,
		"failed":   result.Failed,
		"provider": result.Provider,
		"model":    result.Model,
	})
}

func handleGetTranscript(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleChatUser)
	if !ok {
		return
	}
	messages, err := deps.Sessions.Transcript(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	if messages == nil {
		messages = []transcript.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireSessions(deps, w, r) {
		return
	}
	owner, ok := requireOwner(w, r, auth.RoleQueryRunner)
	if !ok {
		return
	}
	var request queryRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}

	result, err := deps.Sessions.Query(r.Context(), owner, r.PathValue("id"), request.SQL, request.RowLimit)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrNotLoaded) || errors.Is(err, query.ErrNotReadOnly) {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_FAILED", "query execution failed", false, map[string]any{"details": err.Error()})
		return
	}
	rows := result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns":   result.Columns,
		"rows":      rows,
		"truncated": result.Truncated,
		"stats": map[string]any{
			"row_count":   len(rows),
			"duration_ms": result.Duration.Milliseconds(),
		},
	})
}

func requireSessions(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return false
	}
	return true
}

func requireOwner(w http.ResponseWriter, r *http.Request, role string) (string, bool) {
	owner, err := auth.ResolveOwner(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_OWNER", err.Error(), false, nil)
		return "", false
	}
	if err := requireRole(r, role); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return "", false
	}
	return owner, true
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func isJSONRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	return decodeBody(w, r, target, false)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any, allowEmpty bool) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

// writeDomainError maps sentinel errors to the error envelope. Acquisition
// and load failures keep distinct codes.
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	var acquireErr *acquire.AcquireError
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), false, nil)
	case errors.Is(err, session.ErrNotLoaded):
		writeError(ctx, w, http.StatusConflict, "DATABASE_NOT_LOADED", "select a database first", false, nil)
	case errors.Is(err, session.ErrEmptyQuestion):
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_REQUIRED", err.Error(), false, nil)
	case errors.Is(err, dbload.ErrTableNotFound):
		writeError(ctx, w, http.StatusNotFound, "TABLE_NOT_FOUND", err.Error(), false, nil)
	case errors.Is(err, query.ErrNotReadOnly):
		writeError(ctx, w, http.StatusBadRequest, "SQL_NOT_ALLOWED", err.Error(), false, nil)
	case errors.As(err, &acquireErr):
		status := http.StatusBadGateway
		if acquireErr.InvalidInput {
			status = http.StatusBadRequest
		}
		writeError(ctx, w, status, "ACQUIRE_FAILED", err.Error(), !acquireErr.InvalidInput, map[string]any{
			"source": string(acquireErr.Source),
			"origin": acquireErr.Origin,
		})
	case errors.Is(err, dbload.ErrLoadFailed):
		writeError(ctx, w, http.StatusUnprocessableEntity, "LOAD_FAILED", err.Error(), false, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", err.Error(), true, nil)
	}
}
