package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlchat/sqlchat/internal/acquire"
	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/dbload"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/prompt"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/session"
	"github.com/sqlchat/sqlchat/internal/storage"
	"github.com/sqlchat/sqlchat/internal/transcript"
)

type ReadinessCheck func(ctx context.Context) error

// SessionService is implemented by *session.Manager.
type SessionService interface {
	Create(ctx context.Context, owner, custom string) (session.Status, error)
	Get(owner, id string) (session.Status, error)
	List(owner string) []session.Status
	Close(ctx context.Context, owner, id string) error
	Select(ctx context.Context, owner, id string, acquired acquire.Acquired) (session.Status, error)
	Ask(ctx context.Context, owner, id, question string) (session.AskResult, error)
	Prompt(owner, id string) (prompt.Payload, error)
	Transcript(ctx context.Context, owner, id string) ([]transcript.Message, error)
	Loads(ctx context.Context, owner, id string) ([]transcript.LoadRecord, error)
	Table(ctx context.Context, owner, id, table string) (dbload.TableSummary, error)
	Query(ctx context.Context, owner, id, sqlText string, limit int) (query.Result, error)
}

// DatabaseAcquirer is implemented by *acquire.Acquirer.
type DatabaseAcquirer interface {
	Examples() []acquire.Example
	FromUpload(ctx context.Context, body io.Reader, name string) (acquire.Acquired, error)
	FromURL(ctx context.Context, rawURL string) (acquire.Acquired, error)
	FromExample(ctx context.Context, name string) (acquire.Acquired, error)
	FromObject(ctx context.Context, key string) (acquire.Acquired, error)
	ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Sessions          SessionService
	Acquirer          DatabaseAcquirer
	UI                http.Handler
}

type route struct {
	pattern string
	handle  func(Dependencies, http.ResponseWriter, *http.Request)
}

var protectedRoutes = []route{
	{"GET /v1/examples", handleListExamples},
	{"GET /v1/datasets", handleListDatasets},
	{"POST /v1/sessions", handleCreateSession},
	{"GET /v1/sessions", handleListSessions},
	{"GET /v1/sessions/{id}", handleGetSession},
	{"DELETE /v1/sessions/{id}", handleCloseSession},
	{"POST /v1/sessions/{id}/database", handleSelectDatabase},
	{"GET /v1/sessions/{id}/tables/{table}", handleGetTable},
	{"GET /v1/sessions/{id}/loads", handleListLoads},
	{"GET /v1/sessions/{id}/prompt", handleGetPrompt},
	{"POST /v1/sessions/{id}/ask", handleAsk},
	{"GET /v1/sessions/{id}/transcript", handleGetTranscript},
	{"POST /v1/sessions/{id}/query", handleQuery},
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	for _, rt := range protectedRoutes {
		protected.HandleFunc(rt.pattern, func(w http.ResponseWriter, r *http.Request) {
			rt.handle(deps, w, r)
		})
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for _, rt := range protectedRoutes {
		mux.Handle(rt.pattern, protectedHandler)
	}
	if deps.UI != nil {
		mux.Handle("GET /{path...}", deps.UI)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckAgentConfig fails readiness when the selected provider has no key.
func CheckAgentConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Agent.APIKey == "" {
			return errors.New("agent api key is not configured")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.ObjectStore.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
