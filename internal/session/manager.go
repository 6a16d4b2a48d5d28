package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlchat/sqlchat/internal/acquire"
	"github.com/sqlchat/sqlchat/internal/agent"
	"github.com/sqlchat/sqlchat/internal/dbload"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/prompt"
	"github.com/sqlchat/sqlchat/internal/query"
	"github.com/sqlchat/sqlchat/internal/transcript"
)

type Options struct {
	Loader      *dbload.Loader
	Composer    *prompt.Composer
	Agent       agent.Agent
	Transcripts transcript.Store
	Queries     query.Engine
	// Archiver is optional. When set, closed transcripts are uploaded.
	Archiver *transcript.Archiver
	// CustomInstructions apply to sessions created without their own.
	CustomInstructions string
	QueryRowLimit      int
	Logger             *slog.Logger
	Clock              func() time.Time
	NewID              func() string
}

type Manager struct {
	loader        *dbload.Loader
	composer      *prompt.Composer
	agent         agent.Agent
	transcripts   transcript.Store
	queries       query.Engine
	archiver      *transcript.Archiver
	custom        string
	queryRowLimit int
	logger        *slog.Logger
	clock         func() time.Time
	newID         func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// AskResult carries both transcript entries of one exchange. Failed is set
// when the agent call failed; the answer text then holds the error.
type AskResult struct {
	Question transcript.Message
	Answer   transcript.Message
	Failed   bool
	Provider string
	Model    string
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Composer == nil {
		return nil, fmt.Errorf("prompt composer is required")
	}
	if opts.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	m := &Manager{
		loader:        opts.Loader,
		composer:      opts.Composer,
		agent:         opts.Agent,
		transcripts:   opts.Transcripts,
		queries:       opts.Queries,
		archiver:      opts.Archiver,
		custom:        opts.CustomInstructions,
		queryRowLimit: opts.QueryRowLimit,
		logger:        opts.Logger,
		clock:         opts.Clock,
		newID:         opts.NewID,
		sessions:      map[string]*Session{},
	}
	if m.loader == nil {
		m.loader = &dbload.Loader{}
	}
	if m.transcripts == nil {
		m.transcripts = transcript.NewMemoryStore()
	}
	if m.logger == nil {
		m.logger = observability.DiscardLogger()
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m, nil
}

func (m *Manager) now() time.Time {
	return m.clock().UTC()
}

// Create opens an unloaded session for owner. An empty custom string falls
// back to the manager default.
func (m *Manager) Create(ctx context.Context, owner, custom string) (Status, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Status{}, fmt.Errorf("owner is required")
	}
	if custom == "" {
		custom = m.custom
	}
	now := m.now()
	s := newSession(m.newID(), owner, custom, now)
	if err := m.transcripts.StartSession(ctx, s.id, owner, now); err != nil {
		return Status{}, fmt.Errorf("start transcript: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	active := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(active)

	m.logger.InfoContext(ctx, "session created", slog.String("session_id", s.id), slog.String("owner", owner))
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(), nil
}

func (m *Manager) lookup(owner, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// acquire locks the session for one operation. The returned release must be
// called exactly once.
func (m *Manager) acquire(owner, id string) (*Session, func(), error) {
	s, err := m.lookup(owner, id)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.touch(m.now())
	return s, s.mu.Unlock, nil
}

func (m *Manager) Get(owner, id string) (Status, error) {
	s, release, err := m.acquire(owner, id)
	if err != nil {
		return Status{}, err
	}
	defer release()
	return s.status(), nil
}

// List returns owner's sessions, oldest first.
func (m *Manager) List(owner string) []Status {
	m.mu.RLock()
	owned := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.owner == owner {
			owned = append(owned, s)
		}
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(owned))
	for _, s := range owned {
		s.mu.Lock()
		if !s.closed {
			statuses = append(statuses, s.status())
		}
		s.mu.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].CreatedAt.Equal(statuses[j].CreatedAt) {
			return statuses[i].ID < statuses[j].ID
		}
		return statuses[i].CreatedAt.Before(statuses[j].CreatedAt)
	})
	return statuses
}

// Select loads acquired into the session. On failure the previous database
// stays active and acquired is cleaned up; on success the previous file is
// cleaned up instead.
func (m *Manager) Select(ctx context.Context, owner, id string, acquired acquire.Acquired) (Status, error) {
	s, release, err := m.acquire(owner, id)
	if err != nil {
		m.cleanup(ctx, acquired)
		return Status{}, err
	}
	defer release()

	database, err := m.loader.Load(ctx, acquired.Path)
	if err != nil {
		observability.IncrementDatabaseLoadFailure()
		m.logger.WarnContext(ctx, "database load failed",
			slog.String("session_id", s.id),
			slog.String("source", string(acquired.Source)),
			slog.String("origin", acquired.Origin),
			slog.Any("error", err),
		)
		s.lastErr = err
		if acquired.Path != s.acquired.Path {
			m.cleanup(ctx, acquired)
		}
		m.recordLoad(ctx, s, acquired, nil, err)
		return s.status(), err
	}

	payload := m.compose(ctx, database, s.custom)
	observability.ObserveDatabaseLoad(len(database.Tables()), database.FailedCounts())
	observability.AddPromptDegradedTables(len(payload.Degraded))

	previous := s.acquired
	s.database = database
	s.acquired = acquired
	s.payload = payload
	s.lastErr = nil
	if previous.Path != acquired.Path {
		m.cleanup(ctx, previous)
	}

	m.logger.InfoContext(ctx, "database loaded",
		slog.String("session_id", s.id),
		slog.String("source", string(acquired.Source)),
		slog.String("origin", acquired.Origin),
		slog.Int("tables", len(database.Tables())),
		slog.Int("failed_counts", database.FailedCounts()),
		slog.Any("degraded_schemas", payload.Degraded),
	)
	m.recordLoad(ctx, s, acquired, database, nil)
	return s.status(), nil
}

func (m *Manager) compose(ctx context.Context, database *dbload.Database, custom string) prompt.Payload {
	reader, err := m.loader.OpenSchema(ctx, database)
	if err != nil {
		m.logger.WarnContext(ctx, "schema reader unavailable", slog.String("path", database.Path()), slog.Any("error", err))
		return m.composer.Build(ctx, database.Tables(), nil, custom)
	}
	defer func() { _ = reader.Close() }()
	return m.composer.Build(ctx, database.Tables(), reader, custom)
}

func (m *Manager) recordLoad(ctx context.Context, s *Session, acquired acquire.Acquired, database *dbload.Database, loadErr error) {
	rec := transcript.LoadRecord{
		SessionID: s.id,
		Source:    string(acquired.Source),
		Origin:    acquired.Origin,
		Succeeded: loadErr == nil,
		At:        m.now(),
	}
	if database != nil {
		rec.Tables = len(database.Tables())
		rec.FailedCounts = database.FailedCounts()
	}
	if loadErr != nil {
		rec.Error = loadErr.Error()
	}
	if _, err := m.transcripts.RecordLoad(ctx, rec); err != nil {
		m.logger.WarnContext(ctx, "record database load failed", slog.String("session_id", s.id), slog.Any("error", err))
	}
}

func (m *Manager) cleanup(ctx context.Context, acquired acquire.Acquired) {
	if err := acquired.Cleanup(); err != nil {
		m.logger.WarnContext(ctx, "temporary database cleanup failed", slog.String("path", acquired.Path), slog.Any("error", err))
	}
}

// Ask forwards question with the session's payload. An agent failure is
// recorded as the answer "Error: <cause>" and reported through Failed.
func (m *Manager) Ask(ctx context.Context, owner, id, question string) (AskResult, error) {
	if strings.TrimSpace(question) == "" {
		return AskResult{}, ErrEmptyQuestion
	}
	s, release, err := m.acquire(owner, id)
	if err != nil {
		return AskResult{}, err
	}
	defer release()
	if s.database == nil {
		return AskResult{}, ErrNotLoaded
	}

	asked, err := m.transcripts.Append(ctx, s.id, transcript.NewMessage{Role: transcript.RoleUser, Content: question})
	if err != nil {
		return AskResult{}, fmt.Errorf("append question: %w", err)
	}

	result := AskResult{Question: asked}
	answer, err := m.agent.Ask(ctx, agent.Request{Instructions: s.payload.Text, Question: question})
	text := answer.Text
	if err != nil {
		m.logger.WarnContext(ctx, "agent request failed", slog.String("session_id", s.id), slog.Any("error", err))
		result.Failed = true
		text = "Error: " + err.Error()
	}
	result.Provider = answer.Provider
	result.Model = answer.Model

	answered, err := m.transcripts.Append(ctx, s.id, transcript.NewMessage{
		Role:    transcript.RoleAssistant,
		Content: text,
		Failed:  result.Failed,
	})
	if err != nil {
		return AskResult{}, fmt.Errorf("append answer: %w", err)
	}
	result.Answer = answered
	s.touch(m.now())
	return result, nil
}

// Prompt returns the payload built for the current database.
func (m *Manager) Prompt(owner, id string) (prompt.Payload, error) {
	s, release, err := m.acquire(owner, id)
	if err != nil {
		return prompt.Payload{}, err
	}
	defer release()
	if s.database == nil {
		return prompt.Payload{}, ErrNotLoaded
	}
	return prompt.Payload{Text: s.payload.Text, Degraded: append([]string(nil), s.payload.Degraded...)}, nil
}

func (m *Manager) Transcript(ctx context.Context, owner, id string) ([]transcript.Message, error) {
	s, release, err := m.acquire(owner, id)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.transcripts.List(ctx, s.id)
}

func (m *Manager) Loads(ctx context.Context, owner, id string) ([]transcript.LoadRecord, error) {
	s, release, err := m.acquire(owner, id)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.transcripts.ListLoads(ctx, s.id)
}

// Table describes one table of the current database, reading its schema on
// demand.
func (m *Manager) Table(ctx context.Context, owner, id, table string) (dbload.TableSummary, error) {
	s, release, err := m.acquire(owner, id)
	if err != nil {
		return dbload.TableSummary{}, err
	}
	defer release()
	if s.database == nil {
		return dbload.TableSummary{}, ErrNotLoaded
	}

	reader, err := m.loader.OpenSchema(ctx, s.database)
	if err != nil {
		return s.database.Summary(ctx, nil, table)
	}
	defer func() { _ = reader.Close() }()
	return s.database.Summary(ctx, reader, table)
}

// Query runs read-only SQL against the current database.
func (m *Manager) Query(ctx context.Context, owner, id, sqlText string, limit int) (query.Result, error) {
	if m.queries == nil {
		return query.Result{}, fmt.Errorf("query engine is not configured")
	}
	s, release, err := m.acquire(owner, id)
	if err != nil {
		return query.Result{}, err
	}
	defer release()
	if s.database == nil {
		return query.Result{}, ErrNotLoaded
	}
	if limit <= 0 {
		limit = m.queryRowLimit
	}
	return m.queries.Execute(ctx, query.Request{
		DatabasePath: s.database.Path(),
		SQL:          sqlText,
		RowLimit:     limit,
	})
}

// Close ends the session, removes its temporary database and archives the
// transcript when an archiver is configured.
func (m *Manager) Close(ctx context.Context, owner, id string) error {
	s, err := m.lookup(owner, id)
	if err != nil {
		return err
	}
	return m.closeSession(ctx, s, nil)
}

// closeSession waits for any in-flight operation on s. A non-nil eligible is
// re-evaluated once s is locked; a session it rejects stays open and
// errStillActive is returned.
func (m *Manager) closeSession(ctx context.Context, s *Session, eligible func(*Session) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrNotFound, s.id)
	}
	if eligible != nil && !eligible(s) {
		return errStillActive
	}

	m.mu.Lock()
	if current, ok := m.sessions[s.id]; !ok || current != s {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, s.id)
	}
	delete(m.sessions, s.id)
	active := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(active)

	s.closed = true
	m.cleanup(ctx, s.acquired)
	s.acquired = acquire.Acquired{}
	s.database = nil

	closedAt := m.now()
	var errs []error
	if m.archiver != nil {
		messages, err := m.transcripts.List(ctx, s.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("list transcript for archive: %w", err))
		} else if _, err := m.archiver.Archive(ctx, s.owner, s.id, closedAt, messages); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.transcripts.EndSession(ctx, s.id, closedAt); err != nil {
		errs = append(errs, fmt.Errorf("end transcript: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.WarnContext(ctx, "session close incomplete", slog.String("session_id", s.id), slog.Any("error", err))
		return err
	}
	m.logger.InfoContext(ctx, "session closed", slog.String("session_id", s.id))
	return nil
}

// CloseIdle closes every session inactive since before cutoff and returns
// how many were closed and how many closes reported errors.
func (m *Manager) CloseIdle(ctx context.Context, cutoff time.Time) (closed, failures int) {
	m.mu.RLock()
	idle := make([]*Session, 0)
	for _, s := range m.sessions {
		if s.lastActiveAt().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	stillIdle := func(s *Session) bool { return s.lastActiveAt().Before(cutoff) }
	for _, s := range idle {
		err := m.closeSession(ctx, s, stillIdle)
		if errors.Is(err, ErrNotFound) || errors.Is(err, errStillActive) {
			continue
		}
		closed++
		if err != nil {
			failures++
		}
	}
	return closed, failures
}

// Shutdown closes every open session.
func (m *Manager) Shutdown(ctx context.Context) (closed, failures int) {
	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		err := m.closeSession(ctx, s, nil)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		closed++
		if err != nil {
			failures++
		}
	}
	return closed, failures
}

// Active reports the number of open sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
