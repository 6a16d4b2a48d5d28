// Package session holds per-conversation state: the selected database, its
// instruction payload and the transcript.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sqlchat/sqlchat/internal/acquire"
	"github.com/sqlchat/sqlchat/internal/dbload"
	"github.com/sqlchat/sqlchat/internal/prompt"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrNotLoaded     = errors.New("no database loaded")
	ErrEmptyQuestion = errors.New("question is required")

	errStillActive = errors.New("session became active")
)

type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
)

// Status is a point-in-time view of a session.
type Status struct {
	ID         string
	Owner      string
	CreatedAt  time.Time
	LastActive time.Time
	State      State
	Source     acquire.Source
	Origin     string
	Tables     []string
	Counts     []dbload.TableCount
	LoadedAt   time.Time
	// Degraded is set when any count or prompt schema lookup failed.
	Degraded        bool
	DegradedSchemas []string
	// LastError is the cause of the most recent failed selection. The
	// previously loaded database, if any, stays active.
	LastError error
}

type Session struct {
	id        string
	owner     string
	createdAt time.Time
	custom    string

	lastActive atomic.Int64

	// mu serializes operations on the session.
	mu       sync.Mutex
	closed   bool
	database *dbload.Database
	acquired acquire.Acquired
	payload  prompt.Payload
	lastErr  error
}

func newSession(id, owner, custom string, now time.Time) *Session {
	s := &Session{id: id, owner: owner, createdAt: now, custom: custom}
	s.touch(now)
	return s
}

func (s *Session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

func (s *Session) lastActiveAt() time.Time {
	return time.Unix(0, s.lastActive.Load()).UTC()
}

// status must be called with mu held.
func (s *Session) status() Status {
	status := Status{
		ID:         s.id,
		Owner:      s.owner,
		CreatedAt:  s.createdAt,
		LastActive: s.lastActiveAt(),
		State:      StateUnloaded,
		LastError:  s.lastErr,
	}
	if s.database == nil {
		return status
	}
	status.State = StateLoaded
	status.Source = s.acquired.Source
	status.Origin = s.acquired.Origin
	status.Tables = s.database.Tables()
	status.Counts = s.database.Counts()
	status.LoadedAt = s.database.LoadedAt()
	status.DegradedSchemas = append([]string(nil), s.payload.Degraded...)
	status.Degraded = s.database.Degraded() || len(s.payload.Degraded) > 0
	return status
}
