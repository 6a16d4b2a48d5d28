// Package transcript records the ordered question and answer history of a
// chat session together with its database load attempts.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

var ErrSessionNotFound = errors.New("transcript session not found")

// Message is one appended transcript entry. Seq starts at 1 and is
// assigned by the store.
type Message struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Failed    bool      `json:"failed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type NewMessage struct {
	Role    Role
	Content string
	Failed  bool
}

// LoadRecord audits one database selection attempt.
type LoadRecord struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Source       string    `json:"source"`
	Origin       string    `json:"origin"`
	Succeeded    bool      `json:"succeeded"`
	Tables       int       `json:"tables"`
	FailedCounts int       `json:"failed_counts"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

type Store interface {
	StartSession(ctx context.Context, sessionID, owner string, at time.Time) error
	Append(ctx context.Context, sessionID string, msg NewMessage) (Message, error)
	List(ctx context.Context, sessionID string) ([]Message, error)
	EndSession(ctx context.Context, sessionID string, at time.Time) error
	RecordLoad(ctx context.Context, rec LoadRecord) (LoadRecord, error)
	ListLoads(ctx context.Context, sessionID string) ([]LoadRecord, error)
}

func ValidateNewMessage(msg NewMessage) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid transcript role %q", msg.Role)
	}
	return nil
}

type memorySession struct {
	owner    string
	messages []Message
	loads    []LoadRecord
}

// MemoryStore keeps transcripts in process memory.
type MemoryStore struct {
	Clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*memorySession
	nextLoad int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*memorySession{}}
}

func (s *MemoryStore) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

func (s *MemoryStore) StartSession(_ context.Context, sessionID, owner string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = map[string]*memorySession{}
	}
	if _, ok := s.sessions[sessionID]; ok {
		return fmt.Errorf("transcript session %q already exists", sessionID)
	}
	s.sessions[sessionID] = &memorySession{owner: owner}
	return nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msg NewMessage) (Message, error) {
	if err := ValidateNewMessage(msg); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	message := Message{
		Seq:       int64(len(session.messages)) + 1,
		Role:      msg.Role,
		Content:   msg.Content,
		Failed:    msg.Failed,
		CreatedAt: s.now(),
	}
	session.messages = append(session.messages, message)
	return message, nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]Message, len(session.messages))
	copy(out, session.messages)
	return out, nil
}

// EndSession drops the session's messages and load records. Archiving, if
// any, happens before the session ends.
func (s *MemoryStore) EndSession(_ context.Context, sessionID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) RecordLoad(_ context.Context, rec LoadRecord) (LoadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[rec.SessionID]
	if !ok {
		return LoadRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, rec.SessionID)
	}
	s.nextLoad++
	rec.ID = s.nextLoad
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	session.loads = append(session.loads, rec)
	return rec, nil
}

func (s *MemoryStore) ListLoads(_ context.Context, sessionID string) ([]LoadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]LoadRecord, len(session.loads))
	copy(out, session.loads)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
