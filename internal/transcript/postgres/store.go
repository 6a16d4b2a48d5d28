// Package postgres persists transcripts in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sqlchat/sqlchat/internal/transcript"
)

const foreignKeyViolation = "23503"

type Store struct {
	db *sql.DB
}

var _ transcript.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping transcript db: %w", err)
	}
	return nil
}

func (s *Store) StartSession(ctx context.Context, sessionID, owner string, at time.Time) error {
	query := `
INSERT INTO chat_session (session_id, owner_id, created_at)
VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, sessionID, owner, at.UTC()); err != nil {
		return fmt.Errorf("start transcript session: %w", err)
	}
	return nil
}

// Append assigns the next sequence number inside the insert. Callers
// serialize appends per session; the primary key rejects any race.
func (s *Store) Append(ctx context.Context, sessionID string, msg transcript.NewMessage) (transcript.Message, error) {
	if err := transcript.ValidateNewMessage(msg); err != nil {
		return transcript.Message{}, err
	}

	query := `
INSERT INTO transcript_message (session_id, seq, role, content, failed)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
FROM transcript_message
WHERE session_id = $1
RETURNING seq, created_at`
	message := transcript.Message{Role: msg.Role, Content: msg.Content, Failed: msg.Failed}
	if err := s.db.QueryRowContext(ctx, query, sessionID, string(msg.Role), msg.Content, msg.Failed).Scan(
		&message.Seq,
		&message.CreatedAt,
	); err != nil {
		if isForeignKeyViolation(err) {
			return transcript.Message{}, fmt.Errorf("%w: %s", transcript.ErrSessionNotFound, sessionID)
		}
		return transcript.Message{}, fmt.Errorf("append transcript message: %w", err)
	}
	return message, nil
}

func (s *Store) List(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, role, content, failed, created_at
FROM transcript_message
WHERE session_id = $1
ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transcript messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []transcript.Message{}
	for rows.Next() {
		var message transcript.Message
		var role string
		if err := rows.Scan(&message.Seq, &role, &message.Content, &message.Failed, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript message: %w", err)
		}
		message.Role = transcript.Role(role)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript messages: %w", err)
	}
	return messages, nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE chat_session
SET closed_at = $2
WHERE session_id = $1`, sessionID, at.UTC())
	if err != nil {
		return fmt.Errorf("end transcript session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("end transcript session rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", transcript.ErrSessionNotFound, sessionID)
	}
	return nil
}

func (s *Store) RecordLoad(ctx context.Context, rec transcript.LoadRecord) (transcript.LoadRecord, error) {
	var errorText sql.NullString
	if rec.Error != "" {
		errorText = sql.NullString{String: rec.Error, Valid: true}
	}

	query := `
INSERT INTO database_load_audit (session_id, source, origin, succeeded, table_count, failed_counts, error_text)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING load_id, loaded_at`
	if err := s.db.QueryRowContext(ctx, query,
		rec.SessionID,
		rec.Source,
		rec.Origin,
		rec.Succeeded,
		rec.Tables,
		rec.FailedCounts,
		errorText,
	).Scan(&rec.ID, &rec.At); err != nil {
		if isForeignKeyViolation(err) {
			return transcript.LoadRecord{}, fmt.Errorf("%w: %s", transcript.ErrSessionNotFound, rec.SessionID)
		}
		return transcript.LoadRecord{}, fmt.Errorf("record database load: %w", err)
	}
	return rec, nil
}

func (s *Store) ListLoads(ctx context.Context, sessionID string) ([]transcript.LoadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT load_id, session_id, source, origin, succeeded, table_count, failed_counts, error_text, loaded_at
FROM database_load_audit
WHERE session_id = $1
ORDER BY load_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list database loads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []transcript.LoadRecord{}
	for rows.Next() {
		var rec transcript.LoadRecord
		var errorText sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.Source,
			&rec.Origin,
			&rec.Succeeded,
			&rec.Tables,
			&rec.FailedCounts,
			&errorText,
			&rec.At,
		); err != nil {
			return nil, fmt.Errorf("scan database load: %w", err)
		}
		rec.Error = errorText.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate database loads: %w", err)
	}
	return records, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
