package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/sqlchat/sqlchat/internal/storage"
)

const (
	parquetContentType = "application/vnd.apache.parquet"
	archivePrefix      = "transcripts"
)

type parquetMessage struct {
	SessionID       string `parquet:"session_id"`
	Owner           string `parquet:"owner"`
	Seq             int64  `parquet:"seq"`
	Role            string `parquet:"role"`
	Content         string `parquet:"content"`
	Failed          bool   `parquet:"failed"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms"`
}

// EncodeParquet writes messages as one Parquet file, one row per message.
func EncodeParquet(owner, sessionID string, messages []Message) ([]byte, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}

	rows := make([]parquetMessage, 0, len(messages))
	for _, message := range messages {
		rows = append(rows, parquetMessage{
			SessionID:       sessionID,
			Owner:           owner,
			Seq:             message.Seq,
			Role:            string(message.Role),
			Content:         message.Content,
			Failed:          message.Failed,
			CreatedAtUnixMs: message.CreatedAt.UTC().UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetMessage](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Archiver uploads closed transcripts to the object store.
type Archiver struct {
	Store  storage.ObjectStore
	Logger *slog.Logger
}

// Archive stores messages and returns the object key. An empty transcript is
// skipped and yields an empty key.
func (a *Archiver) Archive(ctx context.Context, owner, sessionID string, closedAt time.Time, messages []Message) (string, error) {
	if a == nil || a.Store == nil {
		return "", fmt.Errorf("archive object store is required")
	}
	if len(messages) == 0 {
		return "", nil
	}

	key, err := storage.BuildTranscriptArchivePath(owner, sessionID, closedAt)
	if err != nil {
		return "", err
	}
	data, err := EncodeParquet(owner, sessionID, messages)
	if err != nil {
		return "", err
	}
	info, err := a.Store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: parquetContentType})
	if err != nil {
		return "", fmt.Errorf("upload transcript archive: %w", err)
	}

	if a.Logger != nil {
		a.Logger.InfoContext(ctx, "transcript archived",
			slog.String("session_id", sessionID),
			slog.String("key", key),
			slog.Int("messages", len(messages)),
			slog.Int64("bytes", info.Size),
		)
	}
	return key, nil
}

// Prune deletes archives last modified before cutoff and returns how many
// were removed. Deletion continues past individual failures.
func (a *Archiver) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if a == nil || a.Store == nil {
		return 0, fmt.Errorf("archive object store is required")
	}
	lister, ok := a.Store.(storage.Lister)
	if !ok {
		return 0, fmt.Errorf("archive object store does not support listing")
	}
	objects, err := lister.List(ctx, archivePrefix)
	if err != nil {
		return 0, fmt.Errorf("list transcript archives: %w", err)
	}

	pruned := 0
	var errs []error
	for _, object := range objects {
		if !strings.HasSuffix(object.Key, ".parquet") || !object.LastModified.Before(cutoff) {
			continue
		}
		if err := a.Store.Delete(ctx, object.Key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", object.Key, err))
			continue
		}
		pruned++
	}
	if pruned > 0 && a.Logger != nil {
		a.Logger.InfoContext(ctx, "transcript archives pruned",
			slog.Int("pruned", pruned),
			slog.Time("cutoff", cutoff),
		)
	}
	return pruned, errors.Join(errs...)
}
