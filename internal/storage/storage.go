package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
}

// ObjectStore holds prompt templates, shared datasets and transcript
// archives.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Lister is implemented by stores that can enumerate keys.
type Lister interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// CopyObject streams key into w, failing with ErrObjectTooLarge once more
// than maxBytes have been read. maxBytes <= 0 disables the cap.
func CopyObject(ctx context.Context, store ObjectStore, key string, w io.Writer, maxBytes int64) (int64, error) {
	if store == nil {
		return 0, fmt.Errorf("object store is required")
	}
	body, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	reader := io.Reader(body)
	if maxBytes > 0 {
		reader = io.LimitReader(body, maxBytes+1)
	}
	written, err := io.Copy(w, reader)
	if err != nil {
		return written, fmt.Errorf("read object %q: %w", key, err)
	}
	if maxBytes > 0 && written > maxBytes {
		return written, fmt.Errorf("%w: %q is larger than %d bytes", ErrObjectTooLarge, key, maxBytes)
	}
	return written, nil
}
