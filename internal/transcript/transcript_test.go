package transcript

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStoreAppendAssignsSequence(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	store := NewMemoryStore()
	store.Clock = func() time.Time { return now }
	ctx := context.Background()

	if err := store.StartSession(ctx, "s-1", "alice", now); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	first, err := store.Append(ctx, "s-1", NewMessage{Role: RoleUser, Content: "How many albums?"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	second, err := store.Append(ctx, "s-1", NewMessage{Role: RoleAssistant, Content: "Error: timeout", Failed: true})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if !first.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", first.CreatedAt, now)
	}

	messages, err := store.List(ctx, "s-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(messages) != 2 || messages[0].Role != RoleUser || !messages[1].Failed {
		t.Fatalf("List() = %+v", messages)
	}

	messages[0].Content = "mutated"
	again, _ := store.List(ctx, "s-1")
	if again[0].Content != "How many albums?" {
		t.Fatal("List() exposed internal slice")
	}
}

func TestMemoryStoreRejectsInvalidRoleAndUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.StartSession(ctx, "s-1", "alice", time.Now()); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := store.Append(ctx, "s-1", NewMessage{Role: "system", Content: "x"}); err == nil {
		t.Fatal("Append() expected invalid role error")
	}
	if _, err := store.Append(ctx, "missing", NewMessage{Role: RoleUser}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Append() error = %v, want ErrSessionNotFound", err)
	}
	if err := store.StartSession(ctx, "s-1", "bob", time.Now()); err == nil {
		t.Fatal("StartSession() expected duplicate error")
	}
}

func TestMemoryStoreRecordsLoads(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.StartSession(ctx, "s-1", "alice", time.Now()); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	failed, err := store.RecordLoad(ctx, LoadRecord{SessionID: "s-1", Source: "url", Origin: "https://x/db", Error: "not a database"})
	if err != nil {
		t.Fatalf("RecordLoad() error = %v", err)
	}
	ok, err := store.RecordLoad(ctx, LoadRecord{SessionID: "s-1", Source: "example", Origin: "chinook", Succeeded: true, Tables: 11})
	if err != nil {
		t.Fatalf("RecordLoad() error = %v", err)
	}
	if failed.ID != 1 || ok.ID != 2 || ok.At.IsZero() {
		t.Fatalf("records = %+v, %+v", failed, ok)
	}

	loads, err := store.ListLoads(ctx, "s-1")
	if err != nil {
		t.Fatalf("ListLoads() error = %v", err)
	}
	if len(loads) != 2 || loads[0].Succeeded || !loads[1].Succeeded {
		t.Fatalf("ListLoads() = %+v", loads)
	}
	if _, err := store.RecordLoad(ctx, LoadRecord{SessionID: "missing"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("RecordLoad() error = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreEndSessionReleasesHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("s-%d", i)
		if err := store.StartSession(ctx, id, "alice", now); err != nil {
			t.Fatalf("StartSession() error = %v", err)
		}
		if _, err := store.Append(ctx, id, NewMessage{Role: RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if _, err := store.RecordLoad(ctx, LoadRecord{SessionID: id, Source: "upload", Succeeded: true}); err != nil {
			t.Fatalf("RecordLoad() error = %v", err)
		}
		if err := store.EndSession(ctx, id, now); err != nil {
			t.Fatalf("EndSession() error = %v", err)
		}
	}

	if n := len(store.sessions); n != 0 {
		t.Fatalf("sessions retained after EndSession = %d, want 0", n)
	}
	if _, err := store.List(ctx, "s-0"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("List() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := store.ListLoads(ctx, "s-0"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ListLoads() error = %v, want ErrSessionNotFound", err)
	}
	if err := store.EndSession(ctx, "s-0", now); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second EndSession() error = %v, want ErrSessionNotFound", err)
	}
}
