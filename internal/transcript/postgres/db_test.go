package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/sqlchat/sqlchat/internal/config"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestDBConfigFromTranscriptConfig(t *testing.T) {
	cfg := DBConfigFrom(config.TranscriptConfig{
		DSN:             "postgres://localhost/sqlchat",
		MaxOpenConns:    8,
		ConnMaxLifetime: time.Minute,
	})
	if cfg.DSN != "postgres://localhost/sqlchat" || cfg.MaxOpenConns != 8 || cfg.ConnMaxLifetime != time.Minute {
		t.Fatalf("DBConfigFrom() = %+v", cfg)
	}
}
