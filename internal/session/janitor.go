package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/transcript"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultPruneInterval = time.Hour
)

// Janitor closes idle sessions on a fixed interval. When Archiver and
// ArchiveRetention are set it also deletes expired transcript archives, at
// most once per PruneInterval.
type Janitor struct {
	Manager          *Manager
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	Archiver         *transcript.Archiver
	ArchiveRetention time.Duration
	PruneInterval    time.Duration
	Logger           *slog.Logger
	Clock            func() time.Time

	lastPrune time.Time
}

type SweepSummary struct {
	Active         int  `json:"active"`
	Closed         int  `json:"closed"`
	Failures       int  `json:"failures"`
	ArchivesPruned int  `json:"archives_pruned"`
	PruneFailed    bool `json:"prune_failed,omitempty"`
}

func (j *Janitor) Run(ctx context.Context) error {
	j.ensureDefaults()

	ticker := time.NewTicker(j.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary := j.SweepOnce(ctx)
			if summary.Closed == 0 && summary.ArchivesPruned == 0 && !summary.PruneFailed {
				continue
			}
			if summary.Failures > 0 || summary.PruneFailed {
				j.Logger.WarnContext(ctx, "session sweep completed with failures", slog.Any("summary", summary))
				continue
			}
			j.Logger.InfoContext(ctx, "session sweep completed", slog.Any("summary", summary))
		}
	}
}

func (j *Janitor) SweepOnce(ctx context.Context) SweepSummary {
	j.ensureDefaults()
	if j.Manager == nil {
		return SweepSummary{}
	}
	now := j.Clock()
	closed, failures := j.Manager.CloseIdle(ctx, now.Add(-j.IdleTimeout))
	summary := SweepSummary{Active: j.Manager.Active(), Closed: closed, Failures: failures}

	if j.Archiver != nil && j.ArchiveRetention > 0 && now.Sub(j.lastPrune) >= j.PruneInterval {
		j.lastPrune = now
		pruned, err := j.Archiver.Prune(ctx, now.Add(-j.ArchiveRetention))
		summary.ArchivesPruned = pruned
		if err != nil {
			summary.PruneFailed = true
			j.Logger.WarnContext(ctx, "transcript archive prune failed", slog.Any("error", err))
		}
	}
	return summary
}

func (j *Janitor) ensureDefaults() {
	if j.IdleTimeout <= 0 {
		j.IdleTimeout = DefaultIdleTimeout
	}
	if j.SweepInterval <= 0 {
		j.SweepInterval = DefaultSweepInterval
	}
	if j.PruneInterval <= 0 {
		j.PruneInterval = DefaultPruneInterval
	}
	if j.Logger == nil {
		j.Logger = observability.DiscardLogger()
	}
	if j.Clock == nil {
		j.Clock = time.Now
	}
}
