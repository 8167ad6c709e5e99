// Package reaper enforces courier's data retention policies. A background
// goroutine periodically fails orphaned runs, prunes request history past
// its window together with the overflow bodies in object storage, and
// deletes terminal runs past theirs. Deployments with multiple replicas
// gate it behind leader election.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/runner"
)

// SettingsStore reads the retention config and records sweep outcomes.
// Implemented by postgres.SettingsStore.
type SettingsStore interface {
	GetRetentionConfig(ctx context.Context) (domain.RetentionConfig, error)
	UpdateReaperStatus(ctx context.Context, status *domain.ReaperStatus) error
}

// RunStore is the slice of postgres.RunStore the reaper needs.
type RunStore interface {
	ListStuckRuns(ctx context.Context, olderThan time.Time) ([]domain.RunResult, error)
	MarkRunOrphaned(ctx context.Context, runID uuid.UUID, errMsg string) (bool, error)
	DeleteRunsOlderThan(ctx context.Context, olderThan time.Time) (int, error)
}

// HistoryStore prunes request history. Implemented by postgres.HistoryStore.
type HistoryStore interface {
	DeleteHistoryOlderThan(ctx context.Context, olderThan time.Time) (int, []string, error)
}

// BlobStore deletes overflow response bodies from object storage.
// Implemented by storage.S3Store.
type BlobStore interface {
	DeleteObject(ctx context.Context, key string) error
}

// LiveRuns reports which runs are still executing in this process.
// Implemented by runner.Registry.
type LiveRuns interface {
	Get(runID uuid.UUID) (*runner.Handle, bool)
}

// Reaper is a background daemon that enforces data retention policies.
type Reaper struct {
	settings SettingsStore
	runs     RunStore
	history  HistoryStore
	blobs    BlobStore
	live     LiveRuns
	fallback time.Duration // sweep interval when the stored config has none
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Reaper with the given store dependencies. Any dependency
// may be nil; the tasks needing it are skipped. fallbackInterval is used
// when the stored retention config carries no usable interval.
func New(
	settings SettingsStore,
	runs RunStore,
	history HistoryStore,
	blobs BlobStore,
	live LiveRuns,
	fallbackInterval time.Duration,
) *Reaper {
	return &Reaper{
		settings: settings,
		runs:     runs,
		history:  history,
		blobs:    blobs,
		live:     live,
		fallback: fallbackInterval,
	}
}

// Start begins the background reaper goroutine.
// The ticker interval is re-read from the retention config after each
// sweep, so changes to reaper_interval_minutes take effect without a
// restart.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		interval := r.interval(r.loadConfig(ctx))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)

				if next := r.interval(r.loadConfig(ctx)); next != interval {
					interval = next
					ticker.Reset(interval)
					slog.Info("reaper: interval updated", "interval", interval)
				}
			}
		}
	}()
}

// interval returns the sweep cadence from the retention config, falling
// back to the configured default and clamping to a minimum of 1 minute.
func (r *Reaper) interval(cfg domain.RetentionConfig) time.Duration {
	interval := time.Duration(cfg.ReaperIntervalMinutes) * time.Minute
	if interval < time.Minute {
		interval = r.fallback
	}
	if interval < time.Minute {
		interval = time.Hour
	}
	return interval
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// RunNow triggers a manual sweep and returns the resulting stats.
func (r *Reaper) RunNow(ctx context.Context) (*domain.ReaperStatus, error) {
	return r.tick(ctx), nil
}

// tick executes all retention tasks. Each task is isolated: a failure in
// one does not prevent the others from running.
func (r *Reaper) tick(ctx context.Context) *domain.ReaperStatus {
	cfg := r.loadConfig(ctx)
	now := time.Now().UTC()
	status := &domain.ReaperStatus{}

	// Task 1: fail runs whose executor died without a terminal write.
	r.safeRun("orphanStuckRuns", func() {
		status.RunsOrphaned = r.orphanStuckRuns(ctx, cfg, now)
	})

	// Task 2: prune request history and its overflow bodies.
	r.safeRun("pruneHistory", func() {
		history, overflow := r.pruneHistory(ctx, cfg, now)
		status.HistoryPruned = history
		status.OverflowPruned = overflow
	})

	// Task 3: prune terminal runs past the retention window.
	r.safeRun("pruneRuns", func() {
		status.RunsPruned = r.pruneRuns(ctx, cfg, now)
	})

	status.LastRunAt = &now
	status.UpdatedAt = now

	if r.settings != nil {
		if err := r.settings.UpdateReaperStatus(ctx, status); err != nil {
			slog.Error("reaper: failed to update status", "error", err)
		}
	}

	slog.Info("reaper: sweep complete",
		"runs_orphaned", status.RunsOrphaned,
		"history_pruned", status.HistoryPruned,
		"overflow_pruned", status.OverflowPruned,
		"runs_pruned", status.RunsPruned,
	)

	return status
}

// orphanStuckRuns fails PENDING or RUNNING runs older than the stuck-run
// timeout that no longer have a live registry entry. Runs this process
// still owns are left alone however long they take.
func (r *Reaper) orphanStuckRuns(ctx context.Context, cfg domain.RetentionConfig, now time.Time) int {
	if r.runs == nil {
		return 0
	}

	cutoff := now.Add(-time.Duration(cfg.StuckRunTimeoutMinutes) * time.Minute)
	stuck, err := r.runs.ListStuckRuns(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: failed to list stuck runs", "error", err)
		return 0
	}

	count := 0
	for _, run := range stuck {
		if r.live != nil {
			if _, owned := r.live.Get(run.ID); owned {
				continue
			}
		}

		errMsg := fmt.Sprintf("run made no progress for over %d minutes and was marked orphaned", cfg.StuckRunTimeoutMinutes)
		marked, err := r.runs.MarkRunOrphaned(ctx, run.ID, errMsg)
		if err != nil {
			slog.Warn("reaper: failed to orphan stuck run", "run_id", run.ID, "error", err)
			continue
		}
		if marked {
			slog.Warn("reaper: orphaned stuck run", "run_id", run.ID, "collection_id", run.CollectionID)
			count++
		}
	}
	return count
}

// pruneHistory deletes request history past the retention window and the
// overflow bodies the deleted rows pointed at. Object deletes are
// best-effort; a missed one is retried by no-one, so failures are logged
// loudly.
func (r *Reaper) pruneHistory(ctx context.Context, cfg domain.RetentionConfig, now time.Time) (historyPruned, overflowPruned int) {
	if r.history == nil || cfg.HistoryMaxAgeDays <= 0 {
		return 0, 0
	}

	cutoff := now.Add(-time.Duration(cfg.HistoryMaxAgeDays) * 24 * time.Hour)
	deleted, overflowKeys, err := r.history.DeleteHistoryOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: failed to prune history", "error", err)
		return deleted, 0
	}

	pruned := 0
	if r.blobs != nil {
		for _, key := range overflowKeys {
			if err := r.blobs.DeleteObject(ctx, key); err != nil {
				slog.Error("reaper: failed to delete overflow body", "key", key, "error", err)
				continue
			}
			pruned++
		}
	}
	return deleted, pruned
}

// pruneRuns deletes terminal runs past the retention window. Iterations
// cascade with the run rows.
func (r *Reaper) pruneRuns(ctx context.Context, cfg domain.RetentionConfig, now time.Time) int {
	if r.runs == nil || cfg.RunsMaxAgeDays <= 0 {
		return 0
	}

	cutoff := now.Add(-time.Duration(cfg.RunsMaxAgeDays) * 24 * time.Hour)
	count, err := r.runs.DeleteRunsOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: failed to delete old runs", "error", err)
		return 0
	}
	return count
}

// loadConfig loads the retention config from settings, falling back to
// defaults. Errors are logged so operators can diagnose bad settings.
func (r *Reaper) loadConfig(ctx context.Context) domain.RetentionConfig {
	if r.settings == nil {
		return domain.DefaultRetentionConfig()
	}

	cfg, err := r.settings.GetRetentionConfig(ctx)
	if err != nil {
		slog.Warn("reaper: failed to load retention config, using defaults", "error", err)
		return domain.DefaultRetentionConfig()
	}
	return cfg
}

// safeRun executes fn with panic recovery to isolate task failures.
func (r *Reaper) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reaper: task panicked", "task", name, "panic", rec)
		}
	}()
	fn()
}
