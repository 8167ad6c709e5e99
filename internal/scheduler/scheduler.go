// Package scheduler fires monitor runs when their cron schedules come due.
// It runs as a background goroutine inside courierd, sweeping enabled
// monitors at a fixed interval (default 30s). Deployments with multiple
// replicas gate it behind leader election so each monitor fires once.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/postgres"
	"github.com/codeops/courier/internal/runner"
)

// MonitorStore is the slice of postgres.MonitorStore the scheduler needs.
type MonitorStore interface {
	ListEnabledMonitors(ctx context.Context) ([]domain.Monitor, error)
	RecordMonitorRun(ctx context.Context, monitorID, runID uuid.UUID, nextRunAt time.Time) error
	ScheduleMonitorNextRun(ctx context.Context, monitorID uuid.UUID, nextRunAt time.Time) error
}

// RunStore answers whether a collection already has a live run.
// Implemented by postgres.RunStore.
type RunStore interface {
	ListRuns(ctx context.Context, filter postgres.RunFilter) ([]domain.RunResult, error)
}

// Starter launches collection runs. Implemented by runner.Runner.
type Starter interface {
	Start(ctx context.Context, req runner.StartRequest) (*domain.RunResult, error)
}

// Scheduler checks enabled monitors and fires runs when they're due.
type Scheduler struct {
	monitors MonitorStore
	runs     RunStore
	starter  Starter
	interval time.Duration
	parser   cron.Parser
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Scheduler with the given stores and sweep interval.
func New(monitors MonitorStore, runs RunStore, starter Starter, interval time.Duration) *Scheduler {
	return &Scheduler{
		monitors: monitors,
		runs:     runs,
		starter:  starter,
		interval: interval,
		// Five-field cron, the same dialect the monitor API validates.
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start begins the background scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// tick sweeps enabled monitors and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	monitors, err := s.monitors.ListEnabledMonitors(ctx)
	if err != nil {
		slog.Error("scheduler: failed to list monitors", "error", err)
		return
	}

	now := time.Now().UTC()

	for _, mon := range monitors {
		cronSched, err := s.parser.Parse(mon.CronExpr)
		if err != nil {
			slog.Warn("scheduler: invalid cron expression", "monitor_id", mon.ID, "cron", mon.CronExpr, "error", err)
			continue
		}

		// Rows that predate next_run_at bookkeeping (or were edited by
		// hand) get a fire time on the first sweep; don't fire yet.
		if mon.NextRunAt == nil {
			next := cronSched.Next(now)
			if err := s.monitors.ScheduleMonitorNextRun(ctx, mon.ID, next); err != nil {
				slog.Error("scheduler: failed to set initial next_run_at", "monitor_id", mon.ID, "error", err)
			}
			continue
		}

		// Not due yet.
		if mon.NextRunAt.After(now) {
			continue
		}

		// Due. Skip while the previous fire is still in flight; piling a
		// second run onto a slow collection only makes it slower.
		if s.hasLiveRun(ctx, mon) {
			slog.Debug("scheduler: monitor collection still has a live run",
				"monitor_id", mon.ID, "collection_id", mon.CollectionID)
			continue
		}

		run, err := s.starter.Start(ctx, runner.StartRequest{
			CollectionID:  mon.CollectionID,
			EnvironmentID: mon.EnvironmentID,
			Iterations:    1,
			SaveToHistory: false,
			Caller: domain.Caller{
				UserID: mon.CreatedBy,
				TeamID: mon.TeamID,
			},
		})
		if err != nil {
			// Quota and validation rejections leave next_run_at in the
			// past, so the next tick retries.
			if errors.Is(err, domain.ErrValidation) {
				slog.Warn("scheduler: monitor run rejected, will retry next tick",
					"monitor_id", mon.ID, "error", err)
				continue
			}
			slog.Error("scheduler: failed to start monitor run",
				"monitor_id", mon.ID, "collection_id", mon.CollectionID, "error", err)
			continue
		}

		// Compute the next fire from NOW: a monitor that fell behind
		// catches up once, then advances to the future.
		next := cronSched.Next(now)
		if err := s.monitors.RecordMonitorRun(ctx, mon.ID, run.ID, next); err != nil {
			slog.Error("scheduler: failed to record monitor run", "monitor_id", mon.ID, "error", err)
		}

		slog.Info("scheduler: fired monitor run",
			"monitor_id", mon.ID, "run_id", run.ID, "next_run_at", next)
	}
}

// hasLiveRun reports whether the monitor's collection has a PENDING or
// RUNNING run. Store errors report false so a flaky read cannot stall
// the schedule.
func (s *Scheduler) hasLiveRun(ctx context.Context, mon domain.Monitor) bool {
	for _, status := range []domain.RunStatus{domain.RunPending, domain.RunRunning} {
		live, err := s.runs.ListRuns(ctx, postgres.RunFilter{
			TeamID:       mon.TeamID,
			CollectionID: &mon.CollectionID,
			Status:       string(status),
			Limit:        1,
		})
		if err != nil {
			slog.Warn("scheduler: failed to check live runs", "monitor_id", mon.ID, "error", err)
			return false
		}
		if len(live) > 0 {
			return true
		}
	}
	return false
}
