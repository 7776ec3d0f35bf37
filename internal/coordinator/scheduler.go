package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// LockKey names the lock that serialises coordinator runs across replicas.
const LockKey = "coordinator"

// Scheduler triggers coordinator runs on a cron schedule, holding a
// distributed lock for the duration of each run.
type Scheduler struct {
	coord      *Coordinator
	schedule   Schedule
	locks      domain.LockManager
	runOnStart bool
	logger     *slog.Logger
}

// NewScheduler creates a Scheduler. runOnStart triggers an immediate run to
// catch up a boundary missed while the process was down.
func NewScheduler(coord *Coordinator, schedule Schedule, locks domain.LockManager, runOnStart bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		coord:      coord,
		schedule:   schedule,
		locks:      locks,
		runOnStart: runOnStart,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// lockTTL outlives the longest possible sweep. Every day in it, the target
// and each lookback day, may use a full settlement window and refund budget.
func (s *Scheduler) lockTTL() time.Duration {
	cfg := s.coord.Config()
	return time.Duration(cfg.LookbackDays+1)*(cfg.RetryWindow+cfg.MaxRuntime) + 5*time.Minute
}

// RunOnce performs one locked scheduled run. It returns domain.ErrLockHeld
// when another replica is running.
func (s *Scheduler) RunOnce(ctx context.Context) ([]domain.RunReport, error) {
	release, err := s.locks.Acquire(ctx, LockKey, s.lockTTL())
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	defer release()
	return s.coord.RunScheduled(ctx)
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		slog.String("schedule", s.schedule.String()),
		slog.Bool("run_on_start", s.runOnStart),
	)
	if s.runOnStart {
		s.trigger(ctx)
	}
	for {
		now := s.coord.clock.Now()
		next := s.schedule.Next(now)
		if next.IsZero() {
			return fmt.Errorf("coordinator: schedule %q never fires", s.schedule)
		}
		wait := next.Sub(now)
		s.logger.InfoContext(ctx, "waiting for next run",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)
		if err := s.coord.clock.Sleep(ctx, wait); err != nil {
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		}
		s.trigger(ctx)
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	reports, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		s.logger.InfoContext(ctx, "another coordinator holds the lock, skipping")
	case err != nil:
		s.logger.ErrorContext(ctx, "scheduled run failed", slog.String("error", err.Error()))
	default:
		for _, r := range reports {
			s.logger.DebugContext(ctx, "scheduled run done",
				slog.Int64("day_index", r.DayIndex),
				slog.String("outcome", string(r.Outcome)),
			)
		}
	}
}
