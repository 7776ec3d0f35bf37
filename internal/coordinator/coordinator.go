// Package coordinator settles finished auction days and refunds their losers.
// A run is an explicit state machine (settling, refunding, done or failed)
// that keeps no state of its own: every run starts again from ledger state,
// so a run cut short is resumed by the next one.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
)

// Config holds the coordinator tunables.
type Config struct {
	// BatchSize is the maximum number of losers per refund_batch.
	BatchSize int
	// RetryWindow bounds how long settlement keeps retrying.
	RetryWindow time.Duration
	// RetryInterval is the wait after TooEarly and the backoff step for
	// other settlement errors.
	RetryInterval time.Duration
	MaxBackoff    time.Duration
	// MaxRuntime bounds the refund phase. Remaining losers wait for the next
	// run.
	MaxRuntime time.Duration
	// BatchAttempts is how many times one batch is submitted before it is
	// bisected.
	BatchAttempts   int
	BatchRetryDelay time.Duration
	// InitMissingDay creates the target day with init_day when it does not
	// exist, so an empty day still gets finalized.
	InitMissingDay bool
	// LookbackDays lists how many days before the target are revisited for
	// unfinished settlement or refunds.
	LookbackDays int
	Period       ledger.Period
	Decimals     int32
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       20,
		RetryWindow:     30 * time.Minute,
		RetryInterval:   45 * time.Second,
		MaxBackoff:      60 * time.Second,
		MaxRuntime:      13 * time.Minute,
		BatchAttempts:   3,
		BatchRetryDelay: 2 * time.Second,
		InitMissingDay:  true,
		LookbackDays:    2,
		Period:          ledger.Period{Length: ledger.DefaultPeriod},
		Decimals:        domain.DefaultDecimals,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchSize > ledger.MaxBatchEntries {
		c.BatchSize = ledger.MaxBatchEntries
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = d.RetryWindow
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = d.MaxRuntime
	}
	if c.BatchAttempts <= 0 {
		c.BatchAttempts = d.BatchAttempts
	}
	if c.BatchRetryDelay < 0 {
		c.BatchRetryDelay = 0
	}
	if c.LookbackDays < 0 {
		c.LookbackDays = 0
	}
	if c.Period.Length <= 0 {
		c.Period = d.Period
	}
	if c.Decimals <= 0 {
		c.Decimals = d.Decimals
	}
	return c
}

// Clock abstracts time so runs can be tested without waiting.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// RunObserver records finished runs, e.g. as metrics.
type RunObserver interface {
	ObserveRun(r domain.RunReport)
}

// ReportArchiver stores a copy of each report outside the database.
type ReportArchiver interface {
	Archive(ctx context.Context, r domain.RunReport) (string, error)
}

// ReportNotifier alerts operators about a report.
type ReportNotifier interface {
	NotifyReport(ctx context.Context, r domain.RunReport, decimals int32) error
}

// Sinks receive every finished RunReport. Any of them may be nil.
type Sinks struct {
	Metrics  RunObserver
	Store    domain.RunStore
	Archiver ReportArchiver
	Notifier ReportNotifier
}

// Coordinator drives settlement and refunds against an AuctionLedger.
type Coordinator struct {
	ledger domain.AuctionLedger
	cfg    Config
	sinks  Sinks
	clock  Clock
	logger *slog.Logger
}

// New creates a Coordinator. A nil clock uses the wall clock.
func New(l domain.AuctionLedger, cfg Config, sinks Sinks, clock Clock, logger *slog.Logger) *Coordinator {
	if clock == nil {
		clock = realClock{}
	}
	return &Coordinator{
		ledger: l,
		cfg:    cfg.withDefaults(),
		sinks:  sinks,
		clock:  clock,
		logger: logger.With(slog.String("component", "coordinator")),
	}
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// errNothingToDo ends a run whose day has no account and may not be created.
var errNothingToDo = errors.New("no auction day to settle")

// TargetDay returns the most recently finished period according to ledger
// time.
func (c *Coordinator) TargetDay(ctx context.Context) (int64, error) {
	now, err := c.ledger.Now(ctx)
	if err != nil {
		return 0, fmt.Errorf("coordinator: ledger time: %w", err)
	}
	return c.cfg.Period.Index(now) - 1, nil
}

// RunScheduled runs the target day, then revisits up to LookbackDays earlier
// days that exist but are not fully settled and refunded.
func (c *Coordinator) RunScheduled(ctx context.Context) ([]domain.RunReport, error) {
	target, err := c.TargetDay(ctx)
	if err != nil {
		return nil, err
	}
	reports := []domain.RunReport{c.RunDay(ctx, target)}

	for d := target - 1; d >= target-int64(c.cfg.LookbackDays); d-- {
		if ctx.Err() != nil {
			break
		}
		day, err := c.ledger.AuctionDay(ctx, d)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				c.logger.WarnContext(ctx, "lookback read failed",
					slog.Int64("day_index", d),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if day.RefundsComplete() {
			continue
		}
		c.logger.InfoContext(ctx, "resuming unfinished day", slog.Int64("day_index", d))
		reports = append(reports, c.RunDay(ctx, d))
	}
	return reports, nil
}

// RunDay settles dayIndex and refunds its losers, then publishes the report.
func (c *Coordinator) RunDay(ctx context.Context, dayIndex int64) domain.RunReport {
	r := &domain.RunReport{
		RunID:     uuid.NewString(),
		DayIndex:  dayIndex,
		Phase:     domain.PhaseSettling,
		StartedAt: c.clock.Now().UTC(),
	}
	log := c.logger.With(slog.String("run_id", r.RunID), slog.Int64("day_index", dayIndex))
	log.InfoContext(ctx, "run started")

	err := c.settle(ctx, log, r)
	if err == nil {
		r.Phase = domain.PhaseRefunding
		err = c.refund(ctx, log, r)
	}

	switch {
	case errors.Is(err, errNothingToDo):
		r.Phase = domain.PhaseDone
		r.Outcome = domain.OutcomeNothingToDo
	case err != nil:
		r.Phase = domain.PhaseFailed
		r.Outcome = domain.OutcomeFailed
		r.Error = err.Error()
	case r.PendingLosers > 0:
		r.Phase = domain.PhaseDone
		r.Outcome = domain.OutcomePartial
	default:
		r.Phase = domain.PhaseDone
		r.Outcome = domain.OutcomeComplete
	}
	r.FinishedAt = c.clock.Now().UTC()

	c.publish(ctx, log, *r)
	return *r
}

func (c *Coordinator) publish(ctx context.Context, log *slog.Logger, r domain.RunReport) {
	attrs := []any{
		slog.String("outcome", string(r.Outcome)),
		slog.String("phase", string(r.Phase)),
		slog.Duration("duration", r.Duration()),
		slog.Int("settle_attempts", r.SettleAttempts),
		slog.String("winner", r.Winner.Hex()),
		slog.String("highest_bid", domain.FormatAmount(r.HighestBid, c.cfg.Decimals)),
		slog.Int("bidder_count", int(r.BidderCount)),
		slog.Int("loser_count", r.LoserCount),
		slog.String("paid_to_recipient", domain.FormatAmount(r.PaidToRecipient, c.cfg.Decimals)),
		slog.String("fees_collected", domain.FormatAmount(r.FeesCollected, c.cfg.Decimals)),
		slog.String("refunded_amount", domain.FormatAmount(r.RefundedAmount, c.cfg.Decimals)),
		slog.String("refund_pool_left", domain.FormatAmount(r.RefundPoolLeft, c.cfg.Decimals)),
		slog.String("fee_pool_left", domain.FormatAmount(r.FeePoolLeft, c.cfg.Decimals)),
		slog.Int("refunded", r.RefundedCount),
		slog.Int("pending", r.PendingLosers),
		slog.Int("failures", len(r.Failures)),
	}
	switch r.Outcome {
	case domain.OutcomeFailed:
		log.ErrorContext(ctx, "run failed", append(attrs, slog.String("error", r.Error))...)
	case domain.OutcomePartial:
		log.WarnContext(ctx, "run incomplete, resuming next run", attrs...)
	default:
		log.InfoContext(ctx, "run finished", attrs...)
	}

	// Sinks outlive a cancelled run context so the report still lands.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if c.sinks.Metrics != nil {
		c.sinks.Metrics.ObserveRun(r)
	}
	if c.sinks.Store != nil {
		if err := c.sinks.Store.Save(sctx, r); err != nil {
			log.ErrorContext(ctx, "save run report", slog.String("error", err.Error()))
		}
	}
	if c.sinks.Archiver != nil {
		if path, err := c.sinks.Archiver.Archive(sctx, r); err != nil {
			log.ErrorContext(ctx, "archive run report", slog.String("error", err.Error()))
		} else {
			log.DebugContext(ctx, "run report archived", slog.String("path", path))
		}
	}
	if c.sinks.Notifier != nil {
		if err := c.sinks.Notifier.NotifyReport(sctx, r, c.cfg.Decimals); err != nil {
			log.ErrorContext(ctx, "notify run report", slog.String("error", err.Error()))
		}
	}
}
