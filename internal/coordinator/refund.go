package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/avast/retry-go"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// refund runs the refunding phase for a finalized day. Losers left over when
// the runtime budget runs out are reported as pending.
func (c *Coordinator) refund(ctx context.Context, log *slog.Logger, r *domain.RunReport) error {
	day, err := c.ledger.AuctionDay(ctx, r.DayIndex)
	if err != nil {
		return fmt.Errorf("refund: load day: %w", err)
	}
	if !day.Finalized {
		return fmt.Errorf("refund: day %d: %w", r.DayIndex, domain.ErrNotFinalized)
	}
	r.Winner = day.Winner
	r.HighestBid = day.HighestBid
	r.BidderCount = day.BidderCount
	r.LoserCount = int(day.RefundCountTotal)
	defer func() { c.refreshPools(ctx, log, r) }()

	if day.RefundsComplete() {
		log.InfoContext(ctx, "refunds already complete")
		return nil
	}

	losers, err := c.pendingLosers(ctx, day)
	if err != nil {
		return err
	}
	r.PendingLosers = len(losers)
	if len(losers) == 0 {
		log.InfoContext(ctx, "no losers to refund")
		return nil
	}
	log.InfoContext(ctx, "refunding losers",
		slog.Int("losers", len(losers)),
		slog.Int("batch_size", c.cfg.BatchSize),
	)

	deadline := c.clock.Now().Add(c.cfg.MaxRuntime)
	b := &batcher{c: c, log: log, report: r, day: r.DayIndex, deadline: deadline}
	for batch := range slices.Chunk(losers, c.cfg.BatchSize) {
		if b.outOfTime(ctx) {
			log.WarnContext(ctx, "refund budget exhausted", slog.Duration("max_runtime", c.cfg.MaxRuntime))
			break
		}
		b.process(ctx, batch)
	}
	return nil
}

// pendingLosers lists unrefunded non-winning bidders in address byte order.
func (c *Coordinator) pendingLosers(ctx context.Context, day domain.AuctionDay) ([]domain.Address, error) {
	receipts, err := c.ledger.BidReceipts(ctx, day.DayIndex)
	if err != nil {
		return nil, fmt.Errorf("refund: list receipts: %w", err)
	}
	var losers []domain.Address
	for _, rc := range receipts {
		if rc.Refunded || rc.Bidder == day.Winner {
			continue
		}
		losers = append(losers, rc.Bidder)
	}
	slices.SortFunc(losers, func(a, b domain.Address) int { return bytes.Compare(a[:], b[:]) })
	return losers, nil
}

func (c *Coordinator) refreshPools(ctx context.Context, log *slog.Logger, r *domain.RunReport) {
	day, err := c.ledger.AuctionDay(context.WithoutCancel(ctx), r.DayIndex)
	if err != nil {
		log.WarnContext(ctx, "refresh pools", slog.String("error", err.Error()))
		return
	}
	r.RefundPoolLeft = day.RefundPoolRemaining
	r.FeePoolLeft = day.FeePoolRemaining
}

// batcher submits refund batches for one run and records their outcome.
type batcher struct {
	c        *Coordinator
	log      *slog.Logger
	report   *domain.RunReport
	day      int64
	deadline time.Time
}

func (b *batcher) outOfTime(ctx context.Context) bool {
	return ctx.Err() != nil || !b.c.clock.Now().Before(b.deadline)
}

// process submits batch with retries. A batch that keeps failing is split in
// half until the failing entries are isolated, so one bad receipt does not
// hold back the rest.
func (b *batcher) process(ctx context.Context, batch []domain.Address) {
	res, err := b.submit(ctx, batch)
	if err == nil {
		b.report.BatchesSubmitted++
		b.report.RefundedCount += len(res.Refunded)
		b.report.RefundedAmount += res.RefundedAmount
		b.report.FeesCollected += res.FeesCollected
		b.report.PendingLosers -= len(batch)
		b.log.InfoContext(ctx, "refund batch processed",
			slog.Int("size", len(batch)),
			slog.Int("refunded", len(res.Refunded)),
			slog.Int("skipped", res.Skipped),
			slog.String("refunded_amount", domain.FormatAmount(res.RefundedAmount, b.c.cfg.Decimals)),
		)
		return
	}

	if len(batch) == 1 || domain.IsFatal(err) {
		b.log.ErrorContext(ctx, "refund batch failed",
			slog.Int("size", len(batch)),
			slog.String("first", batch[0].Hex()),
			slog.String("error", err.Error()),
		)
		for _, bidder := range batch {
			b.report.Failures = append(b.report.Failures, domain.RefundFailure{Bidder: bidder, Error: err.Error()})
		}
		return
	}
	if b.outOfTime(ctx) {
		return
	}

	b.log.WarnContext(ctx, "refund batch failed, bisecting",
		slog.Int("size", len(batch)),
		slog.String("error", err.Error()),
	)
	mid := len(batch) / 2
	b.process(ctx, batch[:mid])
	if b.outOfTime(ctx) {
		return
	}
	b.process(ctx, batch[mid:])
}

func (b *batcher) submit(ctx context.Context, batch []domain.Address) (domain.RefundResult, error) {
	var res domain.RefundResult
	err := retry.Do(
		func() error {
			var err error
			res, err = b.c.ledger.RefundBatch(ctx, b.day, batch)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(b.c.cfg.BatchAttempts)),
		retry.Delay(b.c.cfg.BatchRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableBatchError),
		retry.OnRetry(func(n uint, err error) {
			b.log.DebugContext(ctx, "retrying refund batch",
				slog.Uint64("attempt", uint64(n)+1),
				slog.String("error", err.Error()),
			)
		}),
	)
	return res, err
}

// retryableBatchError reports whether resubmitting the same batch could
// succeed. Entry-level failures and fatal errors are deterministic.
func retryableBatchError(err error) bool {
	var be *domain.BatchEntryError
	if errors.As(err, &be) || domain.IsFatal(err) {
		return false
	}
	return !errors.Is(err, domain.ErrNotFinalized) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
