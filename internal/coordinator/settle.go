package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// settle runs the settling phase. It returns nil once the day is finalized,
// by this run or an earlier one.
func (c *Coordinator) settle(ctx context.Context, log *slog.Logger, r *domain.RunReport) error {
	windowEnd := c.clock.Now().Add(c.cfg.RetryWindow)
	initTried := false

	for {
		r.SettleAttempts++
		s, err := c.ledger.SettleDay(ctx, r.DayIndex)
		if err == nil {
			r.SettledThisRun = true
			r.Winner = s.Winner
			r.HighestBid = s.HighestBid
			r.PaidToRecipient = s.PaidToRecipient
			log.InfoContext(ctx, "day settled",
				slog.Bool("no_bids", s.NoBids),
				slog.String("winner", s.Winner.Hex()),
				slog.String("paid_to_recipient", domain.FormatAmount(s.PaidToRecipient, c.cfg.Decimals)),
				slog.Int("loser_count", int(s.LoserCount)),
			)
			return nil
		}

		var wait time.Duration
		switch {
		case errors.Is(err, domain.ErrAlreadyFinalized):
			log.InfoContext(ctx, "day already finalized")
			return nil

		case errors.Is(err, domain.ErrNotFound):
			if !c.cfg.InitMissingDay || initTried {
				return errNothingToDo
			}
			initTried = true
			if ierr := c.ledger.InitDay(ctx, r.DayIndex); ierr != nil {
				log.WarnContext(ctx, "init_day failed", slog.String("error", ierr.Error()))
			} else {
				log.InfoContext(ctx, "created missing day")
			}
			continue

		case domain.IsFatal(err):
			return fmt.Errorf("settle: %w", err)

		case errors.Is(err, domain.ErrTooEarly):
			wait = c.cfg.RetryInterval
			log.InfoContext(ctx, "settlement too early, waiting", slog.Duration("wait", wait))

		default:
			wait = min(c.cfg.RetryInterval*time.Duration(r.SettleAttempts), c.cfg.MaxBackoff)
			log.WarnContext(ctx, "settlement failed, backing off",
				slog.Int("attempt", r.SettleAttempts),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}

		if c.clock.Now().Add(wait).After(windowEnd) {
			return fmt.Errorf("settle: retry window %s elapsed after %d attempts: %w",
				c.cfg.RetryWindow, r.SettleAttempts, err)
		}
		if serr := c.clock.Sleep(ctx, wait); serr != nil {
			return fmt.Errorf("settle: %w", serr)
		}
	}
}
