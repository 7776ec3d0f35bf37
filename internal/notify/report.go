package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// EventFor maps a run outcome to the event type it is announced under.
func EventFor(r domain.RunReport) string {
	switch r.Outcome {
	case domain.OutcomeFailed:
		return EventRunFailed
	case domain.OutcomePartial:
		if len(r.Failures) > 0 {
			return EventRefundFailures
		}
		return EventRunPartial
	default:
		return EventRunComplete
	}
}

// FormatReport renders r as a short plain-text summary. Amounts are shown in
// display units with the given number of decimals.
func FormatReport(r domain.RunReport, decimals int32) (title, message string) {
	title = fmt.Sprintf("day %d settlement: %s", r.DayIndex, r.Outcome)

	var b strings.Builder
	fmt.Fprintf(&b, "run %s phase=%s duration=%s\n", r.RunID, r.Phase, r.Duration().Round(time.Millisecond))
	if r.HighestBid > 0 {
		fmt.Fprintf(&b, "winner %s bid %s\n", r.Winner.Hex(), domain.FormatAmount(r.HighestBid, decimals))
	} else {
		b.WriteString("no bids\n")
	}
	if r.PaidToRecipient > 0 {
		fmt.Fprintf(&b, "paid to recipient %s\n", domain.FormatAmount(r.PaidToRecipient, decimals))
	}
	fmt.Fprintf(&b, "refunded %d/%d losers (%s), fees %s, pending %d\n",
		r.RefundedCount, r.LoserCount,
		domain.FormatAmount(r.RefundedAmount, decimals),
		domain.FormatAmount(r.FeesCollected, decimals),
		r.PendingLosers,
	)
	fmt.Fprintf(&b, "pools left: refund %s, fee %s\n",
		domain.FormatAmount(r.RefundPoolLeft, decimals),
		domain.FormatAmount(r.FeePoolLeft, decimals),
	)
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "failed %s: %s\n", f.Bidder.Hex(), f.Error)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// NotifyReport announces r under the event its outcome maps to.
func (n *Notifier) NotifyReport(ctx context.Context, r domain.RunReport, decimals int32) error {
	title, msg := FormatReport(r, decimals)
	return n.Notify(ctx, EventFor(r), title, msg)
}
