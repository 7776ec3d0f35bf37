package domain

import "time"

// RunPhase is the coordinator state machine phase.
type RunPhase string

const (
	PhaseSettling  RunPhase = "settling"
	PhaseRefunding RunPhase = "refunding"
	PhaseDone      RunPhase = "done"
	PhaseFailed    RunPhase = "failed"
)

// RunOutcome summarises how a coordinator run ended.
type RunOutcome string

const (
	// OutcomeComplete means the day is settled and every loser refunded.
	OutcomeComplete RunOutcome = "complete"
	// OutcomePartial means the run stopped early (runtime budget or failed
	// batches) and the next run resumes from ledger state.
	OutcomePartial RunOutcome = "partial"
	// OutcomeNothingToDo means the target day has no auction account.
	OutcomeNothingToDo RunOutcome = "nothing_to_do"
	OutcomeFailed      RunOutcome = "failed"
)

// RefundFailure records a loser whose refund could not be processed.
type RefundFailure struct {
	Bidder Address `json:"bidder"`
	Error  string  `json:"error"`
}

// RunReport is the observable result of one coordinator invocation.
type RunReport struct {
	RunID            string          `json:"run_id"`
	DayIndex         int64           `json:"day_index"`
	Phase            RunPhase        `json:"phase"`
	Outcome          RunOutcome      `json:"outcome"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	SettleAttempts   int             `json:"settle_attempts"`
	SettledThisRun   bool            `json:"settled_this_run"`
	Winner           Address         `json:"winner"`
	HighestBid       uint64          `json:"highest_bid"`
	BidderCount      uint32          `json:"bidder_count"`
	LoserCount       int             `json:"loser_count"`
	PendingLosers    int             `json:"pending_losers"`
	PaidToRecipient  uint64          `json:"paid_to_recipient"`
	RefundedCount    int             `json:"refunded_count"`
	RefundedAmount   uint64          `json:"refunded_amount"`
	FeesCollected    uint64          `json:"fees_collected"`
	RefundPoolLeft   uint64          `json:"refund_pool_remaining"`
	FeePoolLeft      uint64          `json:"fee_pool_remaining"`
	BatchesSubmitted int             `json:"batches_submitted"`
	Failures         []RefundFailure `json:"failures,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Duration returns the wall-clock length of the run.
func (r RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
