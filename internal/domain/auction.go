package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies a ledger account: a wallet, the recipient, or one of the
// protocol's derived accounts.
type Address = common.Address

// ZeroAddress is the "none" address. A day with no bids has this winner.
var ZeroAddress Address

// ProtocolConfig is the singleton protocol configuration. It is created once by
// init_config and never changes afterwards.
type ProtocolConfig struct {
	RecipientAddress Address `json:"recipient_address"`
	MinIncrement     uint64  `json:"min_increment"`
	LoserFee         uint64  `json:"loser_fee"`
}

// Validate enforces loser_fee < min_increment so that every losing bid can
// pay its own processing fee.
func (c ProtocolConfig) Validate() error {
	if c.RecipientAddress == ZeroAddress {
		return ErrInvalidConfig
	}
	if c.MinIncrement == 0 {
		return ErrInvalidConfig
	}
	if c.LoserFee >= c.MinIncrement {
		return ErrInvalidConfig
	}
	return nil
}

// AuctionDay is the per-period aggregate auction state.
type AuctionDay struct {
	DayIndex             int64   `json:"day_index"`
	Finalized            bool    `json:"finalized"`
	Winner               Address `json:"winner"`
	HighestBid           uint64  `json:"highest_bid"`
	BidderCount          uint32  `json:"bidder_count"`
	RefundCountTotal     uint32  `json:"refund_count_total"`
	RefundCountCompleted uint32  `json:"refund_count_completed"`
	TotalBidAmount       uint64  `json:"total_bid_amount"`
	RefundPoolRemaining  uint64  `json:"refund_pool_remaining"`
	FeePoolRemaining     uint64  `json:"fee_pool_remaining"`
}

// HasWinner reports whether at least one bid was placed.
func (d AuctionDay) HasWinner() bool {
	return d.HighestBid > 0 && d.Winner != ZeroAddress
}

// RefundsComplete reports whether every loser of a settled day has been
// refunded. The completed counter also counts the winner's receipt, so the
// drained pools are what prove no loser is left.
func (d AuctionDay) RefundsComplete() bool {
	return d.Finalized &&
		d.RefundPoolRemaining == 0 &&
		d.FeePoolRemaining == 0 &&
		d.RefundCountCompleted >= d.RefundCountTotal
}

// BidReceipt tracks one bidder's standing bid for one day.
type BidReceipt struct {
	DayIndex int64   `json:"day_index"`
	Bidder   Address `json:"bidder"`
	Amount   uint64  `json:"amount"`
	Refunded bool    `json:"refunded"`
}

// Settlement is the outcome of a successful settle_day.
type Settlement struct {
	DayIndex        int64   `json:"day_index"`
	NoBids          bool    `json:"no_bids"`
	Winner          Address `json:"winner"`
	HighestBid      uint64  `json:"highest_bid"`
	PaidToRecipient uint64  `json:"paid_to_recipient"`
	LoserCount      uint32  `json:"loser_count"`
	RefundPool      uint64  `json:"refund_pool"`
	FeePool         uint64  `json:"fee_pool"`
}

// RefundResult is the outcome of a successful refund_batch.
type RefundResult struct {
	DayIndex       int64     `json:"day_index"`
	Refunded       []Address `json:"refunded"`
	WinnerMarked   bool      `json:"winner_marked"`
	Skipped        int       `json:"skipped"`
	RefundedAmount uint64    `json:"refunded_amount"`
	FeesCollected  uint64    `json:"fees_collected"`
}

// AuctionStatus is the read model served to the frontend.
type AuctionStatus struct {
	DayIndex         int64      `json:"day_index"`
	Exists           bool       `json:"exists"`
	Day              AuctionDay `json:"day"`
	LedgerTime       time.Time  `json:"ledger_time"`
	SecondsRemaining int64      `json:"seconds_remaining"`
}
