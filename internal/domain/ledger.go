package domain

import (
	"context"
	"time"
)

// AuctionReader is the read side of the auction ledger.
type AuctionReader interface {
	// Now returns the ledger-reported time, the source of truth for period
	// boundaries.
	Now(ctx context.Context) (time.Time, error)
	Config(ctx context.Context) (ProtocolConfig, error)
	AuctionDay(ctx context.Context, dayIndex int64) (AuctionDay, error)
	BidReceipts(ctx context.Context, dayIndex int64) ([]BidReceipt, error)
	Balance(ctx context.Context, addr Address) (uint64, error)
}

// AuctionLedger is the view of the ledger the settlement coordinator needs:
// the read side plus the permissionless instructions it submits. The caller
// identity (the cranker) is bound by the implementation.
type AuctionLedger interface {
	AuctionReader
	InitDay(ctx context.Context, dayIndex int64) error
	SettleDay(ctx context.Context, dayIndex int64) (Settlement, error)
	RefundBatch(ctx context.Context, dayIndex int64, bidders []Address) (RefundResult, error)
	Caller() Address
}
