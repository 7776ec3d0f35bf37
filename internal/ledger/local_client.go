package ledger

import (
	"context"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// LocalClient drives an in-process Engine as a fixed caller. It satisfies
// domain.AuctionLedger.
type LocalClient struct {
	*Engine
	caller domain.Address
}

// NewLocalClient binds engine to caller.
func NewLocalClient(engine *Engine, caller domain.Address) *LocalClient {
	return &LocalClient{Engine: engine, caller: caller}
}

// Caller returns the bound caller address.
func (c *LocalClient) Caller() domain.Address { return c.caller }

// InitDay submits init_day.
func (c *LocalClient) InitDay(ctx context.Context, dayIndex int64) error {
	_, err := c.Engine.InitDay(ctx, c.caller, dayIndex)
	return err
}

// SettleDay submits settle_day.
func (c *LocalClient) SettleDay(ctx context.Context, dayIndex int64) (domain.Settlement, error) {
	return c.Engine.SettleDay(ctx, c.caller, dayIndex)
}

// RefundBatch submits refund_batch with the caller as cranker.
func (c *LocalClient) RefundBatch(ctx context.Context, dayIndex int64, bidders []domain.Address) (domain.RefundResult, error) {
	return c.Engine.RefundBatch(ctx, c.caller, dayIndex, bidders)
}

// PlaceBid submits place_bid as the caller.
func (c *LocalClient) PlaceBid(ctx context.Context, dayIndex int64, newAmount uint64) (BidResult, error) {
	return c.Engine.PlaceBid(ctx, c.caller, dayIndex, newAmount)
}

var _ domain.AuctionLedger = (*LocalClient)(nil)
