package ledgertest

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// Run executes the backend behavioural suite against backends from factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h *Harness)
	}{
		{"ThreeBidderSettlementAndRefunds", testThreeBidderFlow},
		{"ZeroBidDaySettles", testZeroBidDay},
		{"EqualAmountRejected", testEqualAmountRejected},
		{"BelowIncrementLeavesStateUntouched", testBelowIncrementNoMutation},
		{"WrongPeriodRejected", testWrongPeriod},
		{"InsufficientFundsRollsBack", testInsufficientFunds},
		{"SettleOnlyOnce", testSettleOnlyOnce},
		{"SettleTooEarly", testSettleTooEarly},
		{"SettleUnknownDay", testSettleUnknownDay},
		{"RefundBeforeSettlement", testRefundBeforeSettlement},
		{"RefundBatchIdempotent", testRefundIdempotent},
		{"RefundBatchAtomic", testRefundBatchAtomic},
		{"RefundWinnerMarkedWithoutTransfer", testRefundWinner},
		{"RefundDuplicateEntries", testRefundDuplicates},
		{"InitDayIdempotentAndBounded", testInitDay},
		{"InitConfigOnce", testInitConfigOnce},
		{"RandomBidSequenceInvariants", testRandomSequence},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, NewHarness(t, factory))
		})
	}
}

func testThreeBidderFlow(t *testing.T, h *Harness) {
	for _, b := range []domain.Address{BidderA, BidderB, BidderC} {
		h.Fund(b, 10*Unit)
	}

	h.Bid(BidderC, 2*Unit/10)
	h.Bid(BidderA, 3*Unit/10)
	h.Bid(BidderB, 5*Unit/10)
	raise := h.Bid(BidderC, 6*Unit/10)
	assert.Equal(t, 4*Unit/10, raise.Delta)
	assert.False(t, raise.NewBidder)

	day := h.AuctionDay()
	assert.Equal(t, BidderC, day.Winner)
	assert.Equal(t, 6*Unit/10, day.HighestBid)
	assert.Equal(t, uint32(3), day.BidderCount)
	assert.Equal(t, 14*Unit/10, day.TotalBidAmount)
	assert.Equal(t, 14*Unit/10, h.Balance(h.Engine.Program().Deriver().Escrow(h.Day)))

	h.NextDay()
	s, err := h.Engine.SettleDay(h.Ctx, Cranker, h.Day)
	require.NoError(t, err)
	assert.False(t, s.NoBids)
	assert.Equal(t, BidderC, s.Winner)
	assert.Equal(t, uint32(2), s.LoserCount)
	assert.Equal(t, 2*LoserFee, s.FeePool)
	assert.Equal(t, 7998*Unit/10_000, s.RefundPool)
	assert.Equal(t, 6*Unit/10, h.Balance(Recipient))

	day = h.AuctionDay()
	assert.True(t, day.Finalized)
	assert.Equal(t, uint32(2), day.RefundCountTotal)
	assert.Equal(t, day.TotalBidAmount-day.HighestBid, day.RefundPoolRemaining+day.FeePoolRemaining)

	res, err := h.Engine.RefundBatch(h.Ctx, Cranker, h.Day, []domain.Address{BidderA, BidderB})
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{BidderA, BidderB}, res.Refunded)
	assert.Equal(t, 2*LoserFee, res.FeesCollected)

	assert.Equal(t, 10*Unit-3*Unit/10+2999*Unit/10_000, h.Balance(BidderA))
	assert.Equal(t, 10*Unit-5*Unit/10+4999*Unit/10_000, h.Balance(BidderB))
	assert.Equal(t, 2*LoserFee, h.Balance(Cranker))
	assert.Equal(t, uint64(0), h.Balance(h.Engine.Program().Deriver().Escrow(h.Day)))

	day = h.AuctionDay()
	assert.Zero(t, day.RefundPoolRemaining)
	assert.Zero(t, day.FeePoolRemaining)
	assert.True(t, day.RefundsComplete())
}

func testZeroBidDay(t *testing.T, h *Harness) {
	_, err := h.Engine.InitDay(h.Ctx, Cranker, h.Day)
	require.NoError(t, err)
	h.NextDay()

	s, err := h.Engine.SettleDay(h.Ctx, Cranker, h.Day)
	require.NoError(t, err)
	assert.True(t, s.NoBids)

	day := h.AuctionDay()
	assert.True(t, day.Finalized)
	assert.Equal(t, domain.ZeroAddress, day.Winner)
	assert.Zero(t, day.RefundPoolRemaining)
	assert.Zero(t, day.FeePoolRemaining)
	assert.Zero(t, h.Balance(Recipient))
	assert.True(t, day.RefundsComplete())
}

func testEqualAmountRejected(t *testing.T, h *Harness) {
	h.Fund(BidderA, 10*Unit)
	h.Bid(BidderA, 3*Unit/10)
	before := h.Snapshot(BidderA)

	_, err := h.Engine.PlaceBid(h.Ctx, BidderA, h.Day, 3*Unit/10)
	require.ErrorIs(t, err, domain.ErrBelowMinimumIncrement)
	assert.Equal(t, before, h.Snapshot(BidderA))
}

func testBelowIncrementNoMutation(t *testing.T, h *Harness) {
	h.Fund(BidderA, 10*Unit)
	h.Fund(BidderB, 10*Unit)

	_, err := h.Engine.PlaceBid(h.Ctx, BidderA, h.Day, MinIncrement-1)
	require.ErrorIs(t, err, domain.ErrBelowMinimumIncrement)
	_, err = h.Engine.AuctionDay(h.Ctx, h.Day)
	require.ErrorIs(t, err, domain.ErrNotFound)

	h.Bid(BidderA, 5*Unit/10)
	before := h.Snapshot(BidderA, BidderB)
	_, err = h.Engine.PlaceBid(h.Ctx, BidderB, h.Day, 5*Unit/10+MinIncrement-1)
	require.ErrorIs(t, err, domain.ErrBelowMinimumIncrement)
	assert.Equal(t, before, h.Snapshot(BidderA, BidderB))

	_, err = h.Engine.PlaceBid(h.Ctx, BidderB, h.Day, 0)
	require.ErrorIs(t, err, domain.ErrInvalidBidAmount)

	h.Bid(BidderB, 5*Unit/10+MinIncrement)
	assert.Equal(t, BidderB, h.AuctionDay().Winner)
}

func testWrongPeriod(t *testing.T, h *Harness) {
	h.Fund(BidderA, 10*Unit)
	for _, day := range []int64{h.Day - 1, h.Day + 1} {
		_, err := h.Engine.PlaceBid(h.Ctx, BidderA, day, Unit)
		require.ErrorIs(t, err, domain.ErrWrongPeriod)
	}
	assert.Equal(t, 10*Unit, h.Balance(BidderA))
}

func testInsufficientFunds(t *testing.T, h *Harness) {
	h.Fund(BidderA, Unit/2)
	_, err := h.Engine.PlaceBid(h.Ctx, BidderA, h.Day, Unit)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.Engine.AuctionDay(h.Ctx, h.Day)
	require.ErrorIs(t, err, domain.ErrNotFound)
	rs, err := h.Engine.BidReceipts(h.Ctx, h.Day)
	require.NoError(t, err)
	assert.Empty(t, rs)
	assert.Equal(t, Unit/2, h.Balance(BidderA))
}

func testSettleOnlyOnce(t *testing.T, h *Harness) {
	h.Fund(BidderA, 10*Unit)
	h.Fund(BidderB, 10*Unit)
	h.Bid(BidderA, Unit)
	h.Bid(BidderB, 2*Unit)
	h.NextDay()

	_, err := h.Engine.SettleDay(h.Ctx, Cranker, h.Day)
	require.NoError(t, err)
	before := h.Snapshot(Recipient, BidderA, BidderB)

	_, err = h.Engine.SettleDay(h.Ctx, Cranker, h.Day)
	require.ErrorIs(t, err, domain.ErrAlreadyFinalized)
	assert.Equal(t, before, h.Snapshot(Recipient, BidderA, BidderB))

	_, err = h.Engine.PlaceBid(h.Ctx, BidderA, h.Day, 5*Unit)
	require.ErrorIs(t, err, domain.ErrWrongPeriod)
}

func testSettleTooEarly(t *testing.T, h *Harness) {
	h.Fund(BidderA, 10*Unit)
	h.Bid(BidderA, Unit)

	_, err := h.Engine.SettleDay(h.Ctx, Cranker, h.Day)
	require.ErrorIs(t, err, domain.ErrTooEarly)
	assert.False(t, h.AuctionDay().Finalized)
}

func testSettleUnknownDay(t *testing.T, h *Harness) {
	h.NextDay()
	_, err := h.Engine.SettleDay(h.Ctx, Cranker, h.Day)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testRefundBeforeSettlement(t *testing.T, h *Harness) {
	h.Fund(BidderA, 10*Unit)
	h.Fund(BidderB, 10*Unit)
	h.Bid(BidderA, Unit)
	h.Bid(BidderB, 2*Unit)

	_, err := h.Engine.RefundBatch(h.Ctx, Cranker, h.Day, []domain.Address{BidderA})
	require.ErrorIs(t, err, domain.ErrNotFinalized)
}

func settledDay(t *testing.T, h *Harness) {
	for _, b := range []domain.Address{BidderA, BidderB, BidderC} {
		h.Fund(b, 10*Unit)
	}
	h.Bid(BidderA, Unit)
	h.Bid(BidderB, 2*Unit)
	h.Bid(BidderC, 3*Unit)
	h.NextDay()
	_, err := h.Engine.SettleDay(h.Ctx, Cranker, h.Day)
	require.NoError(t, err)
}

func testRefundIdempotent(t *testing.T, h *Harness) {
	settledDay(t, h)
	batch := []domain.Address{BidderA, BidderB}

	_, err := h.Engine.RefundBatch(h.Ctx, Cranker, h.Day, batch)
	require.NoError(t, err)
	once := h.Snapshot(BidderA, BidderB, Cranker)

	res, err := h.Engine.RefundBatch(h.Ctx, Cranker, h.Day, batch)
	require.NoError(t, err)
	assert.Empty(t, res.Refunded)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, once, h.Snapshot(BidderA, BidderB, Cranker))
}

func testRefundBatchAtomic(t *testing.T, h *Harness) {
	settledDay(t, h)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	before := h.Snapshot(BidderA, BidderB, Cranker)

	_, err := h.Engine.RefundBatch(h.Ctx, Cranker, h.Day, []domain.Address{BidderA, stranger, BidderB})
	require.ErrorIs(t, err, domain.ErrNotFound)
	var entryErr *domain.BatchEntryError
	require.True(t, errors.As(err, &entryErr))
	assert.Equal(t, 1, entryErr.Index)
	assert.Equal(t, stranger, entryErr.Bidder)
	assert.Equal(t, before, h.Snapshot(BidderA, BidderB, Cranker))
}

func testRefundWinner(t *testing.T, h *Harness) {
	settledDay(t, h)
	winnerBefore := h.Balance(BidderC)

	res, err := h.Engine.RefundBatch(h.Ctx, Cranker, h.Day, []domain.Address{BidderC})
	require.NoError(t, err)
	assert.True(t, res.WinnerMarked)
	assert.Empty(t, res.Refunded)
	assert.Equal(t, winnerBefore, h.Balance(BidderC))
	assert.Zero(t, h.Balance(Cranker))

	day := h.AuctionDay()
	assert.Equal(t, uint32(1), day.RefundCountCompleted)
	assert.False(t, day.RefundsComplete())
}

func testRefundDuplicates(t *testing.T, h *Harness) {
	settledDay(t, h)
	res, err := h.Engine.RefundBatch(h.Ctx, Cranker, h.Day, []domain.Address{BidderA, BidderA})
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{BidderA}, res.Refunded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, LoserFee, h.Balance(Cranker))
}

func testInitDay(t *testing.T, h *Harness) {
	for i := int64(0); i <= 2; i++ {
		day, err := h.Engine.InitDay(h.Ctx, Cranker, h.Day+i)
		require.NoError(t, err)
		assert.Equal(t, h.Day+i, day.DayIndex)
	}
	_, err := h.Engine.InitDay(h.Ctx, Cranker, h.Day+3)
	require.ErrorIs(t, err, domain.ErrFutureDayTooFarAhead)

	h.Fund(BidderA, 10*Unit)
	h.Bid(BidderA, Unit)
	day, err := h.Engine.InitDay(h.Ctx, Cranker, h.Day)
	require.NoError(t, err)
	assert.Equal(t, Unit, day.HighestBid)
}

func testInitConfigOnce(t *testing.T, h *Harness) {
	err := h.Engine.InitConfig(h.Ctx, domain.ProtocolConfig{
		RecipientAddress: BidderA,
		MinIncrement:     Unit,
		LoserFee:         1,
	})
	require.ErrorIs(t, err, domain.ErrConfigAlreadyInitialized)

	cfg, err := h.Engine.Config(h.Ctx)
	require.NoError(t, err)
	assert.Equal(t, Recipient, cfg.RecipientAddress)
	assert.Equal(t, MinIncrement, cfg.MinIncrement)
}

func testRandomSequence(t *testing.T, h *Harness) {
	rng := rand.New(rand.NewSource(42))
	bidders := make([]domain.Address, 6)
	for i := range bidders {
		bidders[i] = common.BigToAddress(big.NewInt(int64(0x100 + i)))
		h.Fund(bidders[i], 1_000*Unit)
	}

	own := make(map[domain.Address]uint64)
	for step := 0; step < 60; step++ {
		bidder := bidders[rng.Intn(len(bidders))]
		var highest uint64
		if d, err := h.Engine.AuctionDay(h.Ctx, h.Day); err == nil {
			highest = d.HighestBid
		}
		required := MinIncrement
		if highest > 0 {
			required = highest + MinIncrement
		}
		if own[bidder] >= required {
			required = own[bidder] + 1
		}

		if rng.Intn(4) == 0 {
			before := h.Snapshot(bidders...)
			_, err := h.Engine.PlaceBid(h.Ctx, bidder, h.Day, required-1)
			require.Error(t, err)
			assert.Equal(t, before, h.Snapshot(bidders...))
			continue
		}

		amount := required + uint64(rng.Int63n(int64(Unit)))
		h.Bid(bidder, amount)
		own[bidder] = amount

		day := h.AuctionDay()
		var sum, max uint64
		var leader domain.Address
		rs, err := h.Engine.BidReceipts(h.Ctx, h.Day)
		require.NoError(t, err)
		for _, r := range rs {
			sum += r.Amount
			if r.Amount > max {
				max, leader = r.Amount, r.Bidder
			}
		}
		assert.Equal(t, sum, day.TotalBidAmount)
		assert.Equal(t, max, day.HighestBid)
		assert.Equal(t, leader, day.Winner)
	}

	h.NextDay()
	_, err := h.Engine.SettleDay(h.Ctx, Cranker, h.Day)
	require.NoError(t, err)
	day := h.AuctionDay()
	remaining := day.RefundPoolRemaining + day.FeePoolRemaining
	require.Equal(t, day.TotalBidAmount-day.HighestBid, remaining)

	for _, b := range bidders {
		_, err := h.Engine.RefundBatch(h.Ctx, Cranker, h.Day, []domain.Address{b})
		if _, bid := own[b]; !bid {
			require.ErrorIs(t, err, domain.ErrNotFound)
			continue
		}
		require.NoError(t, err)
		day = h.AuctionDay()
		next := day.RefundPoolRemaining + day.FeePoolRemaining
		assert.LessOrEqual(t, next, remaining)
		remaining = next
	}
	assert.Zero(t, remaining)
	assert.Zero(t, h.Balance(h.Engine.Program().Deriver().Escrow(h.Day)))
}
