package ledger

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// DefaultInitDayMaxAhead bounds how far ahead of the current period init_day
// may pre-create an auction day.
const DefaultInitDayMaxAhead int64 = 2

// ProgramOptions tunes a Program.
type ProgramOptions struct {
	ProgramID       domain.Address
	Period          Period
	InitDayMaxAhead int64
}

// Program holds the instruction logic. It is stateless apart from the cached
// protocol config, so one Program can serve any number of transactions.
type Program struct {
	deriver  Deriver
	period   Period
	maxAhead int64

	cfgMu sync.RWMutex
	cfg   *domain.ProtocolConfig
}

// NewProgram creates a Program.
func NewProgram(opts ProgramOptions) *Program {
	if opts.Period.Length <= 0 {
		opts.Period.Length = DefaultPeriod
	}
	if opts.InitDayMaxAhead <= 0 {
		opts.InitDayMaxAhead = DefaultInitDayMaxAhead
	}
	return &Program{
		deriver:  NewDeriver(opts.ProgramID),
		period:   opts.Period,
		maxAhead: opts.InitDayMaxAhead,
	}
}

// Deriver returns the program's account deriver.
func (p *Program) Deriver() Deriver { return p.deriver }

// Period returns the program's period.
func (p *Program) Period() Period { return p.period }

// config loads the protocol config once and serves it from memory afterwards.
// The record is immutable after creation so the cache never goes stale.
func (p *Program) config(tx Tx) (domain.ProtocolConfig, error) {
	p.cfgMu.RLock()
	cached := p.cfg
	p.cfgMu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	cfg, ok, err := tx.Config(p.deriver.Config())
	if err != nil {
		return domain.ProtocolConfig{}, err
	}
	if !ok {
		return domain.ProtocolConfig{}, domain.ErrConfigNotInitialized
	}

	p.cfgMu.Lock()
	if p.cfg == nil {
		p.cfg = &cfg
	}
	p.cfgMu.Unlock()
	return cfg, nil
}

// InitConfig creates the protocol config singleton.
func (p *Program) InitConfig(tx Tx, cfg domain.ProtocolConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("ledger: init config: %w", err)
	}
	addr := p.deriver.Config()
	_, exists, err := tx.Config(addr)
	if err != nil {
		return fmt.Errorf("ledger: init config: %w", err)
	}
	if exists {
		return fmt.Errorf("ledger: init config: %w", domain.ErrConfigAlreadyInitialized)
	}
	if err := tx.PutConfig(addr, cfg); err != nil {
		return fmt.Errorf("ledger: init config: %w", err)
	}
	return nil
}

// InitDay creates the AuctionDay record and its escrow for dayIndex if they
// do not exist yet. Calling it for an existing day is a no-op.
func (p *Program) InitDay(tx Tx, dayIndex int64) (domain.AuctionDay, error) {
	if _, err := p.config(tx); err != nil {
		return domain.AuctionDay{}, fmt.Errorf("ledger: init day %d: %w", dayIndex, err)
	}
	current := p.period.Index(tx.Now())
	if dayIndex > current+p.maxAhead {
		return domain.AuctionDay{}, fmt.Errorf("ledger: init day %d (current %d): %w",
			dayIndex, current, domain.ErrFutureDayTooFarAhead)
	}
	day, _, err := p.loadOrCreateDay(tx, dayIndex)
	if err != nil {
		return domain.AuctionDay{}, fmt.Errorf("ledger: init day %d: %w", dayIndex, err)
	}
	return day, nil
}

func (p *Program) loadOrCreateDay(tx Tx, dayIndex int64) (domain.AuctionDay, bool, error) {
	addr := p.deriver.AuctionDay(dayIndex)
	day, ok, err := tx.Day(addr)
	if err != nil {
		return domain.AuctionDay{}, false, err
	}
	if ok {
		return day, false, nil
	}
	day = domain.AuctionDay{DayIndex: dayIndex}
	if err := tx.EnsureAccount(p.deriver.Escrow(dayIndex)); err != nil {
		return domain.AuctionDay{}, false, err
	}
	if err := tx.PutDay(addr, day); err != nil {
		return domain.AuctionDay{}, false, err
	}
	return day, true, nil
}

// BidResult describes an accepted bid.
type BidResult struct {
	Day       domain.AuctionDay `json:"day"`
	Receipt   domain.BidReceipt `json:"receipt"`
	Delta     uint64            `json:"delta"`
	NewBidder bool              `json:"new_bidder"`
}

// PlaceBid records bidder's bid of newAmount for dayIndex, moving only the
// difference from the bidder's previous bid into escrow.
func (p *Program) PlaceBid(tx Tx, bidder domain.Address, dayIndex int64, newAmount uint64) (BidResult, error) {
	fail := func(err error) (BidResult, error) {
		return BidResult{}, fmt.Errorf("ledger: place bid day %d: %w", dayIndex, err)
	}
	if newAmount == 0 {
		return fail(domain.ErrInvalidBidAmount)
	}
	cfg, err := p.config(tx)
	if err != nil {
		return fail(err)
	}
	if current := p.period.Index(tx.Now()); current != dayIndex {
		return fail(fmt.Errorf("current day is %d: %w", current, domain.ErrWrongPeriod))
	}

	day, _, err := p.loadOrCreateDay(tx, dayIndex)
	if err != nil {
		return fail(err)
	}
	if day.Finalized {
		return fail(domain.ErrAlreadyFinalized)
	}

	required := cfg.MinIncrement
	if day.HighestBid > 0 {
		sum, carry := bits.Add64(day.HighestBid, cfg.MinIncrement, 0)
		if carry != 0 {
			return fail(domain.ErrMathOverflow)
		}
		required = sum
	}
	if newAmount < required {
		return fail(fmt.Errorf("bid %d below required %d: %w", newAmount, required, domain.ErrBelowMinimumIncrement))
	}

	receiptAddr := p.deriver.BidReceipt(dayIndex, bidder)
	receipt, exists, err := tx.Receipt(receiptAddr)
	if err != nil {
		return fail(err)
	}
	if !exists {
		receipt = domain.BidReceipt{DayIndex: dayIndex, Bidder: bidder}
		if day.BidderCount == ^uint32(0) {
			return fail(domain.ErrMathOverflow)
		}
		day.BidderCount++
	}
	if newAmount <= receipt.Amount {
		return fail(fmt.Errorf("bid %d does not raise previous %d: %w", newAmount, receipt.Amount, domain.ErrBelowMinimumIncrement))
	}

	delta := newAmount - receipt.Amount
	total, carry := bits.Add64(day.TotalBidAmount, delta, 0)
	if carry != 0 {
		return fail(domain.ErrMathOverflow)
	}
	if err := tx.Transfer(bidder, p.deriver.Escrow(dayIndex), delta); err != nil {
		return fail(err)
	}

	receipt.Amount = newAmount
	day.TotalBidAmount = total
	if newAmount > day.HighestBid {
		day.HighestBid = newAmount
		day.Winner = bidder
	}

	if err := tx.PutReceipt(receiptAddr, receipt); err != nil {
		return fail(err)
	}
	if err := tx.PutDay(p.deriver.AuctionDay(dayIndex), day); err != nil {
		return fail(err)
	}
	return BidResult{Day: day, Receipt: receipt, Delta: delta, NewBidder: !exists}, nil
}

// SettleDay finalizes an elapsed day: the recipient receives the highest bid
// and the remaining escrow is split into the refund and fee pools.
func (p *Program) SettleDay(tx Tx, dayIndex int64) (domain.Settlement, domain.AuctionDay, error) {
	fail := func(err error) (domain.Settlement, domain.AuctionDay, error) {
		return domain.Settlement{}, domain.AuctionDay{}, fmt.Errorf("ledger: settle day %d: %w", dayIndex, err)
	}
	cfg, err := p.config(tx)
	if err != nil {
		return fail(err)
	}
	dayAddr := p.deriver.AuctionDay(dayIndex)
	day, ok, err := tx.Day(dayAddr)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(domain.ErrNotFound)
	}
	if day.Finalized {
		return fail(domain.ErrAlreadyFinalized)
	}
	if current := p.period.Index(tx.Now()); current <= dayIndex {
		return fail(fmt.Errorf("current day is %d: %w", current, domain.ErrTooEarly))
	}

	if day.BidderCount == 0 || day.HighestBid == 0 {
		day.Finalized = true
		day.Winner = domain.ZeroAddress
		day.RefundPoolRemaining = 0
		day.FeePoolRemaining = 0
		day.RefundCountTotal = 0
		day.RefundCountCompleted = 0
		if err := tx.PutDay(dayAddr, day); err != nil {
			return fail(err)
		}
		return domain.Settlement{DayIndex: dayIndex, NoBids: true}, day, nil
	}

	loserCount := day.BidderCount - 1
	if day.TotalBidAmount < day.HighestBid {
		return fail(domain.ErrMathOverflow)
	}
	loserSum := day.TotalBidAmount - day.HighestBid
	hi, feePool := bits.Mul64(uint64(loserCount), cfg.LoserFee)
	if hi != 0 {
		return fail(domain.ErrMathOverflow)
	}
	if loserSum < feePool {
		return fail(fmt.Errorf("loser sum %d, fee pool %d: %w", loserSum, feePool, domain.ErrFeePoolExceedsLoserSum))
	}
	refundPool := loserSum - feePool

	escrow := p.deriver.Escrow(dayIndex)
	balance, err := tx.Balance(escrow)
	if err != nil {
		return fail(err)
	}
	if balance < day.TotalBidAmount {
		return fail(fmt.Errorf("escrow holds %d, owes %d: %w", balance, day.TotalBidAmount, domain.ErrInsufficientEscrowBalance))
	}
	if err := tx.Transfer(escrow, cfg.RecipientAddress, day.HighestBid); err != nil {
		return fail(err)
	}

	day.RefundPoolRemaining = refundPool
	day.FeePoolRemaining = feePool
	day.Finalized = true
	day.RefundCountTotal = loserCount
	day.RefundCountCompleted = 0
	if err := tx.PutDay(dayAddr, day); err != nil {
		return fail(err)
	}
	return domain.Settlement{
		DayIndex:        dayIndex,
		Winner:          day.Winner,
		HighestBid:      day.HighestBid,
		PaidToRecipient: day.HighestBid,
		LoserCount:      loserCount,
		RefundPool:      refundPool,
		FeePool:         feePool,
	}, day, nil
}

// RefundBatch refunds each listed loser of a settled day minus the loser fee,
// paying the fee to cranker. The batch is all-or-nothing: the first entry that
// cannot be processed aborts it with a *domain.BatchEntryError. Entries that
// are already refunded are skipped and the winner is only marked.
func (p *Program) RefundBatch(tx Tx, cranker domain.Address, dayIndex int64, bidders []domain.Address) (domain.RefundResult, domain.AuctionDay, error) {
	fail := func(err error) (domain.RefundResult, domain.AuctionDay, error) {
		return domain.RefundResult{}, domain.AuctionDay{}, fmt.Errorf("ledger: refund batch day %d: %w", dayIndex, err)
	}
	cfg, err := p.config(tx)
	if err != nil {
		return fail(err)
	}
	dayAddr := p.deriver.AuctionDay(dayIndex)
	day, ok, err := tx.Day(dayAddr)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(domain.ErrNotFound)
	}
	if !day.Finalized {
		return fail(domain.ErrNotFinalized)
	}

	escrow := p.deriver.Escrow(dayIndex)
	res := domain.RefundResult{DayIndex: dayIndex}
	for i, bidder := range bidders {
		entryErr := func(err error) (domain.RefundResult, domain.AuctionDay, error) {
			return fail(&domain.BatchEntryError{Index: i, Bidder: bidder, Err: err})
		}

		receiptAddr := p.deriver.BidReceipt(dayIndex, bidder)
		receipt, ok, err := tx.Receipt(receiptAddr)
		if err != nil {
			return entryErr(err)
		}
		if !ok {
			return entryErr(domain.ErrNotFound)
		}
		if receipt.Refunded {
			res.Skipped++
			continue
		}
		if day.RefundCountCompleted == ^uint32(0) {
			return entryErr(domain.ErrMathOverflow)
		}

		if bidder == day.Winner {
			receipt.Refunded = true
			day.RefundCountCompleted++
			if err := tx.PutReceipt(receiptAddr, receipt); err != nil {
				return entryErr(err)
			}
			res.WinnerMarked = true
			continue
		}

		if receipt.Amount <= cfg.LoserFee {
			return entryErr(domain.ErrInvalidBidAmount)
		}
		refund := receipt.Amount - cfg.LoserFee
		if day.RefundPoolRemaining < refund || day.FeePoolRemaining < cfg.LoserFee {
			return entryErr(domain.ErrInsufficientPoolBalance)
		}
		balance, err := tx.Balance(escrow)
		if err != nil {
			return entryErr(err)
		}
		if balance < receipt.Amount {
			return entryErr(domain.ErrInsufficientEscrowBalance)
		}
		if err := tx.Transfer(escrow, bidder, refund); err != nil {
			return entryErr(err)
		}
		if cfg.LoserFee > 0 {
			if err := tx.Transfer(escrow, cranker, cfg.LoserFee); err != nil {
				return entryErr(err)
			}
		}

		receipt.Refunded = true
		day.RefundPoolRemaining -= refund
		day.FeePoolRemaining -= cfg.LoserFee
		day.RefundCountCompleted++
		if err := tx.PutReceipt(receiptAddr, receipt); err != nil {
			return entryErr(err)
		}
		res.Refunded = append(res.Refunded, bidder)
		res.RefundedAmount += refund
		res.FeesCollected += cfg.LoserFee
	}

	if err := tx.PutDay(dayAddr, day); err != nil {
		return fail(err)
	}
	return res, day, nil
}
