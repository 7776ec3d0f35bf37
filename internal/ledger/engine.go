package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// Event is published after an instruction commits.
type Event struct {
	Instruction InstructionName
	DayIndex    int64
	Caller      domain.Address
	Day         domain.AuctionDay
	At          time.Time
}

// Listener receives committed instruction events. It must not block.
type Listener func(Event)

// Observer records instruction outcomes, typically as metrics.
type Observer interface {
	ObserveInstruction(name string, elapsed time.Duration, err error)
}

// ExecResult is the outcome of Execute. Exactly one of the pointer fields is
// set for instructions that produce a result.
type ExecResult struct {
	Instruction InstructionName        `json:"instruction"`
	Day         *domain.AuctionDay     `json:"day,omitempty"`
	Bid         *BidResult             `json:"bid,omitempty"`
	Settlement  *domain.Settlement     `json:"settlement,omitempty"`
	Refund      *domain.RefundResult   `json:"refund,omitempty"`
	Config      *domain.ProtocolConfig `json:"config,omitempty"`
}

// Engine binds a Program to a Backend: every instruction runs in exactly one
// backend transaction.
type Engine struct {
	program  *Program
	backend  Backend
	logger   *slog.Logger
	observer Observer

	mu        sync.RWMutex
	listeners []Listener
}

// NewEngine creates an Engine. observer may be nil.
func NewEngine(program *Program, backend Backend, observer Observer, logger *slog.Logger) *Engine {
	return &Engine{
		program:  program,
		backend:  backend,
		observer: observer,
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// Program returns the engine's program.
func (e *Engine) Program() *Program { return e.program }

// Subscribe registers l for committed instruction events.
func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

func (e *Engine) publish(ev Event) {
	e.mu.RLock()
	ls := e.listeners
	e.mu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

func (e *Engine) run(ctx context.Context, name InstructionName, fn func(Tx) error) error {
	start := time.Now()
	err := e.backend.Atomic(ctx, fn)
	if e.observer != nil {
		e.observer.ObserveInstruction(string(name), time.Since(start), err)
	}
	if err != nil {
		e.logger.Debug("instruction rejected",
			slog.String("instruction", string(name)),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// InitConfig runs init_config.
func (e *Engine) InitConfig(ctx context.Context, cfg domain.ProtocolConfig) error {
	err := e.run(ctx, InstrInitConfig, func(tx Tx) error {
		return e.program.InitConfig(tx, cfg)
	})
	if err != nil {
		return err
	}
	e.logger.Info("protocol config initialized",
		slog.String("recipient", cfg.RecipientAddress.Hex()),
		slog.Uint64("min_increment", cfg.MinIncrement),
		slog.Uint64("loser_fee", cfg.LoserFee),
	)
	return nil
}

// InitDay runs init_day.
func (e *Engine) InitDay(ctx context.Context, caller domain.Address, dayIndex int64) (domain.AuctionDay, error) {
	var day domain.AuctionDay
	var at time.Time
	err := e.run(ctx, InstrInitDay, func(tx Tx) error {
		var err error
		at = tx.Now()
		day, err = e.program.InitDay(tx, dayIndex)
		return err
	})
	if err != nil {
		return domain.AuctionDay{}, err
	}
	e.publish(Event{Instruction: InstrInitDay, DayIndex: dayIndex, Caller: caller, Day: day, At: at})
	return day, nil
}

// PlaceBid runs place_bid on behalf of bidder.
func (e *Engine) PlaceBid(ctx context.Context, bidder domain.Address, dayIndex int64, newAmount uint64) (BidResult, error) {
	var res BidResult
	var at time.Time
	err := e.run(ctx, InstrPlaceBid, func(tx Tx) error {
		var err error
		at = tx.Now()
		res, err = e.program.PlaceBid(tx, bidder, dayIndex, newAmount)
		return err
	})
	if err != nil {
		return BidResult{}, err
	}
	e.logger.Info("bid placed",
		slog.Int64("day", dayIndex),
		slog.String("bidder", bidder.Hex()),
		slog.Uint64("amount", newAmount),
		slog.Uint64("delta", res.Delta),
	)
	e.publish(Event{Instruction: InstrPlaceBid, DayIndex: dayIndex, Caller: bidder, Day: res.Day, At: at})
	return res, nil
}

// SettleDay runs settle_day.
func (e *Engine) SettleDay(ctx context.Context, caller domain.Address, dayIndex int64) (domain.Settlement, error) {
	var s domain.Settlement
	var day domain.AuctionDay
	var at time.Time
	err := e.run(ctx, InstrSettleDay, func(tx Tx) error {
		var err error
		at = tx.Now()
		s, day, err = e.program.SettleDay(tx, dayIndex)
		return err
	})
	if err != nil {
		return domain.Settlement{}, err
	}
	e.logger.Info("day settled",
		slog.Int64("day", dayIndex),
		slog.Bool("no_bids", s.NoBids),
		slog.String("winner", s.Winner.Hex()),
		slog.Uint64("paid_to_recipient", s.PaidToRecipient),
		slog.Uint64("refund_pool", s.RefundPool),
		slog.Uint64("fee_pool", s.FeePool),
	)
	e.publish(Event{Instruction: InstrSettleDay, DayIndex: dayIndex, Caller: caller, Day: day, At: at})
	return s, nil
}

// RefundBatch runs refund_batch with cranker collecting the loser fees.
func (e *Engine) RefundBatch(ctx context.Context, cranker domain.Address, dayIndex int64, bidders []domain.Address) (domain.RefundResult, error) {
	var res domain.RefundResult
	var day domain.AuctionDay
	var at time.Time
	err := e.run(ctx, InstrRefundBatch, func(tx Tx) error {
		var err error
		at = tx.Now()
		res, day, err = e.program.RefundBatch(tx, cranker, dayIndex, bidders)
		return err
	})
	if err != nil {
		return domain.RefundResult{}, err
	}
	e.publish(Event{Instruction: InstrRefundBatch, DayIndex: dayIndex, Caller: cranker, Day: day, At: at})
	return res, nil
}

// Execute dispatches a decoded instruction submitted by caller.
func (e *Engine) Execute(ctx context.Context, caller domain.Address, in Instruction) (ExecResult, error) {
	out := ExecResult{Instruction: in.Name}
	switch in.Name {
	case InstrInitConfig:
		if err := e.InitConfig(ctx, in.Config); err != nil {
			return ExecResult{}, err
		}
		cfg := in.Config
		out.Config = &cfg
	case InstrInitDay:
		day, err := e.InitDay(ctx, caller, in.DayIndex)
		if err != nil {
			return ExecResult{}, err
		}
		out.Day = &day
	case InstrPlaceBid:
		res, err := e.PlaceBid(ctx, caller, in.DayIndex, in.NewAmount)
		if err != nil {
			return ExecResult{}, err
		}
		out.Bid = &res
		out.Day = &res.Day
	case InstrSettleDay:
		s, err := e.SettleDay(ctx, caller, in.DayIndex)
		if err != nil {
			return ExecResult{}, err
		}
		out.Settlement = &s
	case InstrRefundBatch:
		res, err := e.RefundBatch(ctx, caller, in.DayIndex, in.Bidders)
		if err != nil {
			return ExecResult{}, err
		}
		out.Refund = &res
	default:
		return ExecResult{}, fmt.Errorf("ledger: execute %q: %w", in.Name, domain.ErrInvalidInstruction)
	}
	return out, nil
}

// Now returns the ledger time.
func (e *Engine) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	err := e.backend.View(ctx, func(tx Tx) error {
		now = tx.Now()
		return nil
	})
	return now, err
}

// Config returns the protocol config.
func (e *Engine) Config(ctx context.Context) (domain.ProtocolConfig, error) {
	var cfg domain.ProtocolConfig
	err := e.backend.View(ctx, func(tx Tx) error {
		var err error
		cfg, err = e.program.config(tx)
		return err
	})
	if err != nil {
		return domain.ProtocolConfig{}, fmt.Errorf("ledger: config: %w", err)
	}
	return cfg, nil
}

// AuctionDay returns the day record or domain.ErrNotFound.
func (e *Engine) AuctionDay(ctx context.Context, dayIndex int64) (domain.AuctionDay, error) {
	var day domain.AuctionDay
	err := e.backend.View(ctx, func(tx Tx) error {
		d, ok, err := tx.Day(e.program.deriver.AuctionDay(dayIndex))
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound
		}
		day = d
		return nil
	})
	if err != nil {
		return domain.AuctionDay{}, fmt.Errorf("ledger: auction day %d: %w", dayIndex, err)
	}
	return day, nil
}

// BidReceipts lists a day's receipts ordered by bidder.
func (e *Engine) BidReceipts(ctx context.Context, dayIndex int64) ([]domain.BidReceipt, error) {
	rs, err := e.backend.Receipts(ctx, dayIndex)
	if err != nil {
		return nil, fmt.Errorf("ledger: receipts %d: %w", dayIndex, err)
	}
	return rs, nil
}

// Balance returns addr's native balance.
func (e *Engine) Balance(ctx context.Context, addr domain.Address) (uint64, error) {
	var bal uint64
	err := e.backend.View(ctx, func(tx Tx) error {
		var err error
		bal, err = tx.Balance(addr)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

// EscrowBalance returns the escrow balance of dayIndex.
func (e *Engine) EscrowBalance(ctx context.Context, dayIndex int64) (uint64, error) {
	return e.Balance(ctx, e.program.deriver.Escrow(dayIndex))
}

// Status returns the read model of the current period's auction.
func (e *Engine) Status(ctx context.Context) (domain.AuctionStatus, error) {
	var st domain.AuctionStatus
	err := e.backend.View(ctx, func(tx Tx) error {
		now := tx.Now()
		idx := e.program.period.Index(now)
		st = domain.AuctionStatus{
			DayIndex:         idx,
			LedgerTime:       now,
			SecondsRemaining: e.program.period.SecondsRemaining(now),
		}
		day, ok, err := tx.Day(e.program.deriver.AuctionDay(idx))
		if err != nil {
			return err
		}
		st.Exists = ok
		st.Day = day
		return nil
	})
	if err != nil {
		return domain.AuctionStatus{}, fmt.Errorf("ledger: status: %w", err)
	}
	return st, nil
}

// Fund credits addr with amount if the backend supports minting.
func (e *Engine) Fund(ctx context.Context, addr domain.Address, amount uint64) error {
	f, ok := e.backend.(Funder)
	if !ok {
		return errors.New("ledger: backend does not support funding")
	}
	return f.Fund(ctx, addr, amount)
}
