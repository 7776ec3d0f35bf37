// Package ledgertest provides a test harness and a behavioural suite that every
// ledger.Backend implementation must pass.
package ledgertest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
)

// Unit is one display unit (10^9 native units).
const Unit uint64 = 1_000_000_000

// Default protocol parameters used by the harness.
const (
	MinIncrement = Unit / 10     // 0.1
	LoserFee     = Unit / 10_000 // 0.0001
)

// Well-known addresses.
var (
	ProgramID = common.HexToAddress("0x00000000000000000000000000000000a0c71011")
	Recipient = common.HexToAddress("0x000000000000000000000000000000000000beef")
	Cranker   = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	BidderA   = common.HexToAddress("0x000000000000000000000000000000000000000a")
	BidderB   = common.HexToAddress("0x000000000000000000000000000000000000000b")
	BidderC   = common.HexToAddress("0x000000000000000000000000000000000000000c")
)

// Factory opens a fresh, empty backend whose ledger time is read from now.
type Factory func(t *testing.T, now func() time.Time) ledger.Backend

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock set to t.
func NewClock(t time.Time) *Clock { return &Clock{t: t} }

// Now returns the current clock time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Harness wires a backend, program and engine with an initialised config.
type Harness struct {
	T       *testing.T
	Ctx     context.Context
	Clock   *Clock
	Backend ledger.Backend
	Engine  *ledger.Engine
	Day     int64
}

// DayZero is the period index the harness clock starts in.
const DayZero int64 = 20_000

// NewHarness opens a backend from factory, initialises the protocol config and
// parks the clock one hour into DayZero.
func NewHarness(t *testing.T, factory Factory) *Harness {
	t.Helper()
	period := ledger.Period{Length: ledger.DefaultPeriod}
	clock := NewClock(period.Start(DayZero).Add(time.Hour))
	backend := factory(t, clock.Now)
	t.Cleanup(func() { _ = backend.Close() })

	program := ledger.NewProgram(ledger.ProgramOptions{ProgramID: ProgramID, Period: period})
	engine := ledger.NewEngine(program, backend, nil, DiscardLogger())
	h := &Harness{
		T:       t,
		Ctx:     context.Background(),
		Clock:   clock,
		Backend: backend,
		Engine:  engine,
		Day:     DayZero,
	}
	require.NoError(t, engine.InitConfig(h.Ctx, domain.ProtocolConfig{
		RecipientAddress: Recipient,
		MinIncrement:     MinIncrement,
		LoserFee:         LoserFee,
	}))
	return h
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Fund credits addr with amount native units.
func (h *Harness) Fund(addr domain.Address, amount uint64) {
	h.T.Helper()
	require.NoError(h.T, h.Engine.Fund(h.Ctx, addr, amount))
}

// Bid places a bid that must succeed.
func (h *Harness) Bid(bidder domain.Address, amount uint64) ledger.BidResult {
	h.T.Helper()
	res, err := h.Engine.PlaceBid(h.Ctx, bidder, h.Day, amount)
	require.NoError(h.T, err)
	return res
}

// NextDay moves the clock into the following period.
func (h *Harness) NextDay() {
	h.Clock.Advance(ledger.DefaultPeriod)
}

// Balance returns addr's balance.
func (h *Harness) Balance(addr domain.Address) uint64 {
	h.T.Helper()
	b, err := h.Engine.Balance(h.Ctx, addr)
	require.NoError(h.T, err)
	return b
}

// AuctionDay returns the harness day's record.
func (h *Harness) AuctionDay() domain.AuctionDay {
	h.T.Helper()
	d, err := h.Engine.AuctionDay(h.Ctx, h.Day)
	require.NoError(h.T, err)
	return d
}

// Snapshot captures every observable piece of state for one day.
type Snapshot struct {
	Day      domain.AuctionDay
	Receipts []domain.BidReceipt
	Balances map[domain.Address]uint64
}

// Snapshot records the day, its receipts and the balances of addrs plus the
// day's escrow.
func (h *Harness) Snapshot(addrs ...domain.Address) Snapshot {
	h.T.Helper()
	s := Snapshot{Balances: make(map[domain.Address]uint64)}
	if d, err := h.Engine.AuctionDay(h.Ctx, h.Day); err == nil {
		s.Day = d
	}
	rs, err := h.Engine.BidReceipts(h.Ctx, h.Day)
	require.NoError(h.T, err)
	s.Receipts = rs
	for _, a := range addrs {
		s.Balances[a] = h.Balance(a)
	}
	escrow := h.Engine.Program().Deriver().Escrow(h.Day)
	s.Balances[escrow] = h.Balance(escrow)
	return s
}
