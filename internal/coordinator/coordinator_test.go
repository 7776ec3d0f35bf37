package coordinator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/cache/local"
	"github.com/alanyoungcy/dayauction/internal/coordinator"
	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
	"github.com/alanyoungcy/dayauction/internal/ledger/ledgertest"
)

const unit = ledgertest.Unit

func memoryFactory(_ *testing.T, now func() time.Time) ledger.Backend {
	return ledger.NewMemoryBackend(now)
}

// fakeClock shares the ledger clock; sleeping advances ledger time.
type fakeClock struct {
	c     *ledgertest.Clock
	mu    sync.Mutex
	slept []time.Duration
}

func (f *fakeClock) Now() time.Time { return f.c.Now() }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.slept = append(f.slept, d)
	f.mu.Unlock()
	f.c.Advance(d)
	return nil
}

// flakyLedger injects failures in front of a real ledger.
type flakyLedger struct {
	domain.AuctionLedger
	settleErrs  []error
	refundHook  func(bidders []domain.Address) error
	refundCalls [][]domain.Address
}

func (f *flakyLedger) SettleDay(ctx context.Context, day int64) (domain.Settlement, error) {
	if len(f.settleErrs) > 0 {
		err := f.settleErrs[0]
		f.settleErrs = f.settleErrs[1:]
		return domain.Settlement{}, err
	}
	return f.AuctionLedger.SettleDay(ctx, day)
}

func (f *flakyLedger) RefundBatch(ctx context.Context, day int64, bidders []domain.Address) (domain.RefundResult, error) {
	f.refundCalls = append(f.refundCalls, slices.Clone(bidders))
	if f.refundHook != nil {
		if err := f.refundHook(bidders); err != nil {
			return domain.RefundResult{}, err
		}
	}
	return f.AuctionLedger.RefundBatch(ctx, day, bidders)
}

type recordingSinks struct {
	observed []domain.RunReport
	saved    []domain.RunReport
	archived []domain.RunReport
	notified []domain.RunReport
}

func (s *recordingSinks) ObserveRun(r domain.RunReport) { s.observed = append(s.observed, r) }

func (s *recordingSinks) Save(_ context.Context, r domain.RunReport) error {
	s.saved = append(s.saved, r)
	return nil
}

func (s *recordingSinks) ListByDay(context.Context, int64, domain.ListOpts) ([]domain.RunReport, error) {
	return s.saved, nil
}

func (s *recordingSinks) Archive(_ context.Context, r domain.RunReport) (string, error) {
	s.archived = append(s.archived, r)
	return "runs/" + r.RunID, nil
}

func (s *recordingSinks) NotifyReport(_ context.Context, r domain.RunReport, _ int32) error {
	s.notified = append(s.notified, r)
	return nil
}

type fixture struct {
	h      *ledgertest.Harness
	clock  *fakeClock
	ledger *flakyLedger
	sinks  *recordingSinks
	cfg    coordinator.Config
}

func newFixture(t *testing.T) *fixture {
	h := ledgertest.NewHarness(t, memoryFactory)
	cfg := coordinator.DefaultConfig()
	cfg.BatchSize = 2
	cfg.RetryInterval = time.Minute
	cfg.RetryWindow = 10 * time.Minute
	cfg.MaxBackoff = 2 * time.Minute
	cfg.MaxRuntime = 5 * time.Minute
	cfg.BatchAttempts = 2
	cfg.BatchRetryDelay = 0
	return &fixture{
		h:      h,
		clock:  &fakeClock{c: h.Clock},
		ledger: &flakyLedger{AuctionLedger: ledger.NewLocalClient(h.Engine, ledgertest.Cranker)},
		sinks:  &recordingSinks{},
		cfg:    cfg,
	}
}

func (f *fixture) coordinator() *coordinator.Coordinator {
	return coordinator.New(f.ledger, f.cfg, coordinator.Sinks{
		Metrics:  f.sinks,
		Store:    f.sinks,
		Archiver: f.sinks,
		Notifier: f.sinks,
	}, f.clock, ledgertest.DiscardLogger())
}

// threeBidders plays the reference day: C 0.2, A 0.3, B 0.5, C raises to 0.6.
func (f *fixture) threeBidders() {
	for _, a := range []domain.Address{ledgertest.BidderA, ledgertest.BidderB, ledgertest.BidderC} {
		f.h.Fund(a, unit)
	}
	f.h.Bid(ledgertest.BidderC, unit/5)
	f.h.Bid(ledgertest.BidderA, 3*unit/10)
	f.h.Bid(ledgertest.BidderB, unit/2)
	f.h.Bid(ledgertest.BidderC, 6*unit/10)
}

// manyBidders places n ascending bids from fresh addresses and returns them.
func (f *fixture) manyBidders(n int) []domain.Address {
	addrs := make([]domain.Address, n)
	for i := range addrs {
		addrs[i] = common.BigToAddress(big.NewInt(int64(0x100 + i)))
		f.h.Fund(addrs[i], 10*unit)
		f.h.Bid(addrs[i], uint64(i+1)*ledgertest.MinIncrement)
	}
	return addrs
}

func TestCoordinator_RunDay_SettlesAndRefunds(t *testing.T) {
	f := newFixture(t)
	f.threeBidders()
	f.h.NextDay()

	r := f.coordinator().RunDay(context.Background(), f.h.Day)

	assert.Equal(t, domain.OutcomeComplete, r.Outcome)
	assert.Equal(t, domain.PhaseDone, r.Phase)
	assert.True(t, r.SettledThisRun)
	assert.Equal(t, 1, r.SettleAttempts)
	assert.Equal(t, ledgertest.BidderC, r.Winner)
	assert.Equal(t, 6*unit/10, r.PaidToRecipient)
	assert.Equal(t, 2, r.LoserCount)
	assert.Equal(t, 2, r.RefundedCount)
	assert.Equal(t, uint64(799_800_000), r.RefundedAmount)
	assert.Equal(t, 2*ledgertest.LoserFee, r.FeesCollected)
	assert.Zero(t, r.PendingLosers)
	assert.Zero(t, r.RefundPoolLeft)
	assert.Zero(t, r.FeePoolLeft)
	assert.NotEmpty(t, r.RunID)

	assert.Equal(t, unit-ledgertest.LoserFee, f.h.Balance(ledgertest.BidderA))
	assert.Equal(t, unit-ledgertest.LoserFee, f.h.Balance(ledgertest.BidderB))
	assert.Equal(t, 2*ledgertest.LoserFee, f.h.Balance(ledgertest.Cranker))
	assert.True(t, f.h.AuctionDay().RefundsComplete())

	for _, got := range [][]domain.RunReport{f.sinks.observed, f.sinks.saved, f.sinks.archived, f.sinks.notified} {
		require.Len(t, got, 1)
		assert.Equal(t, r.RunID, got[0].RunID)
	}
}

func TestCoordinator_RunDay_LogsPayoutsAndPools(t *testing.T) {
	f := newFixture(t)
	f.threeBidders()
	f.h.NextDay()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	coord := coordinator.New(f.ledger, f.cfg, coordinator.Sinks{}, f.clock, logger)
	coord.RunDay(context.Background(), f.h.Day)

	var finished map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] == "run finished" {
			finished = rec
		}
	}
	require.NotNil(t, finished, "no run finished line in %s", buf.String())

	assert.EqualValues(t, 3, finished["bidder_count"])
	assert.EqualValues(t, 2, finished["loser_count"])
	assert.Equal(t, "0.6", finished["paid_to_recipient"])
	assert.Equal(t, "0.0002", finished["fees_collected"])
	assert.Equal(t, "0.7998", finished["refunded_amount"])
	assert.Equal(t, "0", finished["refund_pool_left"])
	assert.Equal(t, "0", finished["fee_pool_left"])
}

func TestCoordinator_RunDay_TooEarlyWaitsForBoundary(t *testing.T) {
	f := newFixture(t)
	f.threeBidders()
	period := ledger.Period{Length: ledger.DefaultPeriod}
	f.h.Clock.Set(period.Start(f.h.Day + 1).Add(-3 * time.Minute))

	r := f.coordinator().RunDay(context.Background(), f.h.Day)

	assert.Equal(t, domain.OutcomeComplete, r.Outcome)
	assert.Equal(t, 4, r.SettleAttempts)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute}, f.clock.slept)
}

func TestCoordinator_RunDay_TooEarlyBeyondWindow(t *testing.T) {
	f := newFixture(t)
	f.threeBidders()

	r := f.coordinator().RunDay(context.Background(), f.h.Day)

	assert.Equal(t, domain.OutcomeFailed, r.Outcome)
	assert.Equal(t, domain.PhaseFailed, r.Phase)
	assert.Contains(t, r.Error, domain.ErrTooEarly.Error())
	assert.Equal(t, 11, r.SettleAttempts)
	assert.False(t, f.h.AuctionDay().Finalized)
}

func TestCoordinator_RunDay_AlreadyFinalized(t *testing.T) {
	f := newFixture(t)
	f.threeBidders()
	f.h.NextDay()
	_, err := f.h.Engine.SettleDay(context.Background(), ledgertest.BidderA, f.h.Day)
	require.NoError(t, err)

	r := f.coordinator().RunDay(context.Background(), f.h.Day)

	assert.Equal(t, domain.OutcomeComplete, r.Outcome)
	assert.False(t, r.SettledThisRun)
	assert.Equal(t, ledgertest.BidderC, r.Winner)
	assert.Equal(t, 2, r.RefundedCount)
}

func TestCoordinator_RunDay_MissingDay(t *testing.T) {
	t.Run("initialised and finalized empty", func(t *testing.T) {
		f := newFixture(t)
		f.h.NextDay()

		r := f.coordinator().RunDay(context.Background(), f.h.Day)

		assert.Equal(t, domain.OutcomeComplete, r.Outcome)
		assert.True(t, r.SettledThisRun)
		assert.Equal(t, domain.ZeroAddress, r.Winner)
		day := f.h.AuctionDay()
		assert.True(t, day.Finalized)
		assert.Zero(t, day.HighestBid)
	})

	t.Run("nothing to do without init", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.InitMissingDay = false
		f.h.NextDay()

		r := f.coordinator().RunDay(context.Background(), f.h.Day)

		assert.Equal(t, domain.OutcomeNothingToDo, r.Outcome)
		_, err := f.h.Engine.AuctionDay(context.Background(), f.h.Day)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCoordinator_RunDay_FatalFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.threeBidders()
	f.h.NextDay()
	f.ledger.settleErrs = []error{fmt.Errorf("ledger: settle: %w", domain.ErrFeePoolExceedsLoserSum)}

	r := f.coordinator().RunDay(context.Background(), f.h.Day)

	assert.Equal(t, domain.OutcomeFailed, r.Outcome)
	assert.Equal(t, 1, r.SettleAttempts)
	assert.Empty(t, f.clock.slept)
	assert.Empty(t, f.ledger.refundCalls)
	require.Len(t, f.sinks.notified, 1)
}

func TestCoordinator_RunDay_TransientBackoff(t *testing.T) {
	f := newFixture(t)
	f.threeBidders()
	f.h.NextDay()
	f.ledger.settleErrs = []error{domain.ErrConflict, domain.ErrConflict, errors.New("connection reset")}

	r := f.coordinator().RunDay(context.Background(), f.h.Day)

	assert.Equal(t, domain.OutcomeComplete, r.Outcome)
	assert.Equal(t, 4, r.SettleAttempts)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 2 * time.Minute}, f.clock.slept)
}

func TestCoordinator_Refund_BisectsFailingEntry(t *testing.T) {
	f := newFixture(t)
	f.cfg.BatchSize = 4
	addrs := f.manyBidders(5)
	f.h.NextDay()
	bad := addrs[1]
	f.ledger.refundHook = func(bidders []domain.Address) error {
		if i := slices.Index(bidders, bad); i >= 0 {
			return &domain.BatchEntryError{Index: i, Bidder: bad, Err: domain.ErrInsufficientPoolBalance}
		}
		return nil
	}

	r := f.coordinator().RunDay(context.Background(), f.h.Day)

	assert.Equal(t, domain.OutcomePartial, r.Outcome)
	assert.Equal(t, 4, r.LoserCount)
	assert.Equal(t, 3, r.RefundedCount)
	assert.Equal(t, 1, r.PendingLosers)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, bad, r.Failures[0].Bidder)
	// 4 losers: full batch, halves [0,1] and [2,3], then [0] and [1].
	assert.Len(t, f.ledger.refundCalls, 5)

	receipts, err := f.h.Engine.BidReceipts(context.Background(), f.h.Day)
	require.NoError(t, err)
	for _, rc := range receipts {
		if rc.Bidder == bad || rc.Bidder == r.Winner {
			assert.False(t, rc.Refunded, rc.Bidder.Hex())
			continue
		}
		assert.True(t, rc.Refunded, rc.Bidder.Hex())
	}
}

func TestCoordinator_Refund_RetriesTransientBatchError(t *testing.T) {
	f := newFixture(t)
	f.threeBidders()
	f.h.NextDay()
	failed := false
	f.ledger.refundHook = func([]domain.Address) error {
		if !failed {
			failed = true
			return domain.ErrConflict
		}
		return nil
	}

	r := f.coordinator().RunDay(context.Background(), f.h.Day)

	assert.Equal(t, domain.OutcomeComplete, r.Outcome)
	assert.Equal(t, 1, r.BatchesSubmitted)
	assert.Len(t, f.ledger.refundCalls, 2)
}

func TestCoordinator_Refund_RuntimeBudgetResumesNextRun(t *testing.T) {
	f := newFixture(t)
	f.cfg.BatchSize = 1
	f.manyBidders(5)
	f.h.NextDay()
	f.ledger.refundHook = func([]domain.Address) error {
		f.h.Clock.Advance(3 * time.Minute)
		return nil
	}
	c := f.coordinator()

	first := c.RunDay(context.Background(), f.h.Day)
	assert.Equal(t, domain.OutcomePartial, first.Outcome)
	assert.Equal(t, 2, first.RefundedCount)
	assert.Equal(t, 2, first.PendingLosers)
	assert.Empty(t, first.Failures)

	second := c.RunDay(context.Background(), f.h.Day)
	assert.Equal(t, domain.OutcomeComplete, second.Outcome)
	assert.False(t, second.SettledThisRun)
	assert.Equal(t, 2, second.RefundedCount)
	assert.True(t, f.h.AuctionDay().RefundsComplete())
}

func TestCoordinator_RunScheduled_Lookback(t *testing.T) {
	f := newFixture(t)
	f.threeBidders()
	unsettled := f.h.Day
	f.h.NextDay()
	f.h.NextDay()

	reports, err := f.coordinator().RunScheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, unsettled+1, reports[0].DayIndex)
	assert.Equal(t, domain.OutcomeComplete, reports[0].Outcome)
	assert.Equal(t, unsettled, reports[1].DayIndex)
	assert.Equal(t, domain.OutcomeComplete, reports[1].Outcome)
	assert.Equal(t, 2, reports[1].RefundedCount)
}

func TestScheduler_RunOnce_LockHeld(t *testing.T) {
	f := newFixture(t)
	f.h.NextDay()
	locks := local.NewLockManager()
	release, err := locks.Acquire(context.Background(), coordinator.LockKey, time.Hour)
	require.NoError(t, err)

	sched, err := coordinator.ParseSchedule(coordinator.DefaultSchedule)
	require.NoError(t, err)
	s := coordinator.NewScheduler(f.coordinator(), sched, locks, false, ledgertest.DiscardLogger())

	_, err = s.RunOnce(context.Background())
	require.ErrorIs(t, err, domain.ErrLockHeld)

	release()
	reports, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	assert.Equal(t, f.h.Day, reports[0].DayIndex)
}

// ttlLocks records the TTL each lock is taken with.
type ttlLocks struct {
	*local.LockManager
	ttls []time.Duration
}

func (l *ttlLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.ttls = append(l.ttls, ttl)
	return l.LockManager.Acquire(ctx, key, ttl)
}

func TestScheduler_RunOnce_LockCoversLookbackSweep(t *testing.T) {
	f := newFixture(t)
	f.cfg.LookbackDays = 2
	f.h.NextDay()
	locks := &ttlLocks{LockManager: local.NewLockManager()}

	sched, err := coordinator.ParseSchedule(coordinator.DefaultSchedule)
	require.NoError(t, err)
	s := coordinator.NewScheduler(f.coordinator(), sched, locks, false, ledgertest.DiscardLogger())

	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, locks.ttls, 1)
	perDay := f.cfg.RetryWindow + f.cfg.MaxRuntime
	assert.GreaterOrEqual(t, locks.ttls[0], 3*perDay)
}

func TestScheduler_Run_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sched, err := coordinator.ParseSchedule("*/5 * * * *")
	require.NoError(t, err)
	s := coordinator.NewScheduler(f.coordinator(), sched, local.NewLockManager(), false, ledgertest.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
}
