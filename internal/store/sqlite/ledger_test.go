package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
	"github.com/alanyoungcy/dayauction/internal/ledger/ledgertest"
	"github.com/alanyoungcy/dayauction/internal/store/sqlite"
)

func TestBackend_Suite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, now func() time.Time) ledger.Backend {
		b, err := sqlite.Open(":memory:", now)
		require.NoError(t, err)
		return b
	})
}

func TestBackend_StatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	clock := ledgertest.NewClock(time.Unix(86_400*20_000+3_600, 0))
	ctx := context.Background()

	b, err := sqlite.Open(path, clock.Now)
	require.NoError(t, err)
	program := ledger.NewProgram(ledger.ProgramOptions{ProgramID: ledgertest.ProgramID})
	engine := ledger.NewEngine(program, b, nil, ledgertest.DiscardLogger())
	require.NoError(t, engine.InitConfig(ctx, domain.ProtocolConfig{
		RecipientAddress: ledgertest.Recipient, MinIncrement: 10, LoserFee: 1,
	}))
	require.NoError(t, engine.Fund(ctx, ledgertest.BidderA, 1_000))
	_, err = engine.PlaceBid(ctx, ledgertest.BidderA, 20_000, 25)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = sqlite.Open(path, clock.Now)
	require.NoError(t, err)
	defer b.Close()
	engine = ledger.NewEngine(ledger.NewProgram(ledger.ProgramOptions{ProgramID: ledgertest.ProgramID}), b, nil, ledgertest.DiscardLogger())

	day, err := engine.AuctionDay(ctx, 20_000)
	require.NoError(t, err)
	assert.Equal(t, ledgertest.BidderA, day.Winner)
	assert.Equal(t, uint64(25), day.TotalBidAmount)

	bal, err := engine.Balance(ctx, ledgertest.BidderA)
	require.NoError(t, err)
	assert.Equal(t, uint64(975), bal)
}

func TestBackend_LargeAmountsRoundTrip(t *testing.T) {
	b, err := sqlite.Open(":memory:", nil)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	big := ^uint64(0) - 7
	require.NoError(t, b.Fund(ctx, ledgertest.BidderA, big))
	require.NoError(t, b.View(ctx, func(tx ledger.Tx) error {
		bal, err := tx.Balance(ledgertest.BidderA)
		require.NoError(t, err)
		assert.Equal(t, big, bal)
		return nil
	}))
}

func TestRunStore_SaveAndList(t *testing.T) {
	b, err := sqlite.Open(":memory:", nil)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()
	store := sqlite.NewRunStore(b.DB())

	base := time.Date(2024, 5, 1, 0, 1, 0, 0, time.UTC)
	for i, outcome := range []domain.RunOutcome{domain.OutcomePartial, domain.OutcomeComplete} {
		require.NoError(t, store.Save(ctx, domain.RunReport{
			RunID:         []string{"run-1", "run-2"}[i],
			DayIndex:      19_843,
			Outcome:       outcome,
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			RefundedCount: 10 * (i + 1),
		}))
	}
	require.NoError(t, store.Save(ctx, domain.RunReport{RunID: "other", DayIndex: 19_844, StartedAt: base}))

	runs, err := store.ListByDay(ctx, 19_843, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, domain.OutcomeComplete, runs[0].Outcome)
	assert.Equal(t, 20, runs[0].RefundedCount)

	runs, err = store.ListByDay(ctx, 19_843, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
}
