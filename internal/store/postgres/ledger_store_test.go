package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
	"github.com/alanyoungcy/dayauction/internal/ledger/ledgertest"
	"github.com/alanyoungcy/dayauction/internal/store/postgres"
)

// testClient connects to DAYAUCTION_TEST_POSTGRES_DSN or skips.
func testClient(t *testing.T) *postgres.Client {
	t.Helper()
	dsn := os.Getenv("DAYAUCTION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DAYAUCTION_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := postgres.New(ctx, postgres.ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func truncate(t *testing.T, c *postgres.Client) {
	t.Helper()
	_, err := c.Pool().Exec(context.Background(),
		`TRUNCATE ledger_config, auction_days, bid_receipts, balances, coordinator_runs`)
	require.NoError(t, err)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/auction?sslmode=disable",
		postgres.DSN(postgres.ClientConfig{User: "u", Password: "p", Host: "db", Database: "auction"}))
	assert.Equal(t, "postgres://u:p@db:6543/auction?sslmode=require",
		postgres.DSN(postgres.ClientConfig{User: "u", Password: "p", Host: "db", Port: 6543, Database: "auction", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", postgres.DSN(postgres.ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestLedgerStore_Suite(t *testing.T) {
	c := testClient(t)
	ledgertest.Run(t, func(t *testing.T, now func() time.Time) ledger.Backend {
		truncate(t, c)
		return postgres.NewLedgerStore(c.Pool(), now)
	})
}

func TestLedgerStore_MigrationsIdempotent(t *testing.T) {
	c := testClient(t)
	require.NoError(t, c.RunMigrations(context.Background()))
}

func TestRunStore_SaveAndList(t *testing.T) {
	c := testClient(t)
	truncate(t, c)
	ctx := context.Background()
	store := postgres.NewRunStore(c.Pool())

	started := time.Date(2024, 5, 1, 0, 1, 0, 0, time.UTC)
	report := domain.RunReport{
		RunID:      "run-1",
		DayIndex:   19_843,
		Phase:      domain.PhaseDone,
		Outcome:    domain.OutcomeComplete,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Failures:   []domain.RefundFailure{{Bidder: ledgertest.BidderA, Error: "boom"}},
	}
	require.NoError(t, store.Save(ctx, report))
	report.Outcome = domain.OutcomePartial
	require.NoError(t, store.Save(ctx, report))

	runs, err := store.ListByDay(ctx, 19_843, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.OutcomePartial, runs[0].Outcome)
	assert.Equal(t, 90*time.Second, runs[0].Duration())
	assert.Equal(t, ledgertest.BidderA, runs[0].Failures[0].Bidder)
}
