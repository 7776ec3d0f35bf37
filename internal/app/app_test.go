package app_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/app"
	"github.com/alanyoungcy/dayauction/internal/config"
	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
	"github.com/alanyoungcy/dayauction/internal/ledger/ledgertest"
)

const crankerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func memoryConfig(mode string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Ledger.Backend = "memory"
	cfg.Protocol.Recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	cfg.Cranker.PrivateKey = crankerKey
	cfg.Coordinator.LookbackDays = 0
	return &cfg
}

func TestApp_InitConfigSettleAndPrint(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig("settle")
	require.NoError(t, cfg.Validate())

	a := app.New(cfg, ledgertest.DiscardLogger())
	t.Cleanup(a.Close)

	require.NoError(t, a.InitConfig(ctx))
	require.ErrorIs(t, a.InitConfig(ctx), domain.ErrConfigAlreadyInitialized)

	// Yesterday has no day account; the run creates and finalizes it.
	require.NoError(t, a.Run(ctx))

	yesterday := ledger.Period{Length: 24 * time.Hour}.Index(time.Now()) - 1
	var buf bytes.Buffer
	require.NoError(t, a.PrintDay(ctx, &buf, yesterday))
	out := buf.String()
	assert.Contains(t, out, "finalized")
	assert.Contains(t, out, "true")
	assert.Contains(t, out, "0/0")
}

func TestApp_PrintDayMissing(t *testing.T) {
	ctx := context.Background()
	a := app.New(memoryConfig("server"), ledgertest.DiscardLogger())
	t.Cleanup(a.Close)

	require.NoError(t, a.InitConfig(ctx))
	err := a.PrintDay(ctx, &bytes.Buffer{}, -1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApp_InitConfigNeedsRecipient(t *testing.T) {
	cfg := memoryConfig("server")
	cfg.Protocol.Recipient = ""
	a := app.New(cfg, ledgertest.DiscardLogger())
	t.Cleanup(a.Close)

	require.ErrorContains(t, a.InitConfig(context.Background()), "protocol.recipient is required")
}

func TestApp_SettleNeedsCrankerKey(t *testing.T) {
	cfg := memoryConfig("settle")
	cfg.Cranker.PrivateKey = ""
	a := app.New(cfg, ledgertest.DiscardLogger())
	t.Cleanup(a.Close)

	require.ErrorContains(t, a.Run(context.Background()), "needs a cranker key")
}

func TestApp_ServerNeedsLocalLedger(t *testing.T) {
	cfg := memoryConfig("server")
	cfg.Ledger.Backend = "remote"
	cfg.LedgerClient.BaseURL = "http://127.0.0.1:1"
	a := app.New(cfg, ledgertest.DiscardLogger())
	t.Cleanup(a.Close)

	require.ErrorContains(t, a.Run(context.Background()), "needs a local ledger backend")
}

func TestApp_UnsupportedMode(t *testing.T) {
	cfg := memoryConfig("backtest")
	a := app.New(cfg, ledgertest.DiscardLogger())
	t.Cleanup(a.Close)

	require.ErrorContains(t, a.Run(context.Background()), `unsupported mode "backtest"`)
}
