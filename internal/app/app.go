// Package app provides the top-level application lifecycle management for the
// auction node. It wires together all dependencies (ledger backend, stores,
// caches, blob storage, notifications and the signing key) and starts the
// appropriate goroutines based on the configured operating mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/dayauction/internal/config"
	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    *Dependencies
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// wire builds the dependencies once per App.
func (a *App) wire(ctx context.Context) (*Dependencies, error) {
	if a.deps != nil {
		return a.deps, nil
	}
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	a.deps = deps
	return deps, nil
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("ledger_backend", a.cfg.Ledger.Backend),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, err := a.wire(ctx)
	if err != nil {
		return err
	}

	mode := strings.ToLower(a.cfg.Mode)
	switch mode {
	case "server":
		return a.ServerMode(ctx, deps)
	case "coordinator":
		return a.CoordinatorMode(ctx, deps)
	case "settle":
		return a.SettleMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// configInitializer is implemented by ledgers that accept init_config from
// this process: the local engine and the remote client.
type configInitializer interface {
	InitConfig(ctx context.Context, cfg domain.ProtocolConfig) error
}

// InitConfig writes the [protocol] settings to the ledger. It fails with
// domain.ErrConfigAlreadyInitialized when a config already exists.
func (a *App) InitConfig(ctx context.Context) error {
	if a.cfg.Protocol.Recipient == "" {
		return errors.New("app: init-config: protocol.recipient is required")
	}
	native, err := a.cfg.Protocol.Native()
	if err != nil {
		return fmt.Errorf("app: init-config: %w", err)
	}
	deps, err := a.wire(ctx)
	if err != nil {
		return err
	}

	var target configInitializer
	switch {
	case deps.Engine != nil:
		target = deps.Engine
	default:
		ci, ok := deps.Cranker.(configInitializer)
		if !ok {
			return errors.New("app: init-config: ledger does not accept init_config")
		}
		target = ci
	}
	if err := target.InitConfig(ctx, native); err != nil {
		return fmt.Errorf("app: init-config: %w", err)
	}
	a.logger.InfoContext(ctx, "protocol config initialized",
		slog.String("recipient", native.RecipientAddress.Hex()),
		slog.String("min_increment", domain.FormatAmount(native.MinIncrement, int32(a.cfg.Protocol.Decimals))),
		slog.String("loser_fee", domain.FormatAmount(native.LoserFee, int32(a.cfg.Protocol.Decimals))),
	)
	return nil
}

// PrintDay renders one day and its receipts as tables. A negative dayIndex
// selects the current period.
func (a *App) PrintDay(ctx context.Context, w io.Writer, dayIndex int64) error {
	deps, err := a.wire(ctx)
	if err != nil {
		return err
	}
	period := ledger.Period{Length: a.cfg.Protocol.Period.Duration}
	if dayIndex < 0 {
		now, err := deps.Reader.Now(ctx)
		if err != nil {
			return fmt.Errorf("app: status: %w", err)
		}
		dayIndex = period.Index(now)
	}

	day, err := deps.Reader.AuctionDay(ctx, dayIndex)
	if err != nil {
		return fmt.Errorf("app: status: %w", err)
	}
	receipts, err := deps.Reader.BidReceipts(ctx, dayIndex)
	if err != nil {
		return fmt.Errorf("app: status: %w", err)
	}

	dec := int32(a.cfg.Protocol.Decimals)
	fmt.Fprintf(w, "Day %d (%s UTC)\n", dayIndex, period.Start(dayIndex).Format("2006-01-02 15:04"))

	tbl := tablewriter.NewWriter(w)
	tbl.Header("Field", "Value")
	winner := "-"
	if day.HasWinner() {
		winner = day.Winner.Hex()
	}
	tbl.Append("finalized", fmt.Sprintf("%t", day.Finalized))
	tbl.Append("winner", winner)
	tbl.Append("highest_bid", domain.FormatAmount(day.HighestBid, dec))
	tbl.Append("bidders", fmt.Sprintf("%d", day.BidderCount))
	tbl.Append("total_bid_amount", domain.FormatAmount(day.TotalBidAmount, dec))
	tbl.Append("refunds", fmt.Sprintf("%d/%d", day.RefundCountCompleted, day.RefundCountTotal))
	tbl.Append("refund_pool_remaining", domain.FormatAmount(day.RefundPoolRemaining, dec))
	tbl.Append("fee_pool_remaining", domain.FormatAmount(day.FeePoolRemaining, dec))
	if err := tbl.Render(); err != nil {
		return fmt.Errorf("app: status: render: %w", err)
	}

	if len(receipts) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	rt := tablewriter.NewWriter(w)
	rt.Header("Bidder", "Amount", "Role", "Refunded")
	for _, r := range receipts {
		role := "loser"
		if day.HasWinner() && r.Bidder == day.Winner {
			role = "winner"
		}
		rt.Append(r.Bidder.Hex(), domain.FormatAmount(r.Amount, dec), role, fmt.Sprintf("%t", r.Refunded))
	}
	if err := rt.Render(); err != nil {
		return fmt.Errorf("app: status: render: %w", err)
	}
	return nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.deps = nil
}
