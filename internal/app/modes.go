package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dayauction/internal/coordinator"
	"github.com/alanyoungcy/dayauction/internal/crypto"
	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/server"
	"github.com/alanyoungcy/dayauction/internal/server/handler"
	"github.com/alanyoungcy/dayauction/internal/server/ws"
)

// ServerMode serves the HTTP API and WebSocket feed over the local ledger.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// CoordinatorMode runs the settlement scheduler until ctx is cancelled.
func (a *App) CoordinatorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting coordinator mode")

	sched, err := a.newScheduler(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})
	return g.Wait()
}

// SettleMode performs one locked coordinator run and returns. It suits an
// external scheduler such as a cron job. A run that ends failed makes the
// mode return an error so the exit status reflects it.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	sched, err := a.newScheduler(deps)
	if err != nil {
		return err
	}
	reports, err := sched.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("app: settle: %w", err)
	}

	var failed []string
	for _, r := range reports {
		a.logger.InfoContext(ctx, "settle run finished",
			slog.Int64("day_index", r.DayIndex),
			slog.String("outcome", string(r.Outcome)),
			slog.Int("refunded", r.RefundedCount),
			slog.Int("pending", r.PendingLosers),
		)
		if r.Outcome == domain.OutcomeFailed {
			failed = append(failed, fmt.Sprintf("day %d: %s", r.DayIndex, r.Error))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("app: settle: %d run(s) failed: %v", len(failed), failed)
	}
	return nil
}

// FullMode runs the HTTP server and the settlement scheduler side by side in
// one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	sched, err := a.newScheduler(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return err
	}
	g.Go(func() error {
		return sched.Run(ctx)
	})
	return g.Wait()
}

func (a *App) newScheduler(deps *Dependencies) (*coordinator.Scheduler, error) {
	coord, err := newCoordinator(a.cfg, deps, a.logger)
	if err != nil {
		return nil, err
	}
	schedule, err := coordinator.ParseSchedule(a.cfg.Coordinator.Schedule)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return coordinator.NewScheduler(coord, schedule, deps.LockManager, a.cfg.Coordinator.RunOnStart, a.logger), nil
}

// startHTTPServer registers the server, the WebSocket hub and their shutdown
// on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Engine == nil {
		return errors.New("app: the HTTP API needs a local ledger backend")
	}
	sc := a.cfg.Server
	decimals := int32(a.cfg.Protocol.Decimals)

	hub := ws.NewHub(deps.Engine, a.logger, ws.Config{
		AllowedOrigins: sc.CORSOrigins,
		Decimals:       decimals,
	})
	deps.Engine.Subscribe(hub.Publish)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var admin domain.Address
	if sc.AdminAddress != "" {
		admin = common.HexToAddress(sc.AdminAddress)
	}

	sd := server.Deps{
		Health:       handler.NewHealthHandler(deps.Health, a.logger),
		Auction:      handler.NewAuctionHandler(deps.Engine, decimals, a.logger),
		Instructions: handler.NewInstructionHandler(deps.Engine, admin, a.logger),
		Verifier:     crypto.NewVerifier(deps.NonceStore, sc.SignatureMaxTTL.Duration),
		RateLimiter:  deps.RateLimiter,
		Hub:          hub,
		Metrics:      deps.Metrics.Handler(),
		Observer:     deps.Metrics,
	}
	if deps.RunStore != nil {
		sd.Runs = handler.NewRunHandler(deps.RunStore, a.logger)
	}
	if sc.FaucetAmount != "" && deps.Funder != nil {
		amount, err := domain.ParseAmount(sc.FaucetAmount, decimals)
		if err != nil {
			return fmt.Errorf("app: faucet amount: %w", err)
		}
		sd.Faucet = handler.NewFaucetHandler(deps.Funder, amount, a.logger)
		a.logger.WarnContext(ctx, "faucet enabled; do not run this on a production ledger",
			slog.String("amount", sc.FaucetAmount),
		)
	}

	srv := server.NewServer(server.Config{
		Port:           sc.Port,
		CORSOrigins:    sc.CORSOrigins,
		OperatorAPIKey: sc.OperatorAPIKey,
		RateLimit:      sc.RateLimit,
		RateWindow:     sc.RateWindow.Duration,
		MaxBodyBytes:   sc.MaxBodyBytes,
	}, sd, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", sc.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", sc.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}
