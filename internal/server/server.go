// Package server is the HTTP and WebSocket front of a ledger node: the read
// path for the auction frontend, signed instruction submission, operator
// endpoints and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dayauction/internal/crypto"
	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledgerclient"
	"github.com/alanyoungcy/dayauction/internal/server/handler"
	"github.com/alanyoungcy/dayauction/internal/server/middleware"
	"github.com/alanyoungcy/dayauction/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// OperatorAPIKey guards /metrics and run reports; empty disables the check.
	OperatorAPIKey string
	// RateLimit is the number of requests per RateWindow allowed per client
	// IP; zero disables rate limiting.
	RateLimit    int
	RateWindow   time.Duration
	MaxBodyBytes int64
}

// Deps are the collaborators the server routes to. Auction, Instructions and
// Verifier are required; the rest are optional and their routes are only
// registered when set.
type Deps struct {
	Health       *handler.HealthHandler
	Auction      *handler.AuctionHandler
	Instructions *handler.InstructionHandler
	Runs         *handler.RunHandler
	Faucet       *handler.FaucetHandler
	Verifier     *crypto.Verifier
	RateLimiter  domain.RateLimiter
	Hub          *ws.Hub
	Metrics      http.Handler
	Observer     middleware.Observer
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain applied.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	if deps.Health != nil {
		mux.HandleFunc("GET /healthz", deps.Health.HealthCheck)
	}

	// Read path.
	mux.HandleFunc("GET "+ledgerclient.PathTime, deps.Auction.Time)
	mux.HandleFunc("GET "+ledgerclient.PathConfig, deps.Auction.Config)
	mux.HandleFunc("GET "+ledgerclient.PathStatus, deps.Auction.Status)
	mux.HandleFunc("GET /api/v1/days/{day}", deps.Auction.GetDay)
	mux.HandleFunc("GET /api/v1/days/{day}/receipts", deps.Auction.ListReceipts)
	mux.HandleFunc("GET /api/v1/balances/{address}", deps.Auction.GetBalance)

	// Signed writes.
	signed := middleware.Signature(deps.Verifier, cfg.MaxBodyBytes, logger)
	mux.Handle("POST "+ledgerclient.PathInstructions, signed(http.HandlerFunc(deps.Instructions.Submit)))
	if deps.Faucet != nil {
		mux.Handle("POST /api/v1/faucet", signed(http.HandlerFunc(deps.Faucet.Drip)))
	}

	// Operator endpoints.
	operator := middleware.APIKey(cfg.OperatorAPIKey)
	if deps.Runs != nil {
		mux.Handle("GET /api/v1/days/{day}/runs", operator(http.HandlerFunc(deps.Runs.ListRuns)))
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", operator(deps.Metrics))
	}

	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var h http.Handler = mux
	if deps.RateLimiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(deps.RateLimiter, cfg.RateLimit, window, logger)(h)
	}
	h = middleware.Logging(logger, deps.Observer)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
