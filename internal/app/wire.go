package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/dayauction/internal/blob/s3"
	"github.com/alanyoungcy/dayauction/internal/cache/local"
	"github.com/alanyoungcy/dayauction/internal/cache/redis"
	"github.com/alanyoungcy/dayauction/internal/config"
	"github.com/alanyoungcy/dayauction/internal/coordinator"
	"github.com/alanyoungcy/dayauction/internal/crypto"
	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
	"github.com/alanyoungcy/dayauction/internal/ledgerclient"
	"github.com/alanyoungcy/dayauction/internal/metrics"
	"github.com/alanyoungcy/dayauction/internal/notify"
	"github.com/alanyoungcy/dayauction/internal/server/handler"
	"github.com/alanyoungcy/dayauction/internal/store/postgres"
	"github.com/alanyoungcy/dayauction/internal/store/sqlite"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Ledger. Engine is nil for the remote backend.
	Engine *ledger.Engine
	Funder ledger.Funder
	Reader domain.AuctionReader
	// Cranker is the coordinator's view of the ledger. It is nil when no
	// cranker key is configured.
	Cranker domain.AuctionLedger
	Signer  *crypto.Signer

	// Stores
	RunStore domain.RunStore

	// Caches
	LockManager domain.LockManager
	NonceStore  domain.NonceStore
	RateLimiter domain.RateLimiter

	// Blob storage
	Archiver coordinator.ReportArchiver

	// Observability
	Metrics  *metrics.Metrics
	Notifier *notify.Notifier
	Health   map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Health:  map[string]handler.Pinger{},
	}

	// --- Cranker key (optional for server-only nodes) ---
	if cfg.Cranker.PrivateKey != "" || cfg.Cranker.EncryptedKeyPath != "" {
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Cranker.PrivateKey,
			EncryptedKeyPath: cfg.Cranker.EncryptedKeyPath,
			KeyPassword:      cfg.Cranker.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: cranker key: %w", err))
		}
		deps.Signer = signer
	}

	// --- Ledger backend ---
	var backend ledger.Backend
	switch strings.ToLower(cfg.Ledger.Backend) {
	case "memory":
		mem := ledger.NewMemoryBackend(nil)
		backend, deps.Funder = mem, mem

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path, nil)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		backend, deps.Funder = db, db
		deps.RunStore = sqlite.NewRunStore(db.DB())
		deps.Health["sqlite"] = db.DB().PingContext

	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		store := postgres.NewLedgerStore(pgClient.Pool(), nil)
		backend, deps.Funder = store, store
		deps.RunStore = postgres.NewRunStore(pgClient.Pool())
		deps.Health["postgres"] = pgClient.Ping

	case "remote":
		if deps.Signer == nil {
			return fail(fmt.Errorf("wire: ledger backend remote needs a cranker key"))
		}
		client, err := ledgerclient.New(ledgerclient.Config{
			BaseURL:           cfg.LedgerClient.BaseURL,
			Timeout:           cfg.LedgerClient.Timeout.Duration,
			RequestsPerSecond: cfg.LedgerClient.RequestsPerSecond,
			Burst:             cfg.LedgerClient.Burst,
			SignatureTTL:      cfg.LedgerClient.SignatureTTL.Duration,
		}, deps.Signer)
		if err != nil {
			return fail(fmt.Errorf("wire: ledger client: %w", err))
		}
		deps.Reader = client
		deps.Cranker = client

	default:
		return fail(fmt.Errorf("wire: unknown ledger backend %q", cfg.Ledger.Backend))
	}

	if backend != nil {
		program := ledger.NewProgram(ledger.ProgramOptions{
			ProgramID:       cfg.Protocol.ProgramAddress(),
			Period:          ledger.Period{Length: cfg.Protocol.Period.Duration},
			InitDayMaxAhead: cfg.Protocol.InitDayMaxAhead,
		})
		deps.Engine = ledger.NewEngine(program, backend, deps.Metrics, logger)
		deps.Reader = deps.Engine
		if deps.Signer != nil {
			deps.Cranker = ledger.NewLocalClient(deps.Engine, deps.Signer.Address())
		}
	}

	// --- Redis (optional; in-process caches otherwise) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.NonceStore = redis.NewNonceStore(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.LockManager = local.NewLockManager()
		deps.NonceStore = local.NewNonceStore()
		deps.RateLimiter = local.NewRateLimiter()
	}

	// --- S3 report archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewReportArchiver(s3blob.NewWriter(s3Client))
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// coordinatorConfig maps the TOML settings onto the coordinator tunables.
func coordinatorConfig(cfg *config.Config) coordinator.Config {
	c := cfg.Coordinator
	return coordinator.Config{
		BatchSize:       c.BatchSize,
		RetryWindow:     c.RetryWindow.Duration,
		RetryInterval:   c.RetryInterval.Duration,
		MaxBackoff:      c.MaxBackoff.Duration,
		MaxRuntime:      c.MaxRuntime.Duration,
		BatchAttempts:   c.BatchAttempts,
		BatchRetryDelay: c.BatchRetryDelay.Duration,
		InitMissingDay:  c.InitMissingDay,
		LookbackDays:    c.LookbackDays,
		Period:          ledger.Period{Length: cfg.Protocol.Period.Duration},
		Decimals:        int32(cfg.Protocol.Decimals),
	}
}

// newCoordinator builds the coordinator over the cranker view with every
// configured report sink.
func newCoordinator(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*coordinator.Coordinator, error) {
	if deps.Cranker == nil {
		return nil, fmt.Errorf("app: coordinator needs a cranker key")
	}
	sinks := coordinator.Sinks{
		Metrics:  deps.Metrics,
		Store:    deps.RunStore,
		Archiver: deps.Archiver,
	}
	if deps.Notifier.Enabled() {
		sinks.Notifier = deps.Notifier
	}
	return coordinator.New(deps.Cranker, coordinatorConfig(cfg), sinks, nil, logger), nil
}
