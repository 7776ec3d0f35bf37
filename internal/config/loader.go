package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DAYAUCTION_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DAYAUCTION_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Protocol ──
	setStr(&cfg.Protocol.Recipient, "DAYAUCTION_PROTOCOL_RECIPIENT")
	setStr(&cfg.Protocol.MinIncrement, "DAYAUCTION_PROTOCOL_MIN_INCREMENT")
	setStr(&cfg.Protocol.LoserFee, "DAYAUCTION_PROTOCOL_LOSER_FEE")
	setInt(&cfg.Protocol.Decimals, "DAYAUCTION_PROTOCOL_DECIMALS")
	setStr(&cfg.Protocol.ProgramID, "DAYAUCTION_PROTOCOL_PROGRAM_ID")
	setInt64(&cfg.Protocol.InitDayMaxAhead, "DAYAUCTION_PROTOCOL_INIT_DAY_MAX_AHEAD")
	setDuration(&cfg.Protocol.Period, "DAYAUCTION_PROTOCOL_PERIOD")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "DAYAUCTION_LEDGER_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DAYAUCTION_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "DAYAUCTION_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DAYAUCTION_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DAYAUCTION_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DAYAUCTION_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DAYAUCTION_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DAYAUCTION_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DAYAUCTION_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DAYAUCTION_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DAYAUCTION_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "DAYAUCTION_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "DAYAUCTION_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "DAYAUCTION_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DAYAUCTION_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DAYAUCTION_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DAYAUCTION_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DAYAUCTION_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DAYAUCTION_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "DAYAUCTION_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DAYAUCTION_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DAYAUCTION_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DAYAUCTION_S3_REGION")
	setStr(&cfg.S3.Bucket, "DAYAUCTION_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "DAYAUCTION_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "DAYAUCTION_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DAYAUCTION_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DAYAUCTION_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DAYAUCTION_S3_FORCE_PATH_STYLE")

	// ── Cranker ──
	setStr(&cfg.Cranker.PrivateKey, "DAYAUCTION_CRANKER_PRIVATE_KEY")
	setStr(&cfg.Cranker.EncryptedKeyPath, "DAYAUCTION_CRANKER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Cranker.KeyPassword, "DAYAUCTION_CRANKER_KEY_PASSWORD")

	// ── Ledger client ──
	setStr(&cfg.LedgerClient.BaseURL, "DAYAUCTION_LEDGER_CLIENT_BASE_URL")
	setDuration(&cfg.LedgerClient.Timeout, "DAYAUCTION_LEDGER_CLIENT_TIMEOUT")
	setFloat64(&cfg.LedgerClient.RequestsPerSecond, "DAYAUCTION_LEDGER_CLIENT_REQUESTS_PER_SECOND")
	setInt(&cfg.LedgerClient.Burst, "DAYAUCTION_LEDGER_CLIENT_BURST")
	setDuration(&cfg.LedgerClient.SignatureTTL, "DAYAUCTION_LEDGER_CLIENT_SIGNATURE_TTL")

	// ── Coordinator ──
	setInt(&cfg.Coordinator.BatchSize, "DAYAUCTION_COORDINATOR_BATCH_SIZE")
	setDuration(&cfg.Coordinator.RetryWindow, "DAYAUCTION_COORDINATOR_RETRY_WINDOW")
	setDuration(&cfg.Coordinator.RetryInterval, "DAYAUCTION_COORDINATOR_RETRY_INTERVAL")
	setDuration(&cfg.Coordinator.MaxBackoff, "DAYAUCTION_COORDINATOR_MAX_BACKOFF")
	setDuration(&cfg.Coordinator.MaxRuntime, "DAYAUCTION_COORDINATOR_MAX_RUNTIME")
	setInt(&cfg.Coordinator.BatchAttempts, "DAYAUCTION_COORDINATOR_BATCH_ATTEMPTS")
	setDuration(&cfg.Coordinator.BatchRetryDelay, "DAYAUCTION_COORDINATOR_BATCH_RETRY_DELAY")
	setBool(&cfg.Coordinator.InitMissingDay, "DAYAUCTION_COORDINATOR_INIT_MISSING_DAY")
	setInt(&cfg.Coordinator.LookbackDays, "DAYAUCTION_COORDINATOR_LOOKBACK_DAYS")
	setStr(&cfg.Coordinator.Schedule, "DAYAUCTION_COORDINATOR_SCHEDULE")
	setBool(&cfg.Coordinator.RunOnStart, "DAYAUCTION_COORDINATOR_RUN_ON_START")

	// ── Server ──
	setInt(&cfg.Server.Port, "DAYAUCTION_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DAYAUCTION_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.OperatorAPIKey, "DAYAUCTION_SERVER_OPERATOR_API_KEY")
	setStr(&cfg.Server.AdminAddress, "DAYAUCTION_SERVER_ADMIN_ADDRESS")
	setInt(&cfg.Server.RateLimit, "DAYAUCTION_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "DAYAUCTION_SERVER_RATE_WINDOW")
	setInt64(&cfg.Server.MaxBodyBytes, "DAYAUCTION_SERVER_MAX_BODY_BYTES")
	setDuration(&cfg.Server.SignatureMaxTTL, "DAYAUCTION_SERVER_SIGNATURE_MAX_TTL")
	setStr(&cfg.Server.FaucetAmount, "DAYAUCTION_SERVER_FAUCET_AMOUNT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DAYAUCTION_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DAYAUCTION_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DAYAUCTION_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DAYAUCTION_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DAYAUCTION_MODE")
	setStr(&cfg.LogLevel, "DAYAUCTION_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
