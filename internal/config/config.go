// Package config defines the top-level configuration for the auction node and
// its settlement coordinator, and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DAYAUCTION_* environment variables.
type Config struct {
	Protocol     ProtocolConfig     `toml:"protocol"`
	Ledger       LedgerConfig       `toml:"ledger"`
	Postgres     PostgresConfig     `toml:"postgres"`
	SQLite       SQLiteConfig       `toml:"sqlite"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Cranker      CrankerConfig      `toml:"cranker"`
	LedgerClient LedgerClientConfig `toml:"ledger_client"`
	Coordinator  CoordinatorConfig  `toml:"coordinator"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// ProtocolConfig holds the auction parameters. Amounts are in display units
// ("0.1" with 9 decimals is 100000000 native units).
type ProtocolConfig struct {
	Recipient       string   `toml:"recipient"`
	MinIncrement    string   `toml:"min_increment"`
	LoserFee        string   `toml:"loser_fee"`
	Decimals        int      `toml:"decimals"`
	ProgramID       string   `toml:"program_id"`
	InitDayMaxAhead int64    `toml:"init_day_max_ahead"`
	Period          duration `toml:"period"`
}

// Native converts the display-unit settings into the on-ledger config.
func (p ProtocolConfig) Native() (domain.ProtocolConfig, error) {
	if !common.IsHexAddress(p.Recipient) {
		return domain.ProtocolConfig{}, fmt.Errorf("config: recipient %q is not a hex address", p.Recipient)
	}
	minInc, err := domain.ParseAmount(p.MinIncrement, int32(p.Decimals))
	if err != nil {
		return domain.ProtocolConfig{}, fmt.Errorf("config: min_increment: %w", err)
	}
	fee, err := domain.ParseAmount(p.LoserFee, int32(p.Decimals))
	if err != nil {
		return domain.ProtocolConfig{}, fmt.Errorf("config: loser_fee: %w", err)
	}
	return domain.ProtocolConfig{
		RecipientAddress: common.HexToAddress(p.Recipient),
		MinIncrement:     minInc,
		LoserFee:         fee,
	}, nil
}

// ProgramAddress returns the program id used to derive account addresses.
func (p ProtocolConfig) ProgramAddress() domain.Address {
	return common.HexToAddress(p.ProgramID)
}

// LedgerConfig selects where the ledger state lives.
type LedgerConfig struct {
	// Backend is one of memory, sqlite, postgres or remote. remote drives a
	// node over HTTP and only suits the coordinator modes.
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the single-node database location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. When disabled the node keeps
// nonces, rate limits and the coordinator lock in process.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for run report
// archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// CrankerConfig holds the coordinator's signing key. The cranker earns the
// loser fees.
type CrankerConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// LedgerClientConfig configures the HTTP client used with ledger.backend =
// "remote".
type LedgerClientConfig struct {
	BaseURL           string   `toml:"base_url"`
	Timeout           duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	SignatureTTL      duration `toml:"signature_ttl"`
}

// CoordinatorConfig holds settlement and refund tunables.
type CoordinatorConfig struct {
	BatchSize       int      `toml:"batch_size"`
	RetryWindow     duration `toml:"retry_window"`
	RetryInterval   duration `toml:"retry_interval"`
	MaxBackoff      duration `toml:"max_backoff"`
	MaxRuntime      duration `toml:"max_runtime"`
	BatchAttempts   int      `toml:"batch_attempts"`
	BatchRetryDelay duration `toml:"batch_retry_delay"`
	InitMissingDay  bool     `toml:"init_missing_day"`
	LookbackDays    int      `toml:"lookback_days"`
	// Schedule is a 5-field cron expression evaluated in UTC.
	Schedule   string `toml:"schedule"`
	RunOnStart bool   `toml:"run_on_start"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// OperatorAPIKey guards /metrics and the run history. Empty leaves them
	// open.
	OperatorAPIKey string `toml:"operator_api_key"`
	// AdminAddress may submit init_config over HTTP. Empty disables it.
	AdminAddress string   `toml:"admin_address"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
	MaxBodyBytes int64    `toml:"max_body_bytes"`
	// SignatureMaxTTL bounds how far ahead a signed request may expire.
	SignatureMaxTTL duration `toml:"signature_max_ttl"`
	// FaucetAmount enables POST /api/v1/faucet paying this many display
	// units per call. Empty disables the faucet.
	FaucetAmount string `toml:"faucet_amount"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Protocol: ProtocolConfig{
			MinIncrement:    "0.1",
			LoserFee:        "0.0001",
			Decimals:        domain.DefaultDecimals,
			InitDayMaxAhead: 2,
			Period:          duration{24 * time.Hour},
		},
		Ledger: LedgerConfig{
			Backend: "sqlite",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dayauction",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "dayauction.db",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "dayauction:",
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "dayauction-reports",
			Prefix:         "dayauction/",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		LedgerClient: LedgerClientConfig{
			Timeout:           duration{30 * time.Second},
			RequestsPerSecond: 5,
			Burst:             5,
			SignatureTTL:      duration{time.Minute},
		},
		Coordinator: CoordinatorConfig{
			BatchSize:       20,
			RetryWindow:     duration{30 * time.Minute},
			RetryInterval:   duration{45 * time.Second},
			MaxBackoff:      duration{60 * time.Second},
			MaxRuntime:      duration{13 * time.Minute},
			BatchAttempts:   3,
			BatchRetryDelay: duration{2 * time.Second},
			InitMissingDay:  true,
			LookbackDays:    2,
			Schedule:        "1 0 * * *",
			RunOnStart:      true,
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateWindow:      duration{time.Minute},
			MaxBodyBytes:    64 << 10,
			SignatureMaxTTL: duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"run_partial", "run_failed", "refund_failures"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":      true,
	"coordinator": true,
	"settle":      true,
	"full":        true,
}

// validBackends enumerates the accepted values for LedgerConfig.Backend.
var validBackends = map[string]bool{
	"memory":   true,
	"sqlite":   true,
	"postgres": true,
	"remote":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsServer reports whether the mode serves the HTTP API.
func (c *Config) RunsServer() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || m == "full"
}

// RunsCoordinator reports whether the mode runs the settlement coordinator.
func (c *Config) RunsCoordinator() bool {
	m := strings.ToLower(c.Mode)
	return m == "coordinator" || m == "settle" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, coordinator, settle, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Protocol
	if c.Protocol.Decimals < 0 || c.Protocol.Decimals > 18 {
		errs = append(errs, fmt.Sprintf("protocol: decimals must be 0-18, got %d", c.Protocol.Decimals))
	} else if c.Protocol.Recipient != "" {
		native, err := c.Protocol.Native()
		switch {
		case err != nil:
			errs = append(errs, "protocol: "+err.Error())
		case native.Validate() != nil:
			errs = append(errs, "protocol: recipient must be non-zero, min_increment > 0 and loser_fee < min_increment")
		}
	} else {
		// The recipient is only needed by init_config; amounts still have
		// to parse.
		for name, v := range map[string]string{"min_increment": c.Protocol.MinIncrement, "loser_fee": c.Protocol.LoserFee} {
			if _, err := domain.ParseAmount(v, int32(c.Protocol.Decimals)); err != nil {
				errs = append(errs, "protocol: "+name+": "+err.Error())
			}
		}
	}
	if c.Protocol.ProgramID != "" && !common.IsHexAddress(c.Protocol.ProgramID) {
		errs = append(errs, fmt.Sprintf("protocol: program_id %q is not a hex address", c.Protocol.ProgramID))
	}
	if c.Protocol.InitDayMaxAhead < 0 {
		errs = append(errs, "protocol: init_day_max_ahead must be >= 0")
	}
	if c.Protocol.Period.Duration < time.Second {
		errs = append(errs, "protocol: period must be at least 1s")
	}

	// Ledger
	backend := strings.ToLower(c.Ledger.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, sqlite, postgres, remote)", c.Ledger.Backend))
	}
	if backend == "remote" {
		if c.RunsServer() {
			errs = append(errs, "ledger: backend remote cannot serve the HTTP API (mode "+c.Mode+")")
		}
		if c.LedgerClient.BaseURL == "" {
			errs = append(errs, "ledger_client: base_url is required for backend remote")
		}
		if c.LedgerClient.RequestsPerSecond < 0 {
			errs = append(errs, "ledger_client: requests_per_second must be >= 0")
		}
	}

	// Postgres
	if backend == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// SQLite
	if backend == "sqlite" && c.SQLite.Path == "" {
		errs = append(errs, "sqlite: path must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Cranker: the coordinator signs every instruction it submits.
	if c.RunsCoordinator() {
		if c.Cranker.PrivateKey == "" && c.Cranker.EncryptedKeyPath == "" {
			errs = append(errs, "cranker: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Cranker.EncryptedKeyPath != "" && c.Cranker.KeyPassword == "" {
			errs = append(errs, "cranker: key_password is required when encrypted_key_path is set")
		}
	}

	// Coordinator
	if c.Coordinator.BatchSize < 1 {
		errs = append(errs, "coordinator: batch_size must be >= 1")
	}
	if c.Coordinator.BatchAttempts < 1 {
		errs = append(errs, "coordinator: batch_attempts must be >= 1")
	}
	if c.Coordinator.RetryInterval.Duration <= 0 {
		errs = append(errs, "coordinator: retry_interval must be > 0")
	}
	if c.Coordinator.RetryWindow.Duration < c.Coordinator.RetryInterval.Duration {
		errs = append(errs, "coordinator: retry_window must not be shorter than retry_interval")
	}
	if c.Coordinator.MaxRuntime.Duration <= 0 {
		errs = append(errs, "coordinator: max_runtime must be > 0")
	}
	if c.Coordinator.LookbackDays < 0 {
		errs = append(errs, "coordinator: lookback_days must be >= 0")
	}
	if len(strings.Fields(c.Coordinator.Schedule)) != 5 {
		errs = append(errs, fmt.Sprintf("coordinator: schedule %q must have 5 cron fields", c.Coordinator.Schedule))
	}

	// Server
	if c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Server.AdminAddress != "" && !common.IsHexAddress(c.Server.AdminAddress) {
			errs = append(errs, fmt.Sprintf("server: admin_address %q is not a hex address", c.Server.AdminAddress))
		}
		if c.Server.FaucetAmount != "" {
			if _, err := domain.ParseAmount(c.Server.FaucetAmount, int32(c.Protocol.Decimals)); err != nil {
				errs = append(errs, "server: faucet_amount: "+err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
