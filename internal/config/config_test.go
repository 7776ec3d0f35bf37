package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/config"
)

const recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

func validConfig() config.Config {
	cfg := config.Defaults()
	cfg.Protocol.Recipient = recipient
	cfg.Cranker.PrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	return cfg
}

func TestDefaults_ValidWithCredentials(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.RunsServer())
	assert.True(t, cfg.RunsCoordinator())
}

func TestProtocol_Native(t *testing.T) {
	cfg := validConfig()
	native, err := cfg.Protocol.Native()
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), native.MinIncrement)
	assert.Equal(t, uint64(100_000), native.LoserFee)
	assert.Equal(t, recipient, native.RecipientAddress.Hex())

	cfg.Protocol.Recipient = "not-an-address"
	_, err = cfg.Protocol.Native()
	require.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Protocol.LoserFee = "0.5"
	cfg.Ledger.Backend = "mongo"
	cfg.Coordinator.BatchSize = 0
	cfg.Coordinator.Schedule = "* *"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, "loser_fee < min_increment")
	assert.Contains(t, msg, `unknown backend "mongo"`)
	assert.Contains(t, msg, "batch_size must be >= 1")
	assert.Contains(t, msg, "5 cron fields")
}

func TestValidate_ModeRequirements(t *testing.T) {
	t.Run("coordinator needs a key", func(t *testing.T) {
		cfg := validConfig()
		cfg.Cranker.PrivateKey = ""
		require.ErrorContains(t, cfg.Validate(), "cranker: either private_key or encrypted_key_path")

		cfg.Mode = "server"
		require.NoError(t, cfg.Validate())
	})

	t.Run("encrypted key needs a password", func(t *testing.T) {
		cfg := validConfig()
		cfg.Cranker.PrivateKey = ""
		cfg.Cranker.EncryptedKeyPath = "key.json"
		require.ErrorContains(t, cfg.Validate(), "key_password is required")
	})

	t.Run("remote backend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Ledger.Backend = "remote"
		err := cfg.Validate()
		require.ErrorContains(t, err, "cannot serve the HTTP API")
		require.ErrorContains(t, err, "base_url is required")

		cfg.Mode = "settle"
		cfg.LedgerClient.BaseURL = "http://node:8000"
		require.NoError(t, cfg.Validate())
	})

	t.Run("postgres pool", func(t *testing.T) {
		cfg := validConfig()
		cfg.Ledger.Backend = "postgres"
		cfg.Postgres.PoolMinConns = 20
		require.ErrorContains(t, cfg.Validate(), "pool_min_conns must not exceed pool_max_conns")
	})

	t.Run("faucet amount", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.FaucetAmount = "-1"
		require.ErrorContains(t, cfg.Validate(), "faucet_amount")
	})
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dayauction.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "coordinator"

[protocol]
recipient = "`+recipient+`"
min_increment = "0.2"

[coordinator]
batch_size = 50
retry_interval = "10s"
`), 0o600))

	t.Setenv("DAYAUCTION_COORDINATOR_MAX_RUNTIME", "2m")
	t.Setenv("DAYAUCTION_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DAYAUCTION_CRANKER_PRIVATE_KEY", "deadbeef")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "coordinator", cfg.Mode)
	assert.Equal(t, "0.2", cfg.Protocol.MinIncrement)
	assert.Equal(t, "0.0001", cfg.Protocol.LoserFee)
	assert.Equal(t, 50, cfg.Coordinator.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.RetryInterval.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Coordinator.MaxRuntime.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "deadbeef", cfg.Cranker.PrivateKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-secret"
	cfg.Server.OperatorAPIKey = "op-key"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := config.RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Cranker.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.OperatorAPIKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.Redis.Password)

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
	assert.NotEqual(t, "***", cfg.Cranker.PrivateKey)
}
