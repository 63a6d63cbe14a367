package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdmin       = "0x1000000000000000000000000000000000000001"
	testSigner      = "0x1000000000000000000000000000000000000002"
	testFeeReceiver = "0x1000000000000000000000000000000000000003"
)

// validConfig returns defaults with the required registry addresses filled in.
func validConfig() Config {
	cfg := Defaults()
	cfg.Registry.Admin = testAdmin
	cfg.Registry.Signer = testSigner
	cfg.Registry.FeeReceiver = testFeeReceiver
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		cfg := validConfig()
		require.NoError(t, cfg.Validate())
	})

	t.Run("defaults alone fail on registry", func(t *testing.T) {
		cfg := Defaults()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry")
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"zero chain id", func(c *Config) { c.Chain.ChainID = 0 }, "chain_id"},
		{"malformed admin address", func(c *Config) { c.Registry.Admin = "not-an-address" }, "registry: admin"},
		{"short signer address", func(c *Config) { c.Registry.Signer = "0x1234" }, "registry: signer"},
		{"postgres port out of range", func(c *Config) { c.Postgres.Port = 70_000 }, "postgres: port"},
		{"pool min above max", func(c *Config) { c.Postgres.PoolMinConns = 20 }, "pool_min_conns"},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis: addr"},
		{"server port out of range", func(c *Config) { c.Server.Port = 0 }, "server: port"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "rate_limit"},
		{"rate limit without window", func(c *Config) { c.Server.RateLimitWindowSecs = 0 }, "rate_limit_window_secs"},
		{"s3 enabled without bucket", func(c *Config) { c.S3.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("s3 not validated when disabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.S3.Enabled = false
		cfg.S3.Bucket = ""
		cfg.S3.Endpoint = ""
		require.NoError(t, cfg.Validate())
	})

	t.Run("dsn bypasses host checks", func(t *testing.T) {
		cfg := validConfig()
		cfg.Postgres.DSN = "postgres://u:p@db:5432/salescore"
		cfg.Postgres.Host = ""
		cfg.Postgres.Database = ""
		require.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	toml := `
log_level = "debug"

[chain]
chain_id = 137

[registry]
admin = "` + testAdmin + `"
signer = "` + testSigner + `"
fee_receiver = "` + testFeeReceiver + `"

[postgres]
host = "db.internal"
database = "sales"

[server]
port = 9090
`
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint64(137), cfg.Chain.ChainID)
	assert.Equal(t, testAdmin, cfg.Registry.Admin)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 9090, cfg.Server.Port)

	// Unspecified fields keep defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "info"`), 0o600))

	t.Setenv("LEGION_CHAIN_ID", "42161")
	t.Setenv("LEGION_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("LEGION_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("LEGION_VAULT_STRICT", "false")
	t.Setenv("LEGION_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LEGION_SERVER_RATE_LIMIT", "30")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(42_161), cfg.Chain.ChainID)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.False(t, cfg.Vault.Strict)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 30, cfg.Server.RateLimit)
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(``), 0o600))

	t.Setenv("LEGION_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port, "unparseable override keeps the default")
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-secret"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.AccessKey = "AKIA..."
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Postgres.DSN)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.S3.AccessKey)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Server.APIKey)

	// Originals untouched; empty secrets stay empty.
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
	empty := validConfig()
	assert.Empty(t, RedactedConfig(&empty).Server.APIKey)

	// Slice copy cannot mutate the original.
	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
