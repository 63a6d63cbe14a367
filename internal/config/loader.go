package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEGION_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEGION_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setUint64(&cfg.Chain.ChainID, "LEGION_CHAIN_ID")

	// ── Registry ──
	setStr(&cfg.Registry.Admin, "LEGION_REGISTRY_ADMIN")
	setStr(&cfg.Registry.Signer, "LEGION_REGISTRY_SIGNER")
	setStr(&cfg.Registry.FeeReceiver, "LEGION_REGISTRY_FEE_RECEIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LEGION_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LEGION_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LEGION_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LEGION_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LEGION_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LEGION_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LEGION_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LEGION_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEGION_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEGION_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEGION_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEGION_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEGION_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEGION_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEGION_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEGION_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LEGION_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LEGION_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEGION_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEGION_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEGION_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEGION_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEGION_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEGION_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "LEGION_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "LEGION_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "LEGION_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "LEGION_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateLimitWindowSecs, "LEGION_SERVER_RATE_LIMIT_WINDOW_SECS")

	// ── Vault ──
	setBool(&cfg.Vault.Strict, "LEGION_VAULT_STRICT")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "LEGION_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
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
