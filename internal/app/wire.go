package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/legionfi/salescore/internal/blob/s3"
	"github.com/legionfi/salescore/internal/cache/redis"
	"github.com/legionfi/salescore/internal/config"
	"github.com/legionfi/salescore/internal/domain"
	"github.com/legionfi/salescore/internal/registry"
	"github.com/legionfi/salescore/internal/store/postgres"
	"github.com/legionfi/salescore/internal/vault"
)

// Dependencies bundles every domain-level dependency the application needs to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	SaleStore     domain.SaleStore
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Redis
	EventBus    domain.EventBus
	RateLimiter *redis.RateLimiter

	// Blob storage (nil unless S3 archival is enabled)
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Settlement collaborators
	Vault    domain.TokenVault
	Registry domain.AddressRegistry
	Platform domain.PlatformAddresses
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.SaleStore = postgres.NewSaleStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.EventBus = redis.NewEventBus(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- S3 blob storage (settlement report archival, optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.SaleStore,
			deps.PositionStore,
			deps.AuditStore,
		)
	} else {
		logger.InfoContext(ctx, "wire: s3 archival disabled")
	}

	// --- Token vault ---
	deps.Vault = vault.New(cfg.Vault.Strict)

	// --- Address registry, seeded from configuration ---
	deps.Platform = domain.PlatformAddresses{
		Admin:       common.HexToAddress(cfg.Registry.Admin),
		Signer:      common.HexToAddress(cfg.Registry.Signer),
		FeeReceiver: common.HexToAddress(cfg.Registry.FeeReceiver),
	}
	deps.Registry = registry.NewStatic(map[string]common.Address{
		domain.RegistryKeyAdmin:       deps.Platform.Admin,
		domain.RegistryKeySigner:      deps.Platform.Signer,
		domain.RegistryKeyFeeReceiver: deps.Platform.FeeReceiver,
	})

	return deps, cleanup, nil
}
