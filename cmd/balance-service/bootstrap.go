package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"time"

	"github.com/balancetracker/balance-service/internal/config"
	"github.com/balancetracker/balance-service/internal/logging"
	"github.com/balancetracker/balance-service/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type bootstrap struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadBootstrap loads .env, configuration and the logger.
func loadBootstrap(opts *rootOptions) (*bootstrap, error) {
	envPath := filepath.Join(opts.configPath, ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" path=%s err=%v", envPath, err)
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, logging.Format(cfg.LogFormat))
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", "balance-service"), zap.String("environment", cfg.Environment))
	return &bootstrap{cfg: cfg, logger: logger}, nil
}

// openStore opens the configured store. When migrate is true the embedded
// migrations are applied before returning.
func (b *bootstrap) openStore(ctx context.Context, migrate bool) (store.Store, error) {
	logger := logging.Component(b.logger, "bootstrap")

	if b.cfg.StorageDriver == config.StorageDriverMemory {
		logger.Warn("using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), nil
	}

	pool, err := openPool(ctx, b.cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("database connected", zap.Int32("max_conns", b.cfg.DBMaxConns), zap.Bool("simple_protocol", b.cfg.DBSimpleProtocol))

	if migrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		names, _ := store.MigrationNames()
		logger.Info("migrations applied", zap.Strings("migrations", names))
	}
	return store.NewPostgresStore(pool), nil
}

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}

	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMinConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// PgBouncer in transaction mode cannot hold prepared statements
	if cfg.DBSimpleProtocol {
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return store.Migrate(ctx, db)
}
