package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/balancetracker/balance-service/internal/api"
	"github.com/balancetracker/balance-service/internal/app"
	"github.com/balancetracker/balance-service/internal/config"
	"github.com/balancetracker/balance-service/internal/logging"
	"github.com/balancetracker/balance-service/pkg/middleware"
	"github.com/balancetracker/balance-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := loadBootstrap(opts)
	if err != nil {
		return err
	}
	defer func() { _ = b.logger.Sync() }()
	cfg := b.cfg
	logger := logging.Component(b.logger, "bootstrap")

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}
	logger.Info("starting balance-service", zap.String("port", cfg.ServerPort), zap.String("storage_driver", cfg.StorageDriver))

	st, err := b.openStore(ctx, cfg.AutoMigrate)
	if err != nil {
		logger.Error("store unavailable", zap.Error(err))
		return err
	}
	defer st.Close()

	publisher := newPublisher(cfg, b.logger)
	defer publisher.Close()

	trustedProxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxyList())
	if err != nil {
		return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	limiter, closeLimiter := newRateLimiter(ctx, cfg, b.logger)
	defer closeLimiter()

	authService, err := app.NewAuthService(st.Users(), app.AuthConfig{
		JWTSecret:      cfg.JWTSecret,
		JWTAlgorithm:   cfg.JWTAlgorithm,
		AccessTokenTTL: cfg.AccessTokenTTL(),
		APISecret:      cfg.APISecret,
	}, b.logger)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		RequestTimeout:      cfg.RequestTimeout(),
		RegistrationEnabled: cfg.RegistrationEnabled,
		RateLimiter:         limiter,
		TrustedProxies:      trustedProxies,
	}, api.Services{
		Accounts:       app.NewAccountService(st.Accounts()),
		BalanceChanges: app.NewBalanceChangeService(st, publisher, b.logger),
		Auth:           authService,
		Store:          st,
	}, b.logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Component(b.logger, "http").Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func newPublisher(cfg config.Config, logger *zap.Logger) rabbitmq.Publisher {
	log := logging.Component(logger, "bootstrap")
	if cfg.RabbitMQURL == "" {
		log.Info("rabbitmq not configured; using fallback publisher")
		return rabbitmq.NewFallback(logger)
	}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.BalanceEventsExchange, logger)
	if err != nil {
		log.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		return rabbitmq.NewFallback(logger)
	}
	log.Info("rabbitmq producer connected", zap.String("exchange", cfg.BalanceEventsExchange))
	return producer
}

// newRateLimiter prefers Redis and falls back to the in-process limiter.
func newRateLimiter(ctx context.Context, cfg config.Config, logger *zap.Logger) (middleware.Limiter, func()) {
	log := logging.Component(logger, "bootstrap")
	noop := func() {}

	if cfg.APIRateLimitPerMinute <= 0 {
		log.Info("api rate limiting disabled")
		return nil, noop
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return middleware.NewMemoryLimiter(cfg.APIRateLimitPerMinute), noop
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("redis url parse failed; using in-process rate limiter", zap.Error(err))
		return middleware.NewMemoryLimiter(cfg.APIRateLimitPerMinute), noop
	}
	client := redis.NewClient(redisOptions)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis ping failed; using in-process rate limiter", zap.Error(err))
		_ = client.Close()
		return middleware.NewMemoryLimiter(cfg.APIRateLimitPerMinute), noop
	}
	log.Info("redis connected")

	limiter := middleware.NewRedisLimiter(client, cfg.RedisRateLimitPrefix, "balance_change", cfg.APIRateLimitPerMinute, time.Minute)
	return limiter, func() { _ = client.Close() }
}
