/**
 * @description
 * This file sets up the HTTP router for the balance-service using the `chi`
 * routing library. It defines all the API routes and applies the middleware
 * stack: request ids, access logging, panic recovery, timeouts, CORS and
 * Prometheus instrumentation.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: The routing library.
 * - github.com/go-chi/cors: CORS handling.
 * - The service's internal packages for handlers, metrics and middleware.
 */
package api

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/balancetracker/balance-service/internal/app"
	"github.com/balancetracker/balance-service/internal/metrics"
	"github.com/balancetracker/balance-service/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups the use cases served over HTTP.
type Services struct {
	Accounts       *app.AccountService
	BalanceChanges *app.BalanceChangeService
	Auth           *app.AuthService
	Store          Pinger
}

// RouterConfig holds the transport settings of the router.
type RouterConfig struct {
	RequestTimeout      time.Duration
	RegistrationEnabled bool
	// RateLimiter guards the machine endpoint; nil disables limiting.
	RateLimiter middleware.Limiter
	// TrustedProxies may set X-Forwarded-For for the rate limit key.
	TrustedProxies []netip.Prefix
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(cfg RouterConfig, services Services, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	httpLogger := logger.With(zap.String("component", "http"))

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(accessLog(httpLogger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.StripSlashes)
	r.Use(metrics.InstrumentHandler)
	r.Use(chimw.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Range"},
		MaxAge:         300, // Maximum value not ignored by any major browsers
	}))

	errs := &errorWriter{logger: httpLogger}
	health := &HealthHandler{store: services.Store}

	r.Get("/liveness", health.Liveness)
	r.Get("/readiness", health.Readiness)
	r.Handle("/metrics", metrics.Handler())

	authHandler := NewAuthHandler(services.Auth, errs)
	accountHandler := NewAccountHandler(services.Accounts, errs)
	balanceChangeHandler := NewBalanceChangeHandler(services.BalanceChanges, errs)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			if cfg.RegistrationEnabled {
				r.Post("/register", authHandler.Register)
			}
		})

		// Dashboard routes require a user token
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(services.Auth, errs.Respond))

			r.Get("/accounts", accountHandler.ListAccounts)
			r.Get("/accounts/{id}", accountHandler.GetAccount)
			r.Get("/balance_change/{account_id}", balanceChangeHandler.ListBalanceChanges)
		})

		// Machine routes require the API key
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyMiddleware(services.Auth, errs.Respond))
			if cfg.RateLimiter != nil {
				r.Use(middleware.RateLimitMiddleware(cfg.RateLimiter, middleware.ClientIP(cfg.TrustedProxies), httpLogger))
			}

			r.Post("/balance_change", balanceChangeHandler.RecordBalanceChange)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r
}

// accessLog logs one line per request after it completes.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", chimw.GetReqID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
