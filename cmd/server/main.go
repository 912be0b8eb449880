package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pivotal/paper-trading/internal/config"
	"github.com/pivotal/paper-trading/internal/events"
	"github.com/pivotal/paper-trading/internal/exposure"
	"github.com/pivotal/paper-trading/internal/identity"
	"github.com/pivotal/paper-trading/internal/metrics"
	"github.com/pivotal/paper-trading/internal/quote"
	"github.com/pivotal/paper-trading/internal/store"
	"github.com/pivotal/paper-trading/internal/trade"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis cache enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		if cfg.Database.MigrateOnStart {
			if err := store.Migrate(cfg.Database.URL); err != nil {
				slog.Error("database migration failed", "err", err)
				os.Exit(1)
			}
			slog.Info("database migrations applied")
		}

		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}
	if rdb != nil {
		st = store.NewCachedStore(st, rdb, cfg.ContractCacheTTL())
	}

	// --- Quote source ---
	var quotes quote.Source
	if cfg.Quotes.BaseURL != "" {
		opts := []quote.Option{quote.WithHTTPClient(&http.Client{Timeout: cfg.QuoteTimeout()})}
		if cfg.Quotes.APIKeyHeader != "" {
			opts = append(opts, quote.WithAPIKeyHeader(cfg.Quotes.APIKeyHeader))
		}
		quotes = quote.NewHTTPSource(cfg.Quotes.BaseURL, cfg.Quotes.APIKey, opts...)
		if rdb != nil {
			quotes = quote.NewCachedSource(quotes, rdb, cfg.QuoteCacheTTL())
		}
		slog.Info("quote provider configured", "base_url", cfg.Quotes.BaseURL)
	} else {
		slog.Warn("QUOTE_BASE_URL not set, quotes unavailable (expired options settle at zero)")
	}

	// --- Event sinks ---
	wsHub := trade.NewWSHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	cleanup = append(cleanup, stopHub)
	go wsHub.Run(hubCtx)

	publishers := events.Multi{wsHub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() { kp.Close() })
		publishers = append(publishers, kp)
		slog.Info("Kafka event stream enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Short exposure limits ---
	limiter := exposure.NewLimiter(cfg.Trading.MaxShortPerContract, cfg.Trading.MaxShortPerUnderlying)

	// --- Trade service ---
	tradeSvc := trade.NewService(st, quotes, limiter, publishers,
		trade.WithInitialBalance(cfg.InitialBalance()),
		trade.WithLocation(cfg.MarketLocation()),
		trade.WithSettlementQuoteTimeout(cfg.SettlementQuoteTimeout()),
	)
	resolver := identity.NewResolver(cfg.Auth.JWTSecret)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Email")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-trading"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the caller's ledger events.
		r.With(identity.Middleware(resolver)).Get("/ws", wsHub.HandleWS)

		// Paper-trading REST API. The WebSocket route above is long-lived
		// and stays outside the request timeout.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Mount("/paper-trading", trade.NewHandler(tradeSvc).Routes(resolver))
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-trading listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	slog.Info("shutting down paper-trading...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paper-trading stopped")
}
