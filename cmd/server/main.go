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
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capwater/waterfall-engine/internal/config"
	"github.com/capwater/waterfall-engine/internal/events"
	"github.com/capwater/waterfall-engine/internal/lock"
	"github.com/capwater/waterfall-engine/internal/metrics"
	"github.com/capwater/waterfall-engine/internal/scenario"
	"github.com/capwater/waterfall-engine/internal/store"
	"github.com/capwater/waterfall-engine/internal/waterfall"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.SQLitePath)

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: read-through cache and distributed scenario lock ---
	var locker lock.Locker = lock.NewKeyedMutex()

	rdb, err := cfg.NewRedisClient(ctx)
	switch {
	case err != nil:
		slog.Error("redis unavailable", "err", err)
		os.Exit(1)
	case rdb != nil:
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL)
		slog.Info("Redis cache and distributed lock enabled", "cache_ttl", cfg.CacheTTL.String())
	default:
		slog.Warn("REDIS_URL not set, scenario locks are local to this process")
	}

	// --- Scenario events ---
	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			slog.Warn("rabbitmq unavailable, scenario events disabled", "err", err)
		} else {
			cleanup = append(cleanup, func() { pub.Close() })
			publisher = pub
			slog.Info("publishing scenario events", "queue", events.QueueScenarioCalculated)
		}
	}

	// --- WebSocket hub ---
	wsHub := scenario.NewWSHub()
	go wsHub.Run()
	cleanup = append(cleanup, wsHub.Stop)

	// --- Scenario service ---
	engine := waterfall.New(cfg.Engine)
	svc := scenario.NewService(st, engine, locker, wsHub, publisher, scenario.Config{
		LockWait: cfg.LockWait,
		Currency: cfg.Currency,
	})
	slog.Info("waterfall engine configured",
		"funding", cfg.Engine.Funding.String(),
		"redistribute_cap_excess", cfg.Engine.RedistributeCapExcess,
		"rounding", cfg.Engine.Rounding.String(),
	)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"waterfall-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket route must not run under a request timeout.
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("waterfall-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down waterfall-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("waterfall-engine stopped")
}
