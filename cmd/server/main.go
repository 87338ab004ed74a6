package main

import (
	"context"
	"errors"
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
	"github.com/rs/cors"

	"github.com/upfolio/portfolio-engine/internal/config"
	"github.com/upfolio/portfolio-engine/internal/dashboard"
	"github.com/upfolio/portfolio-engine/internal/metrics"
	"github.com/upfolio/portfolio-engine/internal/portfolio"
	"github.com/upfolio/portfolio-engine/internal/store"
	"github.com/upfolio/portfolio-engine/internal/ticker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize snapshot store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("database schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (history will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price source and portfolio ---
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	source := ticker.NewClient(httpClient, cfg.TickerBaseURL, logger)
	ps := portfolio.NewStore(source, cfg.Holdings, cfg.RefreshInterval, logger)
	ps.SetFetchTimeout(cfg.RequestTimeout)

	// --- WebSocket hub ---
	wsHub := dashboard.NewWSHub(cfg.CORSOrigins...)
	go wsHub.Run()

	// --- Dashboard service ---
	dashSvc := dashboard.NewService(ps, st, wsHub, logger)
	recorderDone := make(chan struct{})
	go func() {
		dashSvc.Run()
		close(recorderDone)
	}()
	ps.OnUpdate(dashSvc.Record)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"portfolio-engine","ready":%t}`, ps.Ready())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live valuation updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Get("/portfolio", dashSvc.GetPortfolio)
		r.Post("/portfolio/refresh", dashSvc.RefreshPortfolio)
		r.Get("/portfolio/history", dashSvc.ListHistory)
		r.Get("/portfolio/history/latest", dashSvc.GetLatestSnapshot)
		r.Get("/portfolio/history/{snapshotID}", dashSvc.GetSnapshot)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-engine listening",
			"port", cfg.Port,
			"holdings", len(cfg.Holdings),
			"interval", cfg.RefreshInterval.String(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Valuation starts after the listener so /health answers during init.
	go func() {
		if err := ps.Start(ctx); err != nil && !errors.Is(err, portfolio.ErrClosed) && !errors.Is(err, context.Canceled) {
			slog.Error("portfolio start failed", "err", err)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	ps.Close()
	dashSvc.Close()
	select {
	case <-recorderDone:
	case <-shutdownCtx.Done():
		slog.Warn("snapshot recorder did not flush before shutdown")
	}
	wsHub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-engine stopped")
}
