package main

import (
	"context"
	"flag"
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

	"github.com/predik/market-gateway/internal/authn"
	"github.com/predik/market-gateway/internal/backend"
	"github.com/predik/market-gateway/internal/config"
	"github.com/predik/market-gateway/internal/gateway"
	"github.com/predik/market-gateway/internal/metrics"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize backend ---
	var be backend.Backend
	var cleanup []func()

	if dbURL := cfg.Backend.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		be = backend.NewPostgresBackend(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Backend.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			be = backend.NewCachedBackend(be, rdb, cfg.CacheTTL())
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL())
		}
	} else {
		slog.Warn("database_url not set, using in-memory backend (data will not persist)")
		be = backend.NewMemoryBackend()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Identity provider + session synchronizer ---
	var provider authn.Provider
	if cfg.Auth.BaseURL != "" {
		hp := authn.NewHTTPProvider(authn.HTTPProviderOptions{
			BaseURL:      cfg.Auth.BaseURL,
			APIKey:       cfg.Auth.APIKey,
			SiteURL:      cfg.Server.SiteURL,
			PollInterval: cfg.AuthPollInterval(),
			RequestRate:  cfg.Auth.RequestsPerSecond,
		})
		go hp.Run(ctx)
		cleanup = append(cleanup, hp.Close)
		provider = hp
		slog.Info("identity service configured", "base_url", cfg.Auth.BaseURL)
	} else {
		slog.Warn("auth base_url not set, sign-in disabled")
		provider = authn.NewStaticProvider(nil)
	}

	auth := authn.NewSynchronizer(provider, be)
	go auth.Run(ctx)

	// --- Snapshot fetchers ---
	fetchers := gateway.NewFetchers(be)
	fetchers.Markets.SetTimeout(cfg.FetchTimeout())
	fetchers.Profile.SetTimeout(cfg.FetchTimeout())
	fetchers.Positions.SetTimeout(cfg.FetchTimeout())
	fetchers.Trades.SetTimeout(cfg.FetchTimeout())
	auth.OnIdentityChange(fetchers.Profile.SetIdentity)
	auth.OnIdentityChange(fetchers.Positions.SetIdentity)
	auth.OnIdentityChange(fetchers.Trades.SetIdentity)

	// The shared markets snapshot refreshes on a timer too: prices moved
	// by other instances or backend jobs must reach the listing and the
	// price feed, not only this instance's own trades.
	fetchers.Markets.Refetch()
	fetchers.Markets.AutoRefresh(ctx, cfg.MarketsRefresh())

	// --- WebSocket hub ---
	wsHub := gateway.NewWSHub()
	go wsHub.Run()

	// --- Gateway service ---
	svc := gateway.NewService(be, auth, fetchers, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-gateway"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-gateway listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down market-gateway...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-gateway stopped")
}
