package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/launchkit-dev/launchkit/internal/app/migrate"
	"github.com/launchkit-dev/launchkit/internal/connections"
	httpx "github.com/launchkit-dev/launchkit/internal/http"
	"github.com/launchkit-dev/launchkit/internal/oauth"
	"github.com/launchkit-dev/launchkit/internal/orchestrator"
	"github.com/launchkit-dev/launchkit/internal/platform"
	"github.com/launchkit-dev/launchkit/internal/platform/netlify"
	"github.com/launchkit-dev/launchkit/internal/platform/railway"
	"github.com/launchkit-dev/launchkit/internal/platform/vercel"
	"github.com/launchkit-dev/launchkit/internal/ratelimit"
	"github.com/launchkit-dev/launchkit/internal/repository/postgres"
	"github.com/launchkit-dev/launchkit/internal/scaffold"
	"github.com/launchkit-dev/launchkit/internal/stream"
	"github.com/launchkit-dev/launchkit/internal/vault"
	"github.com/launchkit-dev/launchkit/pkg/config"
	"github.com/launchkit-dev/launchkit/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vaultKey, err := hex.DecodeString(strings.TrimSpace(cfg.VaultKeyHex))
	if err != nil {
		log.Error("VAULT_KEY is not valid hex", "error", err)
		os.Exit(1)
	}
	tokenVault, err := vault.New(vaultKey)
	if err != nil {
		log.Error("token vault init failed", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	var store ratelimit.CounterStore = ratelimit.NewMemoryStore()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisStore, err := ratelimit.NewRedisStore(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB)
		if err != nil {
			log.Warn("redis rate limit store unavailable, using memory", "error", err)
		} else {
			store = redisStore
		}
	}
	limiter := ratelimit.New(store, cfg.RateLimitMax, cfg.RateLimitWindow, log)
	defer limiter.Close()

	states := oauth.NewStateManager(cfg.SessionSecret)

	// The registry and the connections service reference each other:
	// adapters pull tokens through the service, the service dispatches OAuth
	// calls to adapters. The credential source is wired first.
	conns := connections.New(repo, tokenVault, nil, states, log)
	registry := platform.NewRegistry(
		vercel.New(vercel.Config{
			ClientID:     cfg.Vercel.ClientID,
			ClientSecret: cfg.Vercel.ClientSecret,
			RedirectURI:  cfg.Vercel.RedirectURI,
		}, conns, log),
		netlify.New(netlify.Config{
			ClientID:     cfg.Netlify.ClientID,
			ClientSecret: cfg.Netlify.ClientSecret,
			RedirectURI:  cfg.Netlify.RedirectURI,
		}, conns, log),
		railway.New(railway.Config{
			ClientID:     cfg.Railway.ClientID,
			ClientSecret: cfg.Railway.ClientSecret,
			RedirectURI:  cfg.Railway.RedirectURI,
		}, conns, log),
	)
	conns.SetRegistry(registry)

	var files orchestrator.FileSource = scaffold.Static{}
	if cfg.ScaffoldURL != "" {
		client, err := scaffold.NewClient(cfg.ScaffoldURL)
		if err != nil {
			log.Error("scaffold service misconfigured", "error", err)
			os.Exit(1)
		}
		files = client
	}

	hub := stream.NewHub(log)
	defer hub.Close()

	orch := orchestrator.New(repo, registry, limiter, files, hub, cfg.DeployTimeout, log)
	defer orch.Close()
	if err := orch.ReapStale(ctx, cfg.StaleDeployAfter); err != nil {
		log.Warn("stale deployment sweep failed", "error", err)
	}

	router := httpx.NewRouter(log, conns, orch, hub, cfg.SessionSecret, pool.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
