// Package main is the entrypoint for the genforge API server.
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

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genforge/internal/api"
	"github.com/kiranshivaraju/genforge/internal/api/handler"
	mw "github.com/kiranshivaraju/genforge/internal/api/middleware"
	"github.com/kiranshivaraju/genforge/internal/api/response"
	"github.com/kiranshivaraju/genforge/internal/cache"
	"github.com/kiranshivaraju/genforge/internal/config"
	"github.com/kiranshivaraju/genforge/internal/credit"
	"github.com/kiranshivaraju/genforge/internal/gallery"
	"github.com/kiranshivaraju/genforge/internal/generation/provider"
	"github.com/kiranshivaraju/genforge/internal/metrics"
	"github.com/kiranshivaraju/genforge/internal/orchestrator"
	"github.com/kiranshivaraju/genforge/internal/store"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 30 * time.Second
	bootstrapKeyName = "bootstrap-admin"
)

// bootstrapOwnerID is stable across restarts so the bootstrap key always
// lands on the same owner.
var bootstrapOwnerID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("genforge:bootstrap-admin"))

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "generation_provider", cfg.Generation.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	jobCache, closeCache, err := newCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeCache()

	client, err := provider.NewClient(ctx, cfg.Generation)
	if err != nil {
		return fmt.Errorf("create generation client: %w", err)
	}
	slog.Info("generation client initialized", "provider", client.Name())

	pgStore := store.NewPostgresStore(pool)
	if err := ensureBootstrapKey(ctx, pgStore, cfg.Auth.BootstrapAdminKey); err != nil {
		return fmt.Errorf("install bootstrap key: %w", err)
	}

	ledger := credit.NewLedger(pgStore, cfg.Credits.DefaultAllowance)
	pricing := credit.NewPricing(cfg.Credits)
	recorder := gallery.NewRecorder(pgStore)
	poller := orchestrator.NewPoller(client, cfg.Poller.Interval, cfg.Poller.MaxAttempts, cfg.Generation.RequestTimeout)
	orch := orchestrator.New(pgStore, ledger, pricing, client, poller, recorder, jobCache, cfg.Generation.RequestTimeout)

	resets, err := credit.NewResetScheduler(ledger, cfg.Credits.ResetSchedule)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(jobCache, cfg.RateLimit.RequestsPerMinute),

		HealthHandler:  healthHandler(pgStore, jobCache),
		MetricsHandler: metrics.Handler(),

		SubmitJobHandler:   handler.NewSubmitJobHandler(orch),
		GetJobHandler:      handler.NewGetJobHandler(orch),
		JobProgressHandler: handler.NewJobProgressHandler(orch),
		JobActionHandler:   handler.NewJobActionHandler(orch),

		CreditsHandler:      handler.NewCreditsHandler(ledger),
		GrantCreditsHandler: handler.NewGrantCreditsHandler(ledger),

		SaveGalleryHandler: handler.NewSaveGalleryHandler(recorder),
		ListGalleryHandler: handler.NewListGalleryHandler(recorder),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return resets.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining jobs and connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stopping jobs first lets wait-mode requests answer before the
		// server stops accepting.
		if err := orch.Shutdown(shutdownCtx); err != nil {
			slog.Error("job drain incomplete", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newCache connects to Redis, or falls back to the in-process cache when no
// REDIS_URL is configured.
func newCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, func(), error) {
	if cfg.URL == "" {
		slog.Warn("REDIS_URL not set, using in-process cache; run a single instance only")
		return cache.NewMemoryCache(), func() {}, nil
	}
	rc, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return rc, func() { rc.Close() }, nil
}

// ensureBootstrapKey installs rawKey as an admin key unless it already
// authenticates.
func ensureBootstrapKey(ctx context.Context, keys store.APIKeyStore, rawKey string) error {
	if rawKey == "" {
		return nil
	}
	existing, err := keys.GetAPIKeyByPrefix(ctx, rawKey[:mw.KeyPrefixLen])
	if err != nil {
		return err
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil {
			return nil
		}
	}

	key, err := handler.NewAPIKey(bootstrapOwnerID, bootstrapKeyName, rawKey, []string{mw.ScopeGenerate, mw.ScopeAdmin})
	if err != nil {
		return err
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			slog.Warn("a different bootstrap admin key is installed; revoke it to rotate",
				"owner_id", bootstrapOwnerID)
			return nil
		}
		return err
	}
	slog.Info("bootstrap admin key installed", "owner_id", bootstrapOwnerID, "key_prefix", key.KeyPrefix)
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
