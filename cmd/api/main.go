package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shipyard-dev/shipyard/internal/app/migrate"
	httpx "github.com/shipyard-dev/shipyard/internal/http"
	"github.com/shipyard-dev/shipyard/internal/objectstore"
	"github.com/shipyard-dev/shipyard/internal/repository/postgres"
	"github.com/shipyard-dev/shipyard/internal/service/deploy"
	"github.com/shipyard-dev/shipyard/internal/service/project"
	"github.com/shipyard-dev/shipyard/internal/service/webhook"
	"github.com/shipyard-dev/shipyard/internal/trigger"
	"github.com/shipyard-dev/shipyard/pkg/config"
	"github.com/shipyard-dev/shipyard/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	store, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		Bucket:    cfg.ArtifactBucket,
	}, log)
	if err != nil {
		log.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	scheduler := trigger.New(cfg.SchedulerURL, cfg.SchedulerToken, cfg.SchedulerTimeout, log)

	projectSvc := project.New(repo, store, log)
	deploySvc := deploy.New(repo, repo, log)
	webhookSvc := webhook.New(repo, repo, repo, nil, scheduler, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, projectSvc, deploySvc, webhookSvc, limiter, cfg.SchedulerToken, pool.Ping)
	defer router.Close()

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
