package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shipyard-dev/shipyard/internal/builder"
	"github.com/shipyard-dev/shipyard/internal/logstream"
	"github.com/shipyard-dev/shipyard/internal/objectstore"
	"github.com/shipyard-dev/shipyard/internal/workspace"
	"github.com/shipyard-dev/shipyard/pkg/config"
	"github.com/shipyard-dev/shipyard/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", slog.LevelInfo)

	if cfg.ProjectID == "" || cfg.DeploymentID == "" {
		log.Error("PROJECT_ID and DEPLOYMENT_ID are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BuildTimeout)
		defer cancel()
	}

	manager, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("workspace init failed", "error", err, "root", cfg.WorkspaceRoot)
		os.Exit(1)
	}
	dir, err := manager.Resolve(cfg.DeploymentID)
	if err != nil {
		log.Error("workspace missing, source tree not populated", "error", err, "deployment_id", cfg.DeploymentID)
		os.Exit(1)
	}
	workdir := filepath.Join(dir, cfg.RootDir)

	publisher := logstream.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.ProjectID, cfg.DeploymentID, log)

	store, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		Bucket:    cfg.ArtifactBucket,
	}, log)
	if err != nil {
		log.Error("object store init failed", "error", err)
		_ = publisher.Close()
		os.Exit(1)
	}

	runner := builder.New(publisher, store, log, cfg, workdir, nil)
	runErr := runner.Run(ctx)

	if dropped := publisher.Dropped(); dropped > 0 {
		log.Warn("log lines dropped during build", "deployment_id", cfg.DeploymentID, "dropped", dropped)
	}
	if err := publisher.Close(); err != nil {
		log.Warn("log publisher close failed", "error", err)
	}

	if runErr != nil {
		log.Error("build failed", "deployment_id", cfg.DeploymentID, "error", runErr)
		os.Exit(1)
	}
	log.Info("build complete", "deployment_id", cfg.DeploymentID)
}
