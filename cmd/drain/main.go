package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shipyard-dev/shipyard/internal/analytics"
	"github.com/shipyard-dev/shipyard/internal/drain"
	"github.com/shipyard-dev/shipyard/internal/logstream"
	"github.com/shipyard-dev/shipyard/pkg/config"
	"github.com/shipyard-dev/shipyard/pkg/logger"
)

func main() {
	cfg := config.LoadDrainConfig()
	log := logger.New("drain", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := analytics.New(ctx, analytics.Config{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUser,
		Password: cfg.ClickHousePass,
	}, log)
	if err != nil {
		log.Error("analytics store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("analytics schema init failed", "error", err)
		os.Exit(1)
	}

	reader := logstream.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, cfg.HeartbeatInterval)
	defer reader.Close()

	svc := drain.New(reader, store, log, cfg.DeploymentID, cfg.DrainTimeout)

	log.Info("drain starting",
		"topic", cfg.KafkaTopic,
		"group_id", cfg.KafkaGroupID,
		"deployment_id", cfg.DeploymentID,
		"timeout", cfg.DrainTimeout)

	switch err := svc.Run(ctx); {
	case err == nil:
		log.Info("drain complete")
	case errors.Is(err, drain.ErrTimeout):
		log.Error("drain timed out before end of stream", "timeout", cfg.DrainTimeout)
		_ = reader.Close()
		_ = store.Close()
		os.Exit(1)
	case errors.Is(err, context.Canceled):
		log.Info("drain interrupted")
	default:
		log.Error("drain failed", "error", err)
		_ = reader.Close()
		_ = store.Close()
		os.Exit(1)
	}
}
