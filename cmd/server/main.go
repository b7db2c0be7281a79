// Waitgate - virtual waiting room for high-demand ticket sales
package main

import (
	"context"
	"os"

	"github.com/waitgate/waitgate/internal/config"
	"github.com/waitgate/waitgate/internal/logging"
	"github.com/waitgate/waitgate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting waitgate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"batch_size", cfg.QueueBatchSize,
		"admit_interval_s", cfg.AdmitIntervalSeconds,
		"pow_difficulty", cfg.PoWDifficulty,
	)

	srv, err := server.New(cfg,
		server.WithLogger(logger),
		server.WithBuildInfo(server.BuildInfo{
			Version:   Version,
			Commit:    Commit,
			BuildTime: BuildTime,
		}),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
