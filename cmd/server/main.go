// Riskgate - risk scoring and velocity limiting for payment platforms
package main

import (
	"context"
	"os"

	"github.com/perimetra/riskgate/internal/config"
	"github.com/perimetra/riskgate/internal/logging"
	"github.com/perimetra/riskgate/internal/server"
	"github.com/perimetra/riskgate/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration first: the logger's level and format come from it.
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "json")
	logger.Info("starting riskgate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"fail_open", cfg.FailOpen,
	)

	ctx := context.Background()

	// Tracing (no-op without OTLP_ENDPOINT)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
