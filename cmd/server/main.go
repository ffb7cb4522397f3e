// Sentinel - real-time card transaction fraud decisions
package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vndev/sentinel/internal/config"
	"github.com/vndev/sentinel/internal/logging"
	"github.com/vndev/sentinel/internal/server"
	"github.com/vndev/sentinel/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is known
	logger := logging.New("info", "text")

	logger.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormatOrDefault())
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"redis", cfg.UsesRedis(),
		"velocity_limit", cfg.VelocityLimit,
		"velocity_window", cfg.VelocityWindow.String(),
		"geo_max_speed_kmh", cfg.GeoMaxSpeedKmh,
		"kafka", cfg.KafkaBrokers != "",
	)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

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
