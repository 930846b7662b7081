package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/bridge"
	"github.com/SkynetNext/motd-gateway/internal/config"
	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/middleware"
	"github.com/SkynetNext/motd-gateway/internal/tracing"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// logPusher stands in for the host's in-game browser when running standalone
type logPusher struct{}

func (logPusher) Push(_ context.Context, id identity.ID, url string, debug bool) error {
	logger.L.Info("Page URL",
		logger.Identity(uint64(id)),
		zap.String("url", url),
		zap.Bool("debug", debug),
	)
	return nil
}

func main() {
	var configPath string
	flag.StringVarP(&configPath, "config", "c", "config/config.yaml", "Configuration file path")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize tracing (optional)
	if cfg.Tracing.Enabled {
		if err := tracing.Init("motd-game", version, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", cfg.Tracing.Endpoint))
		}
	}

	// Batch 100 access log entries or flush every 5 seconds
	middleware.InitAccessLogger(100, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := bridge.New(ctx, cfg, logPusher{}, bridge.WithConfigFile(configPath))
	if err != nil {
		logger.L.Fatal("Failed to create bridge", zap.Error(err))
	}
	if err := b.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start bridge", zap.Error(err))
	}

	logger.L.Info("MOTD game bridge started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("server_id", cfg.Server.ID),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during bridge shutdown", zap.Error(err))
	}

	middleware.ShutdownAccessLogger()

	// Shutdown tracing
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("MOTD game bridge closed")
}
