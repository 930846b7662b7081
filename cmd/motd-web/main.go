package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/auth"
	"github.com/SkynetNext/motd-gateway/internal/config"
	"github.com/SkynetNext/motd-gateway/internal/consul"
	"github.com/SkynetNext/motd-gateway/internal/gateway"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/SkynetNext/motd-gateway/internal/middleware"
	"github.com/SkynetNext/motd-gateway/internal/storage"
	"github.com/SkynetNext/motd-gateway/internal/tracing"
	"github.com/SkynetNext/motd-gateway/internal/webapi"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

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
		if err := tracing.Init("motd-web", version, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		}
	}

	middleware.InitAccessLogger(100, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Secret shared with the game process
	secret, err := auth.LoadOrCreateSecret(cfg.Secret.Path)
	if err != nil {
		logger.L.Fatal("Failed to load secret", zap.Error(err))
	}
	engine, err := auth.NewEngine(secret)
	if err != nil {
		logger.L.Fatal("Failed to create token engine", zap.Error(err))
	}

	// 2. The web process keeps its own copy of every record
	store, err := storage.Open(ctx, cfg.Storage.DSN, storage.Options{
		Namespace: storage.NamespaceWeb,
		KeyPrefix: cfg.Storage.KeyPrefix,
	})
	if err != nil {
		logger.L.Fatal("Failed to open storage", zap.Error(err))
	}

	// 3. Gateway and HTTP surface
	gw := gateway.New(cfg.Web, engine, store)
	api, err := webapi.New(cfg.Web, gw)
	if err != nil {
		logger.L.Fatal("Failed to create web server", zap.Error(err))
	}
	if err := api.Start(); err != nil {
		logger.L.Fatal("Failed to start web server", zap.Error(err))
	}

	// 4. Dispatchers registered in Consul (optional)
	if d := cfg.Web.Discovery; d.ConsulAddress != "" {
		discovery := consul.NewDiscovery(d.ConsulAddress, d.RefreshInterval)
		discovery.StartRefreshLoop(ctx, d.Service, gw.SetDiscovered)
		logger.L.Info("Consul discovery enabled",
			zap.String("consul", d.ConsulAddress),
			zap.String("service", d.Service))
	}

	// 5. Metrics and health check server
	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, nil)
	if err := metricsServer.Start(); err != nil {
		logger.L.Fatal("Failed to start metrics server", zap.Error(err))
	}

	// 6. Configuration hot reload
	if cfg.Dispatcher.ReloadInterval > 0 {
		hotReload := config.NewHotReloadManager(cfg, api.UpdateConfig)
		go func() {
			_ = hotReload.WatchConfigFile(ctx, configPath, cfg.Dispatcher.ReloadInterval)
		}()
	}

	logger.L.Info("MOTD web gateway started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("listen_addr", api.Addr().String()),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during web server shutdown", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.L.Error("Error closing storage", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during metrics server shutdown", zap.Error(err))
	}

	middleware.ShutdownAccessLogger()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("MOTD web gateway closed")
}
