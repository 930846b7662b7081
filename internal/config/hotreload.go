package config

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"go.uber.org/zap"
)

// HotReloadManager manages hot reloading of configuration
type HotReloadManager struct {
	config     *Config
	mu         sync.RWMutex
	reloadFunc func(*Config) error
}

// NewHotReloadManager creates a new hot reload manager
func NewHotReloadManager(initialConfig *Config, reloadFunc func(*Config) error) *HotReloadManager {
	return &HotReloadManager{
		config:     initialConfig,
		reloadFunc: reloadFunc,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (h *HotReloadManager) GetConfig() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig validates newConfig, hands it to the reload function and keeps it
func (h *HotReloadManager) UpdateConfig(newConfig *Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Validate new configuration
	if err := validateConfig(newConfig); err != nil {
		return err
	}

	// Call reload function if provided
	if h.reloadFunc != nil {
		if err := h.reloadFunc(newConfig); err != nil {
			return err
		}
	}

	h.config = newConfig
	return nil
}

// WatchConfigFile polls configPath and applies changed configurations until ctx is done
func (h *HotReloadManager) WatchConfigFile(ctx context.Context, configPath string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			newConfig, err := Load(configPath)
			if err != nil {
				metrics.ConfigRefreshErrors.WithLabelValues("load").Inc()
				logger.L.Warn("Failed to reload configuration, keeping current",
					zap.String("path", configPath),
					zap.Error(err),
				)
				continue
			}

			if reflect.DeepEqual(newConfig, h.GetConfig()) {
				continue
			}

			if err := h.UpdateConfig(newConfig); err != nil {
				metrics.ConfigRefreshErrors.WithLabelValues("apply").Inc()
				logger.L.Warn("Rejected reloaded configuration",
					zap.String("path", configPath),
					zap.Error(err),
				)
				continue
			}
			logger.L.Info("Configuration reloaded", zap.String("path", configPath))
		}
	}
}
