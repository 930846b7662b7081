package gateway

import (
	"fmt"

	"github.com/SkynetNext/motd-gateway/internal/config"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"go.uber.org/zap"
)

// UpdateConfig applies the web section of a reloaded configuration.
// Breaker settings only affect breakers created afterwards.
func (g *Gateway) UpdateConfig(newConfig *config.Config) error {
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	g.configMu.Lock()
	old := g.config
	g.config = newConfig.Web
	g.router.Update(mergeServers(g.config.Servers, g.discovered))
	g.configMu.Unlock()

	logger.L.Info("gateway configuration updated",
		zap.Int("servers", len(newConfig.Web.Servers)),
		zap.Duration("old_request_timeout", old.RequestTimeout),
		zap.Duration("new_request_timeout", newConfig.Web.RequestTimeout),
		zap.Int("max_retries", newConfig.Web.MaxRetries),
	)
	return nil
}

// SetDiscovered replaces the endpoints learned from service discovery.
// Statically configured server IDs keep their configured endpoints.
func (g *Gateway) SetDiscovered(servers map[string][]string) {
	g.configMu.Lock()
	defer g.configMu.Unlock()
	g.discovered = servers
	g.router.Update(mergeServers(g.config.Servers, g.discovered))
	logger.L.Debug("discovered dispatchers updated", zap.Int("servers", len(servers)))
}

func mergeServers(static, discovered map[string][]string) map[string][]string {
	merged := make(map[string][]string, len(static)+len(discovered))
	for id, endpoints := range discovered {
		merged[id] = endpoints
	}
	for id, endpoints := range static {
		merged[id] = endpoints
	}
	return merged
}

// GetConfig returns the current web configuration (thread-safe)
func (g *Gateway) GetConfig() config.WebConfig {
	g.configMu.RLock()
	defer g.configMu.RUnlock()
	return g.config
}
