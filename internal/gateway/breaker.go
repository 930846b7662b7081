package gateway

import (
	"github.com/SkynetNext/motd-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"go.uber.org/zap"
)

// getOrCreateBreaker gets or creates a circuit breaker for a dispatcher address
func (g *Gateway) getOrCreateBreaker(backendAddr string) *circuitbreaker.Breaker {
	g.breakerMu.RLock()
	breaker, ok := g.circuitBreakers[backendAddr]
	g.breakerMu.RUnlock()
	if ok {
		return breaker
	}

	g.breakerMu.Lock()
	defer g.breakerMu.Unlock()

	// Double-check
	if breaker, ok = g.circuitBreakers[backendAddr]; ok {
		return breaker
	}

	cfg := g.GetConfig()
	breaker = circuitbreaker.NewBreaker(circuitbreaker.Settings{
		Name:             backendAddr,
		MaxFailures:      cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		OnStateChange:    onBreakerStateChange,
	})
	g.circuitBreakers[backendAddr] = breaker
	metrics.CircuitBreakerState.WithLabelValues(backendAddr).Set(float64(breaker.State()))
	return breaker
}

func onBreakerStateChange(name string, from, to circuitbreaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	logger.L.Warn("circuit breaker state changed",
		zap.String("backend", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
