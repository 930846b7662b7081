// Package consul discovers game dispatchers registered in Consul. Each
// instance carries the server ID it serves in its service meta.
package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/logger"
	"go.uber.org/zap"
)

// MetaServerID is the service meta key naming the server an instance serves
const MetaServerID = "server_id"

// ServiceEntry represents a service instance from Consul
type ServiceEntry struct {
	Address string
	Port    int
	Meta    map[string]string
}

// Endpoint returns the dialable host:port of the instance
func (e ServiceEntry) Endpoint() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Discovery manages Consul service discovery
type Discovery struct {
	consulAddress   string
	httpClient      *http.Client
	refreshInterval time.Duration
}

// NewDiscovery creates a new Consul service discovery instance
func NewDiscovery(consulAddress string, refreshInterval time.Duration) *Discovery {
	return &Discovery{
		consulAddress: consulAddress,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		refreshInterval: refreshInterval,
	}
}

// DiscoverServices queries Consul for passing instances of serviceName.
// Returns a map of server_id -> endpoints, each list sorted.
func (d *Discovery) DiscoverServices(ctx context.Context, serviceName string) (map[string][]string, error) {
	// Query Consul health API: /v1/health/service/{service}?passing
	u := fmt.Sprintf("%s/v1/health/service/%s?passing=true", d.consulAddress, url.PathEscape(serviceName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query Consul: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("consul API returned status %d: %s", resp.StatusCode, string(body))
	}

	var entries []struct {
		Node struct {
			Address string `json:"Address"`
		} `json:"Node"`
		Service struct {
			Address string            `json:"Address"`
			Port    int               `json:"Port"`
			Meta    map[string]string `json:"Meta"`
		} `json:"Service"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	result := make(map[string][]string)
	for _, entry := range entries {
		serverID := entry.Service.Meta[MetaServerID]
		if serverID == "" {
			logger.L.Warn("dispatcher instance without server_id meta",
				zap.String("service", serviceName),
				zap.String("address", entry.Service.Address),
				zap.Int("port", entry.Service.Port))
			continue
		}

		// Consul leaves the service address empty when it equals the node's
		addr := entry.Service.Address
		if addr == "" {
			addr = entry.Node.Address
		}
		se := ServiceEntry{Address: addr, Port: entry.Service.Port, Meta: entry.Service.Meta}
		result[serverID] = append(result[serverID], se.Endpoint())
	}
	for _, endpoints := range result {
		sort.Strings(endpoints)
	}

	return result, nil
}

// StartRefreshLoop starts a background goroutine that periodically refreshes service discovery
// and calls the callback with updated services until ctx is done
func (d *Discovery) StartRefreshLoop(ctx context.Context, serviceName string, callback func(map[string][]string)) {
	go func() {
		ticker := time.NewTicker(d.refreshInterval)
		defer ticker.Stop()

		// Initial discovery
		services, err := d.DiscoverServices(ctx, serviceName)
		if err != nil {
			logger.L.Error("initial Consul service discovery failed",
				zap.String("service", serviceName),
				zap.Error(err))
		} else {
			callback(services)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				services, err := d.DiscoverServices(ctx, serviceName)
				if err != nil {
					// Keep the last known endpoints
					logger.L.Error("Consul service discovery failed",
						zap.String("service", serviceName),
						zap.Error(err))
					continue
				}

				callback(services)
			}
		}
	}()
}
