package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownServer is returned when no endpoints are configured for a server ID
var ErrUnknownServer = errors.New("unknown server id")

// Router maps a game server ID to the dispatcher endpoints serving it.
// Servers with more than one endpoint are picked round-robin.
type Router struct {
	mu       sync.RWMutex
	servers  map[string][]string
	counters map[string]uint64
}

// NewRouter creates a router from a server ID -> endpoints table
func NewRouter(servers map[string][]string) *Router {
	r := &Router{counters: make(map[string]uint64)}
	r.Update(servers)
	return r
}

// Update replaces the routing table. Counters of servers that survive are kept.
func (r *Router) Update(servers map[string][]string) {
	table := make(map[string][]string, len(servers))
	for id, endpoints := range servers {
		if len(endpoints) == 0 {
			continue
		}
		table[id] = append([]string(nil), endpoints...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = table
	for id := range r.counters {
		if _, ok := table[id]; !ok {
			delete(r.counters, id)
		}
	}
}

// Route returns the endpoint to dial for serverID
func (r *Router) Route(serverID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints, ok := r.servers[serverID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	count := r.counters[serverID]
	r.counters[serverID] = count + 1
	return endpoints[count%uint64(len(endpoints))], nil
}

// Servers returns the configured server IDs in sorted order (for monitoring)
func (r *Router) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
