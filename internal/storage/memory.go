package storage

import (
	"context"
	"sync"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
)

type recordKey struct {
	serverID string
	id       identity.ID
}

// MemoryStore keeps records in process memory. Used for tests and ephemeral servers.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

// Load implements Store
func (s *MemoryStore) Load(ctx context.Context, serverID string, id identity.ID) (*Record, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[recordKey{serverID, id}]
	s.mu.RUnlock()
	metrics.ObserveStorage("memory", "load", time.Since(start).Seconds(), nil)
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(rec); err != nil {
		return err
	}
	touch(rec)
	s.mu.Lock()
	s.records[recordKey{rec.ServerID, rec.Identity}] = *rec
	s.mu.Unlock()
	metrics.ObserveStorage("memory", "save", time.Since(start).Seconds(), nil)
	return nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
