package session

import (
	"context"
	"errors"
	"sync"

	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/SkynetNext/motd-gateway/internal/storage"
	"go.uber.org/zap"
)

// Persister loads and saves auth records off the caller's goroutine.
// *storage.Worker implements it.
type Persister interface {
	LoadAsync(id identity.ID, fn func(*storage.Record, error)) error
	Save(ctx context.Context, rec *storage.Record) error
}

// FaultSink receives failures raised by page callbacks after the peer has
// been answered, and takeover notification failures
type FaultSink func(kind string, err error)

// Option configures a Registry
type Option func(*Registry)

// WithFaultSink replaces the default log-and-count sink
func WithFaultSink(sink FaultSink) Option {
	return func(r *Registry) {
		if sink != nil {
			r.faults = sink
		}
	}
}

// Registry tracks players by identity. Players are spread over shards keyed
// by identity; a shard lock only guards membership, never session state.
type Registry struct {
	persister Persister
	faults    FaultSink
	shards    [16]*playerShard
}

type playerShard struct {
	mu      sync.RWMutex
	players map[identity.ID]*Player
}

// NewRegistry creates a registry whose players persist through persister
func NewRegistry(persister Persister, opts ...Option) *Registry {
	r := &Registry{
		persister: persister,
		faults:    logFault,
	}
	for i := range r.shards {
		r.shards[i] = &playerShard{
			players: make(map[identity.ID]*Player),
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// getShard returns the shard for a given identity
func (r *Registry) getShard(id identity.ID) *playerShard {
	// Use low 4 bits for shard selection (16 shards)
	return r.shards[id&0xF]
}

// Track starts tracking id and schedules the load of its persisted state.
// Tracking an already tracked identity returns the existing player.
func (r *Registry) Track(id identity.ID) *Player {
	shard := r.getShard(id)
	shard.mu.Lock()
	if p, ok := shard.players[id]; ok {
		shard.mu.Unlock()
		return p
	}
	p := newPlayer(id, r)
	shard.players[id] = p
	shard.mu.Unlock()
	metrics.TrackedPlayers.Inc()

	if err := r.persister.LoadAsync(id, p.finishLoad); err != nil {
		p.finishLoad(nil, err)
	}
	return p
}

// Get returns the tracked player for id, or nil
func (r *Registry) Get(id identity.ID) *Player {
	shard := r.getShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.players[id]
}

// Forget stops tracking id and closes its sessions with PLAYER_DISCONNECTED
func (r *Registry) Forget(id identity.ID) error {
	shard := r.getShard(id)
	shard.mu.Lock()
	p, ok := shard.players[id]
	delete(shard.players, id)
	shard.mu.Unlock()
	if !ok {
		return nil
	}
	return r.release(p, CodePlayerDisconnected)
}

// Reset forgets every player, closing all sessions with code
func (r *Registry) Reset(code string) error {
	var players []*Player
	for _, shard := range r.shards {
		shard.mu.Lock()
		for id, p := range shard.players {
			players = append(players, p)
			delete(shard.players, id)
		}
		shard.mu.Unlock()
	}

	var errs []error
	for _, p := range players {
		if err := r.release(p, code); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) release(p *Player, code string) error {
	metrics.TrackedPlayers.Dec()
	waiters := p.forget()
	err := p.CloseAll(code)
	for _, fn := range waiters {
		fn("", ErrUnknownPlayer)
	}
	return err
}

// Count returns the number of tracked players
func (r *Registry) Count() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		total += len(shard.players)
		shard.mu.RUnlock()
	}
	return total
}

// Fault reports a callback failure that could not be returned to anyone
func (r *Registry) Fault(kind string, err error) {
	r.fault(kind, err)
}

func (r *Registry) fault(kind string, err error) {
	if err == nil {
		return
	}
	r.faults(kind, err)
}

func logFault(kind string, err error) {
	metrics.CallbackFaults.WithLabelValues(kind).Inc()
	fields := []zap.Field{zap.String("kind", kind), zap.Error(err)}
	var panicErr *CallbackPanicError
	if errors.As(err, &panicErr) {
		fields = append(fields, zap.ByteString("stack", panicErr.Stack))
	}
	logger.L.Error("Page callback fault", fields...)
}
