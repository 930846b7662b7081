package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/SkynetNext/motd-gateway/internal/auth"
	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/logger"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/SkynetNext/motd-gateway/internal/storage"
	"go.uber.org/zap"
)

// Player holds the sessions and persisted salt of one identity.
// Every mutation of the session set happens under mu.
type Player struct {
	id       identity.ID
	registry *Registry

	mu        sync.Mutex
	nextID    int
	sessions  map[int]*Session
	record    *storage.Record
	loaded    bool
	loadErr   error
	waiters   []func(salt string, err error)
	forgotten bool

	// saltMu serializes rotations across the persistence round-trip
	saltMu sync.Mutex
}

func newPlayer(id identity.ID, r *Registry) *Player {
	return &Player{
		id:       id,
		registry: r,
		nextID:   1,
		sessions: make(map[int]*Session),
	}
}

// ID returns the player's identity
func (p *Player) ID() identity.ID {
	return p.id
}

// OpenSession offers a new session with the next id
func (p *Player) OpenSession(data DataCallback, retarget RetargetCallback) (*Session, error) {
	if data == nil {
		return nil, ErrNoDataCallback
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.forgotten {
		return nil, ErrUnknownPlayer
	}
	s := &Session{
		id:       p.nextID,
		player:   p,
		state:    StateOffered,
		data:     data,
		retarget: retarget,
	}
	p.sessions[s.id] = s
	p.nextID++
	metrics.SessionsOpened.Inc()
	return s, nil
}

// Session returns the open session with id, or nil
func (p *Player) Session(id int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[id]
}

// SessionIDs returns the ids of open sessions in ascending order
func (p *Player) SessionIDs() []int {
	p.mu.Lock()
	ids := make([]int, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Ints(ids)
	return ids
}

// BindForTransmission activates session id and closes every sibling with
// TAKEN_OVER. It returns nil when no such open session exists. Failed
// notifications go to the registry's fault sink, never to the caller.
func (p *Player) BindForTransmission(id int) *Session {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok || s.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	s.state = StateActive

	var displaced []DataCallback
	for sid, other := range p.sessions {
		if sid == id {
			continue
		}
		if cb, open := other.closeLocked(CodeTakenOver); open {
			displaced = append(displaced, cb)
		}
	}
	p.mu.Unlock()

	var failures []error
	for _, cb := range displaced {
		if _, err := invokeData(cb, nil, &Error{Code: CodeTakenOver}); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		p.registry.fault("takeover", &TakeoverError{SessionID: id, Failures: failures})
	}
	return s
}

// CloseAll closes every open session with code and returns the joined notification failures
func (p *Player) CloseAll(code string) error {
	p.mu.Lock()
	var callbacks []DataCallback
	for _, s := range p.sessions {
		if cb, open := s.closeLocked(code); open {
			callbacks = append(callbacks, cb)
		}
	}
	p.mu.Unlock()

	if code == "" {
		return nil
	}
	var failures []error
	for _, cb := range callbacks {
		if _, err := invokeData(cb, nil, &Error{Code: code}); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("closing sessions with %s: %w", code, errors.Join(failures...))
}

// Salt returns the persisted salt and whether the load has completed
func (p *Player) Salt() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded || p.record == nil {
		return "", p.loaded
	}
	return p.record.Salt, true
}

// WhenLoaded runs fn with the salt once the persisted state has loaded,
// immediately if it already has. fn runs without the player's lock held.
func (p *Player) WhenLoaded(fn func(salt string, err error)) {
	p.mu.Lock()
	if !p.loaded {
		p.waiters = append(p.waiters, fn)
		p.mu.Unlock()
		return
	}
	salt, err := p.saltLocked()
	p.mu.Unlock()
	fn(salt, err)
}

func (p *Player) saltLocked() (string, error) {
	if p.loadErr != nil {
		return "", p.loadErr
	}
	if p.record == nil {
		return "", ErrNotLoaded
	}
	return p.record.Salt, nil
}

// finishLoad is called by the persistence worker
func (p *Player) finishLoad(rec *storage.Record, err error) {
	p.mu.Lock()
	if p.loaded {
		p.mu.Unlock()
		return
	}
	p.loaded = true
	if err != nil {
		p.loadErr = fmt.Errorf("load persisted state: %w", err)
	} else {
		p.record = rec
	}
	waiters := p.waiters
	p.waiters = nil
	salt, saltErr := p.saltLocked()
	p.mu.Unlock()

	for _, fn := range waiters {
		fn(salt, saltErr)
	}
}

// ConfirmNewSalt accepts salt as the player's next salt and persists it
// before returning. On any failure the current salt is kept and
// ErrSaltRefused is returned.
func (p *Player) ConfirmNewSalt(ctx context.Context, salt string) error {
	p.saltMu.Lock()
	defer p.saltMu.Unlock()

	p.mu.Lock()
	if !p.loaded || p.record == nil {
		p.mu.Unlock()
		metrics.SaltRotations.WithLabelValues(auth.RoleGame.String(), "not_loaded").Inc()
		return fmt.Errorf("%w: %w", ErrSaltRefused, ErrNotLoaded)
	}
	if !auth.ValidSalt(salt) || salt == p.record.Salt {
		p.mu.Unlock()
		metrics.SaltRotations.WithLabelValues(auth.RoleGame.String(), "policy").Inc()
		return fmt.Errorf("%w: rejected by policy", ErrSaltRefused)
	}
	next := p.record.Clone()
	p.mu.Unlock()

	next.Salt = salt
	if err := p.registry.persister.Save(ctx, next); err != nil {
		metrics.SaltRotations.WithLabelValues(auth.RoleGame.String(), "persist_failed").Inc()
		logger.L.Error("Failed to persist rotated salt",
			logger.Identity(uint64(p.id)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrSaltRefused, err)
	}

	p.mu.Lock()
	p.record = next
	p.mu.Unlock()
	metrics.SaltRotations.WithLabelValues(auth.RoleGame.String(), "ok").Inc()
	return nil
}

// forget detaches the player and returns pending load waiters
func (p *Player) forget() []func(string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = true
	waiters := p.waiters
	p.waiters = nil
	return waiters
}
