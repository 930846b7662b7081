package session

import (
	"github.com/SkynetNext/motd-gateway/internal/metrics"
)

// State is the lifecycle position of a session
type State int

const (
	// StateOffered: the page URL was handed to the player, no channel bound yet
	StateOffered State = iota
	// StateActive: a channel completed set_identity naming this session
	StateActive
	// StateClosed is terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "offered"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one page shown to a player. Its mutable fields are guarded by
// the owning Player's mutex; callbacks always run with that mutex released.
type Session struct {
	id     int
	player *Player

	state    State
	data     DataCallback
	retarget RetargetCallback
}

// ID returns the per-identity session id
func (s *Session) ID() int {
	return s.id
}

// Player returns the owning player
func (s *Session) Player() *Player {
	return s.player
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.player.mu.Lock()
	defer s.player.mu.Unlock()
	return s.state
}

// Closed reports whether the session has ended
func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// Close ends the session. A non-empty code is delivered to the data callback
// as a *Error and the callback's failure, if any, is returned.
// Closing an already closed session does nothing.
func (s *Session) Close(code string) error {
	p := s.player
	p.mu.Lock()
	cb, ok := s.closeLocked(code)
	p.mu.Unlock()
	if !ok || code == "" {
		return nil
	}
	_, err := invokeData(cb, nil, &Error{Code: code})
	return err
}

// closeLocked marks the session closed and detaches it from its player.
// It returns the callback to notify and whether the session was open.
func (s *Session) closeLocked(code string) (DataCallback, bool) {
	if s.state == StateClosed {
		return nil, false
	}
	s.state = StateClosed
	delete(s.player.sessions, s.id)

	label := code
	if label == "" {
		label = "completed"
	}
	metrics.SessionsClosed.WithLabelValues(label).Inc()
	return s.data, true
}

// Receive hands data to the data callback and returns its answer
func (s *Session) Receive(data map[string]any) (any, error) {
	s.player.mu.Lock()
	if s.state == StateClosed {
		s.player.mu.Unlock()
		return nil, ErrSessionClosed
	}
	cb := s.data
	s.player.mu.Unlock()

	return invokeData(cb, data, nil)
}

// RequestRetargeting asks the retarget callback whether the session may move
// to newPageID. Sessions without a retarget callback always refuse.
func (s *Session) RequestRetargeting(newPageID string) (RetargetOutcome, error) {
	s.player.mu.Lock()
	if s.state == StateClosed {
		s.player.mu.Unlock()
		return Refuse(), ErrSessionClosed
	}
	cb := s.retarget
	s.player.mu.Unlock()

	if cb == nil {
		return Refuse(), nil
	}
	return invokeRetarget(cb, newPageID)
}

// ApplyRetarget swaps in the callbacks of an accepted outcome
func (s *Session) ApplyRetarget(o RetargetOutcome) error {
	if !o.Valid() {
		return ErrInvalidOutcome
	}
	s.player.mu.Lock()
	defer s.player.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.data = o.data
	s.retarget = o.retarget
	return nil
}
