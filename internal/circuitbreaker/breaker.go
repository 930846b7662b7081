package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker is open")

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings configure a Breaker
type Settings struct {
	// Name identifies the guarded backend in metrics and logs
	Name string

	// Consecutive failures that open the breaker
	MaxFailures int

	// Consecutive half-open successes that close it again
	SuccessThreshold int

	// How long the breaker stays open before probing
	Timeout time.Duration

	// OnStateChange is called outside the breaker's lock
	OnStateChange func(name string, from, to State)
}

// Breaker guards calls to one game dispatcher endpoint
type Breaker struct {
	settings Settings

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	openedAt     time.Time
	halfOpenBusy bool
}

// NewBreaker creates a closed breaker
func NewBreaker(s Settings) *Breaker {
	if s.MaxFailures <= 0 {
		s.MaxFailures = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	return &Breaker{settings: s, state: StateClosed}
}

// Name returns the breaker's name
func (b *Breaker) Name() string {
	return b.settings.Name
}

// Allow reports whether a call may proceed. In half-open state only one
// probe runs at a time; callers that get true must record its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if time.Since(b.openedAt) >= b.settings.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
			b.halfOpenBusy = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.halfOpenBusy {
			b.halfOpenBusy = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenBusy = false
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.MaxFailures {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.halfOpenBusy = false
	b.successes = 0
}

// Execute runs fn if the breaker allows it and records the outcome
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}
