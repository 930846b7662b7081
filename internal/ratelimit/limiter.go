package ratelimit

import (
	"sync/atomic"
)

// Limiter caps the number of concurrently running connection handlers
type Limiter struct {
	maxConns atomic.Int64
	current  atomic.Int64
}

// NewLimiter creates a new limiter allowing maxConns concurrent handlers
func NewLimiter(maxConns int64) *Limiter {
	l := &Limiter{}
	l.maxConns.Store(maxConns)
	return l
}

// Allow reserves a slot; callers that get true must Release it
func (l *Limiter) Allow() bool {
	for {
		current := l.current.Load()
		if current >= l.maxConns.Load() {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release releases a slot
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// SetMax changes the cap. Handlers already running are not affected.
func (l *Limiter) SetMax(maxConns int64) {
	l.maxConns.Store(maxConns)
}

// Current returns the number of reserved slots
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// Max returns the maximum allowed handlers
func (l *Limiter) Max() int64 {
	return l.maxConns.Load()
}
