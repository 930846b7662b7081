package session

import (
	"errors"
	"fmt"
)

// Close codes delivered to data callbacks
const (
	CodeTakenOver          = "TAKEN_OVER"
	CodeSaltRefused        = "SALT_REFUSED"
	CodePlayerDisconnected = "PLAYER_DISCONNECTED"
	CodeLevelInit          = "LEVEL_INIT"
	CodeShutdown           = "SHUTDOWN"
	CodeStateLoadFailed    = "STATE_LOAD_FAILED"
)

var (
	// ErrSessionClosed is returned when an operation targets a closed session
	ErrSessionClosed = errors.New("session closed")
	// ErrSaltRefused is returned when a proposed salt is rejected or cannot be persisted
	ErrSaltRefused = errors.New("salt refused")
	// ErrInvalidOutcome is returned when an accepted retarget carries no data callback
	ErrInvalidOutcome = errors.New("invalid retarget outcome")
	// ErrNoDataCallback is returned when a page is opened without a data callback
	ErrNoDataCallback = errors.New("data callback is required")
	// ErrUnknownPlayer is returned for identities the registry does not track
	ErrUnknownPlayer = errors.New("unknown player")
	// ErrNotLoaded is returned for salt operations before persisted state is loaded
	ErrNotLoaded = errors.New("player state not loaded")
)

// Error is handed to a data callback when its session ends abnormally
type Error struct {
	Code string
}

func (e *Error) Error() string {
	return "session error: " + e.Code
}

// CallbackError wraps a failure raised by a page callback
type CallbackError struct {
	Callback string // "data" or "retarget"
	Err      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback failed: %v", e.Callback, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// CallbackPanicError records a panic recovered from a page callback
type CallbackPanicError struct {
	Value any
	Stack []byte
}

func (e *CallbackPanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}

// TakeoverError collects the notifications that failed while displacing sessions
type TakeoverError struct {
	SessionID int
	Failures  []error
}

func (e *TakeoverError) Error() string {
	return fmt.Sprintf("takeover by session %d: %d displaced session(s) failed notification: %v",
		e.SessionID, len(e.Failures), errors.Join(e.Failures...))
}

func (e *TakeoverError) Unwrap() []error {
	return e.Failures
}
