package gateway

import (
	"errors"
	"fmt"

	"github.com/SkynetNext/motd-gateway/internal/protocol"
)

// Result codes reported to web callers
const (
	CodeOK                = "OK"
	CodeInvalidAuth       = "INVALID_AUTH"
	CodeIdentityRejected  = "IDENTITY_REJECTED"
	CodeUserDoesNotExist  = "USER_DOES_NOT_EXIST"
	CodeGameServerFailure = "ERROR_SRCDS_FAILURE"
)

var (
	// ErrInvalidAuth is returned when the presented token does not match
	ErrInvalidAuth = errors.New("invalid auth token")

	// ErrIdentityRejected is returned when the game process refuses set_identity
	ErrIdentityRejected = errors.New("identity rejected by game server")

	// ErrUserDoesNotExist is returned by offline authentication for unknown identities
	ErrUserDoesNotExist = errors.New("user does not exist")

	// ErrGameUnavailable is returned when the game dispatcher cannot be reached
	ErrGameUnavailable = errors.New("game server unavailable")

	// ErrActionPerformed is returned when a round is asked for a second action
	ErrActionPerformed = errors.New("round already performed its action")

	// ErrRoundClosed is returned for actions on a closed round
	ErrRoundClosed = errors.New("round closed")
)

// StatusError carries a non-OK status answered by the game dispatcher
type StatusError struct {
	Action string
	Status protocol.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered %s", e.Action, e.Status)
}

// Code maps an error returned by this package to its result code
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidAuth):
		return CodeInvalidAuth
	case errors.Is(err, ErrIdentityRejected):
		return CodeIdentityRejected
	case errors.Is(err, ErrUserDoesNotExist):
		return CodeUserDoesNotExist
	default:
		return CodeGameServerFailure
	}
}
