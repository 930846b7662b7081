package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/SkynetNext/motd-gateway/internal/identity"
)

const (
	// SaltLength is the number of characters in a generated salt
	SaltLength = 64

	// SecretSize is the size of the process-wide secret in bytes
	SecretSize = 32

	saltAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Role selects which salt a token was derived from
type Role int

const (
	// RoleGame tokens are issued inside the game and use the persisted per-identity salt
	RoleGame Role = 1
	// RoleWeb tokens are issued by the web process after a completed round
	RoleWeb Role = 2
)

var (
	// ErrUnknownRole is returned for an auth_method that maps to no role
	ErrUnknownRole = errors.New("unknown auth method")
	// ErrBadSecret is returned when the secret has the wrong size
	ErrBadSecret = errors.New("invalid secret")
)

// ParseRole maps the auth_method URL field to a Role
func ParseRole(method int) (Role, error) {
	switch Role(method) {
	case RoleGame, RoleWeb:
		return Role(method), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownRole, method)
	}
}

// AuthMethod returns the numeric tag carried in URLs
func (r Role) AuthMethod() int {
	return int(r)
}

func (r Role) String() string {
	switch r {
	case RoleGame:
		return "game"
	case RoleWeb:
		return "web"
	default:
		return "unknown"
	}
}

// Scope names the page a token was issued for
type Scope struct {
	ServerID string
	PluginID string
	PageID   string
}

// Engine derives and verifies tokens. It is safe for concurrent use.
type Engine struct {
	secret []byte
}

// NewEngine creates an engine bound to secret
func NewEngine(secret []byte) (*Engine, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: %d bytes (want %d)", ErrBadSecret, len(secret), SecretSize)
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Engine{secret: s}, nil
}

// ComputeToken returns the hex SHA-512 digest of
// salt, server id, plugin id, identity, page id, session id and the secret.
func (e *Engine) ComputeToken(salt string, id identity.ID, scope Scope, sessionID int) string {
	h := sha512.New()
	h.Write([]byte(salt))
	h.Write([]byte(scope.ServerID))
	h.Write([]byte(scope.PluginID))
	h.Write([]byte(id.String()))
	h.Write([]byte(scope.PageID))
	h.Write([]byte(strconv.Itoa(sessionID)))
	h.Write(e.secret)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether candidate is the token for the given inputs
func (e *Engine) Verify(candidate, salt string, id identity.ID, scope Scope, sessionID int) bool {
	expected := e.ComputeToken(salt, id, scope, sessionID)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}

// NewSalt returns SaltLength random alphanumeric characters
func NewSalt() (string, error) {
	max := big.NewInt(int64(len(saltAlphabet)))
	b := make([]byte, SaltLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
		b[i] = saltAlphabet[n.Int64()]
	}
	return string(b), nil
}

// ValidSalt reports whether s has the shape NewSalt produces
func ValidSalt(s string) bool {
	if len(s) != SaltLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
