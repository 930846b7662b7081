// Package storage persists the per-identity salts shared by the game and web
// processes. Backends are selected by DSN scheme.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/identity"
)

var (
	// ErrNotFound is returned by Load when no record exists
	ErrNotFound = errors.New("record not found")
	// ErrUnsupportedDSN is returned by Open for an unknown scheme
	ErrUnsupportedDSN = errors.New("unsupported storage dsn")
)

// Record is the durable auth state of one identity on one server.
// The game process reads and writes Salt; the web process also owns WebSalt.
type Record struct {
	ServerID  string
	Identity  identity.ID
	Salt      string
	WebSalt   string
	UpdatedAt time.Time
}

// Clone returns a copy of r
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Store is a record store. Implementations are safe for concurrent use.
type Store interface {
	// Load returns the record or ErrNotFound
	Load(ctx context.Context, serverID string, id identity.ID) (*Record, error)
	// Save inserts or replaces the record
	Save(ctx context.Context, rec *Record) error
	// Close releases the backend
	Close() error
}

// Namespace separates the game process's records from the web process's.
// Each process rotates its own copy of the salt, so they never share rows.
type Namespace string

const (
	NamespaceGame Namespace = "game"
	NamespaceWeb  Namespace = "web"
)

func (n Namespace) table() string {
	return "motd_" + string(n) + "_users"
}

// Options tune backend-specific behavior
type Options struct {
	// Namespace selects the table or key space; defaults to NamespaceGame
	Namespace Namespace

	// KeyPrefix namespaces Redis keys
	KeyPrefix string
}

// Open connects to the backend named by dsn
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, dsn)
	}
	switch opts.Namespace {
	case "":
		opts.Namespace = NamespaceGame
	case NamespaceGame, NamespaceWeb:
	default:
		return nil, fmt.Errorf("unknown storage namespace %q", opts.Namespace)
	}
	switch scheme {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "file":
		return OpenSQLite(rest, opts.Namespace)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn, opts.Namespace)
	case "redis", "rediss":
		return OpenRedis(ctx, dsn, opts.KeyPrefix+string(opts.Namespace)+":")
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
	}
}

// LoadOrCreate loads the record, creating and saving an empty one if missing
func LoadOrCreate(ctx context.Context, s Store, serverID string, id identity.ID) (*Record, error) {
	rec, err := s.Load(ctx, serverID, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	rec = &Record{ServerID: serverID, Identity: id, UpdatedAt: time.Now().UTC()}
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func validate(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	if strings.TrimSpace(rec.ServerID) == "" {
		return fmt.Errorf("server id is required")
	}
	if rec.Identity == 0 {
		return fmt.Errorf("identity is required")
	}
	return nil
}

func touch(rec *Record) {
	rec.UpdatedAt = time.Now().UTC()
}
