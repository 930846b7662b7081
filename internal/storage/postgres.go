package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS %s (
	server_id  TEXT        NOT NULL,
	steamid    TEXT        NOT NULL,
	salt       TEXT        NOT NULL DEFAULT '',
	web_salt   TEXT        NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (server_id, steamid)
)`

// PostgresStore persists records in PostgreSQL through a pgx pool
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// OpenPostgres connects to dsn and applies the schema. The store owns the pool.
func OpenPostgres(ctx context.Context, dsn string, ns Namespace) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(postgresSchema, ns.table())); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool, table: ns.table()}, nil
}

// Load implements Store
func (s *PostgresStore) Load(ctx context.Context, serverID string, id identity.ID) (rec *Record, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveStorage("postgres", "load", time.Since(start).Seconds(), ignoreNotFound(err))
	}()

	r := Record{ServerID: serverID, Identity: id}
	err = s.pool.QueryRow(ctx,
		`SELECT salt, web_salt, updated_at FROM ` + s.table + ` WHERE server_id = $1 AND steamid = $2`,
		serverID, id.String(),
	).Scan(&r.Salt, &r.WebSalt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load record: %w", err)
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// Save implements Store
func (s *PostgresStore) Save(ctx context.Context, rec *Record) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveStorage("postgres", "save", time.Since(start).Seconds(), err)
	}()

	if err := validate(rec); err != nil {
		return err
	}
	touch(rec)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ` + s.table + ` (server_id, steamid, salt, web_salt, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (server_id, steamid) DO UPDATE SET
		   salt = EXCLUDED.salt,
		   web_salt = EXCLUDED.web_salt,
		   updated_at = EXCLUDED.updated_at`,
		rec.ServerID, rec.Identity.String(), rec.Salt, rec.WebSalt, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
