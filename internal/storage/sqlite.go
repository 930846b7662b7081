package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS %s (
	server_id  TEXT    NOT NULL,
	steamid    TEXT    NOT NULL,
	salt       TEXT    NOT NULL DEFAULT '',
	web_salt   TEXT    NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (server_id, steamid)
)`

// SQLiteStore persists records in a SQLite database
type SQLiteStore struct {
	sqlDB *sql.DB
	table string
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema
func OpenSQLite(path string, ns Namespace) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(fmt.Sprintf(sqliteSchema, ns.table())); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, table: ns.table()}, nil
}

// Load implements Store
func (s *SQLiteStore) Load(ctx context.Context, serverID string, id identity.ID) (rec *Record, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveStorage("sqlite", "load", time.Since(start).Seconds(), ignoreNotFound(err))
	}()

	var (
		salt, webSalt string
		updatedAt     int64
	)
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT salt, web_salt, updated_at FROM ` + s.table + ` WHERE server_id = ? AND steamid = ?`,
		serverID, id.String(),
	)
	if err := row.Scan(&salt, &webSalt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load record: %w", err)
	}
	return &Record{
		ServerID:  serverID,
		Identity:  id,
		Salt:      salt,
		WebSalt:   webSalt,
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

// Save implements Store
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveStorage("sqlite", "save", time.Since(start).Seconds(), err)
	}()

	if err := validate(rec); err != nil {
		return err
	}
	touch(rec)
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO ` + s.table + ` (server_id, steamid, salt, web_salt, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(server_id, steamid) DO UPDATE SET
		   salt = excluded.salt,
		   web_salt = excluded.web_salt,
		   updated_at = excluded.updated_at`,
		rec.ServerID, rec.Identity.String(), rec.Salt, rec.WebSalt, rec.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Close closes the SQLite handle
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
