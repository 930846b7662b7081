package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	fieldSalt      = "salt"
	fieldWebSalt   = "web_salt"
	fieldUpdatedAt = "updated_at"
)

// RedisStore keeps one hash per record under prefix + "user:{server_id}:{steamid}"
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects using a redis:// URL
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	s := NewRedisStore(redis.NewClient(opts), prefix)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return s, nil
}

// NewRedisStore wraps an existing client. The store owns the client.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Ping checks Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (s *RedisStore) key(serverID string, id identity.ID) string {
	return s.prefix + "user:" + serverID + ":" + id.String()
}

// Load implements Store
func (s *RedisStore) Load(ctx context.Context, serverID string, id identity.ID) (rec *Record, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveStorage("redis", "load", time.Since(start).Seconds(), ignoreNotFound(err))
	}()

	data, err := s.rdb.HGetAll(ctx, s.key(serverID, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}

	r := &Record{
		ServerID: serverID,
		Identity: id,
		Salt:     data[fieldSalt],
		WebSalt:  data[fieldWebSalt],
	}
	if ms, err := strconv.ParseInt(data[fieldUpdatedAt], 10, 64); err == nil {
		r.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return r, nil
}

// Save implements Store
func (s *RedisStore) Save(ctx context.Context, rec *Record) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveStorage("redis", "save", time.Since(start).Seconds(), err)
	}()

	if err := validate(rec); err != nil {
		return err
	}
	touch(rec)
	err = s.rdb.HSet(ctx, s.key(rec.ServerID, rec.Identity),
		fieldSalt, rec.Salt,
		fieldWebSalt, rec.WebSalt,
		fieldUpdatedAt, strconv.FormatInt(rec.UpdatedAt.UTC().UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	err := s.rdb.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
