package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loveace/acelink/pkg/session"
)

// RedisStore keeps snapshots as JSON strings with a TTL.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps rdb. Keys are stored as prefix + ":" + key. A ttl
// <= 0 keeps snapshots until deleted.
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "acelink:snapshot"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewRedisStore(rdb, "", ttl), nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Save(ctx context.Context, key string, snap session.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (session.Snapshot, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decode(data)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
