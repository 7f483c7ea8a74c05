package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "scangate:first_contact_grants"

var errRedisBackend = errors.New("grant store backend unavailable")

// RedisStore implements GrantStore as a single Redis hash of user ID to
// grant time in unix milliseconds.
type RedisStore struct {
	redis *redis.Client
	key   string
}

var _ GrantStore = (*RedisStore)(nil)

// NewRedis wraps an existing client. An empty key selects the default hash name.
func NewRedis(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{redis: client, key: key}
}

// Load returns every persisted grant.
func (s *RedisStore) Load(ctx context.Context) ([]domain.GrantRecord, error) {
	values, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRedisBackend, err)
	}
	records := make([]domain.GrantRecord, 0, len(values))
	for userID, raw := range values {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode grant %s: %w", userID, err)
		}
		records = append(records, domain.GrantRecord{UserID: userID, GrantedAt: time.UnixMilli(ms)})
	}
	return records, nil
}

// Save replaces the hash atomically with MULTI/EXEC.
func (s *RedisStore) Save(ctx context.Context, records []domain.GrantRecord) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(records) == 0 {
			return nil
		}
		fields := make([]any, 0, len(records)*2)
		for _, rec := range records {
			fields = append(fields, rec.UserID, strconv.FormatInt(rec.GrantedAt.UnixMilli(), 10))
		}
		pipe.HSet(ctx, s.key, fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errRedisBackend, err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
