package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second

	upsertMaxAttempts = 32
)

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each user as a JSON document under prefix+"user:"+id.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisClient builds and pings a Redis client.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  DefaultRedisDialTimeout,
		ReadTimeout:  DefaultRedisReadTimeout,
		WriteTimeout: DefaultRedisWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStore wraps a pre-configured client. Tests pass a miniredis-backed client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *RedisStore) userKey(id string) string {
	return s.keyPrefix + "user:" + id
}

// UpsertUser writes the user inside an optimistic WATCH transaction so
// concurrent upserts of the same subject never interleave.
func (s *RedisStore) UpsertUser(ctx context.Context, attrs UserAttributes) (*User, error) {
	if attrs.ID == "" {
		return nil, errors.New("user id required")
	}
	key := s.userKey(attrs.ID)

	var stored User
	txf := func(tx *redis.Tx) error {
		now := s.now().UTC()
		stored = User{UserAttributes: attrs.mergeInto(UserAttributes{}), CreatedAt: now, UpdatedAt: now}

		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing User
			if err := json.Unmarshal(raw, &existing); err == nil {
				stored.UserAttributes = attrs.mergeInto(existing.UserAttributes)
				stored.CreatedAt = existing.CreatedAt
			}
		}

		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < upsertMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return &stored, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("upsert user %s: %w", attrs.ID, err)
	}
	return nil, fmt.Errorf("upsert user %s: too much contention", attrs.ID)
}

// GetUser loads a user by subject id.
func (s *RedisStore) GetUser(ctx context.Context, id string) (*User, error) {
	raw, err := s.client.Get(ctx, s.userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &user, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
