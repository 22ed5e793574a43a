package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateReplayed is returned when a login state has already been consumed.
var ErrStateReplayed = errors.New("login state already used")

// ReplayLedger remembers consumed login states until they could no longer be valid.
type ReplayLedger interface {
	Consume(ctx context.Context, state string, ttl time.Duration) error
}

// MemoryReplayLedger is a process-local ledger.
type MemoryReplayLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryReplayLedger creates an empty ledger.
func NewMemoryReplayLedger() *MemoryReplayLedger {
	return &MemoryReplayLedger{seen: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryReplayLedger) Consume(_ context.Context, state string, ttl time.Duration) error {
	key := stateFingerprint(state)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, exp := range l.seen {
		if now.After(exp) {
			delete(l.seen, k)
		}
	}
	if _, ok := l.seen[key]; ok {
		return ErrStateReplayed
	}
	l.seen[key] = now.Add(ttl)
	return nil
}

// RedisReplayLedger shares consumed states across gateway instances.
type RedisReplayLedger struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisReplayLedger wraps a Redis client.
func NewRedisReplayLedger(client redis.UniversalClient, keyPrefix string) *RedisReplayLedger {
	return &RedisReplayLedger{client: client, keyPrefix: keyPrefix}
}

func (l *RedisReplayLedger) Consume(ctx context.Context, state string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+"state:"+stateFingerprint(state), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("record login state: %w", err)
	}
	if !ok {
		return ErrStateReplayed
	}
	return nil
}

// stateFingerprint keeps raw state values out of the ledger.
func stateFingerprint(state string) string {
	sum := sha256.Sum256([]byte(state))
	return hex.EncodeToString(sum[:])
}
