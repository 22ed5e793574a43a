package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps users in process memory. Used for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
	now   func() time.Time
}

// NewMemoryStore constructs the store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]User),
		now:   time.Now,
	}
}

// UpsertUser stores a user, merging the written fields onto any existing record.
func (s *MemoryStore) UpsertUser(_ context.Context, attrs UserAttributes) (*User, error) {
	if attrs.ID == "" {
		return nil, errors.New("user id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	user := User{UserAttributes: attrs.mergeInto(UserAttributes{}), CreatedAt: now, UpdatedAt: now}
	if existing, ok := s.users[attrs.ID]; ok {
		user.UserAttributes = attrs.mergeInto(existing.UserAttributes)
		user.CreatedAt = existing.CreatedAt
	}
	s.users[attrs.ID] = user
	return &user, nil
}

// GetUser retrieves a user by subject id.
func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

// Len reports the number of stored users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
