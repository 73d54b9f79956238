// Package pingrant tracks the short-lived permission a field technician earns by
// entering the extra-appointment PIN.
package pingrant

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a verified PIN unlocks extra appointments.
const DefaultTTL = 10 * time.Minute

type Store interface {
	Grant(ctx context.Context, userID int64, ttl time.Duration) (time.Time, error)
	Active(ctx context.Context, userID int64) (bool, error)
}

// RedisStore keeps one expiring key per user, so grants are shared across replicas.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dispatch:extra-pin"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(userID int64) string {
	return s.prefix + ":" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) Grant(ctx context.Context, userID int64, ttl time.Duration) (time.Time, error) {
	expires := s.now().Add(ttl)
	if err := s.rdb.Set(ctx, s.key(userID), expires.Unix(), ttl).Err(); err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

func (s *RedisStore) Active(ctx context.Context, userID int64) (bool, error) {
	err := s.rdb.Get(ctx, s.key(userID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MemoryStore is the single-process fallback when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[int64]time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, expires: map[int64]time.Time{}}
}

func (s *MemoryStore) Grant(_ context.Context, userID int64, ttl time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.now().Add(ttl)
	s.expires[userID] = exp
	return exp, nil
}

func (s *MemoryStore) Active(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expires[userID]
	if !ok {
		return false, nil
	}
	if !s.now().Before(exp) {
		delete(s.expires, userID)
		return false, nil
	}
	return true, nil
}
