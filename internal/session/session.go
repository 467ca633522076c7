// Package session keeps each operator's navigation cursor between
// reconnects.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"chamber_monitor/internal/schedule"
)

// DefaultTTL is how long an idle cursor is kept.
const DefaultTTL = 12 * time.Hour

const keyPrefix = "chamber:cursor:"

// Store loads and saves cursors by session id.
type Store interface {
	Load(ctx context.Context, id string) (schedule.Cursor, bool, error)
	Save(ctx context.Context, id string, c schedule.Cursor) error
}

// RedisStore keeps cursors as JSON values with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to addr and pings it.
func NewRedisStore(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: rdb, ttl: ttl}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Load(ctx context.Context, id string) (schedule.Cursor, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+id).Result()
	if err == redis.Nil {
		return schedule.Cursor{}, false, nil
	}
	if err != nil {
		return schedule.Cursor{}, false, fmt.Errorf("loading cursor %s: %w", id, err)
	}
	var c schedule.Cursor
	if err := json.Unmarshal([]byte(val), &c); err != nil {
		return schedule.Cursor{}, false, fmt.Errorf("decoding cursor %s: %w", id, err)
	}
	return c, true, nil
}

func (s *RedisStore) Save(ctx context.Context, id string, c schedule.Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, keyPrefix+id, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving cursor %s: %w", id, err)
	}
	return nil
}

// MemoryStore is a process-local Store used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]schedule.Cursor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]schedule.Cursor)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (schedule.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[id]
	if ok {
		c.Chambers = append([]string(nil), c.Chambers...)
	}
	return c, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, id string, c schedule.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Chambers = append([]string(nil), c.Chambers...)
	s.cursors[id] = c
	return nil
}
