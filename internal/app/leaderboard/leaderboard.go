// Package leaderboard serves the score leaderboard through a cache so the
// hot read path stays off the user store.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/storage"
	"github.com/civic-chain/engagement/pkg/logger"
)

// Entry is one leaderboard row.
type Entry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Score       int       `json:"score"`
	Tier        user.Tier `json:"tier"`
	Rank        int       `json:"rank"`
}

// Cache stores a computed leaderboard snapshot.
type Cache interface {
	GetTop(ctx context.Context, n int) ([]Entry, bool, error)
	SetTop(ctx context.Context, entries []Entry, ttl time.Duration) error
}

// RedisCache keeps the snapshot in a single redis key.
type RedisCache struct {
	client *redis.Client
	key    string
}

// NewRedisCache creates a cache on the given client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, key: "engagement:leaderboard"}
}

func (c *RedisCache) GetTop(ctx context.Context, n int) ([]Entry, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("leaderboard get: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, fmt.Errorf("leaderboard decode: %w", err)
	}
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, true, nil
}

func (c *RedisCache) SetTop(ctx context.Context, entries []Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("leaderboard encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("leaderboard set: %w", err)
	}
	return nil
}

// MemoryCache is the cache used when no redis address is configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries []Entry
	expires time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache { return &MemoryCache{} }

func (c *MemoryCache) GetTop(ctx context.Context, n int) ([]Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entries == nil || time.Now().After(c.expires) {
		return nil, false, nil
	}
	entries := c.entries
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, true, nil
}

func (c *MemoryCache) SetTop(ctx context.Context, entries []Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make([]Entry, len(entries))
	copy(c.entries, entries)
	c.expires = time.Now().Add(ttl)
	return nil
}

// snapshotSize is how many rows a refresh computes; requests for fewer rows
// slice the snapshot.
const snapshotSize = 100

// Board serves leaderboard reads through a cache with read-through fallback
// to the user store.
type Board struct {
	store storage.UserStore
	cache Cache
	ttl   time.Duration
	log   *logger.Logger
}

// NewBoard creates a leaderboard. A nil cache falls back to an in-process
// one.
func NewBoard(store storage.UserStore, cache Cache, ttl time.Duration, log *logger.Logger) *Board {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("leaderboard")
	}
	return &Board{store: store, cache: cache, ttl: ttl, log: log}
}

// Top returns the highest-scoring members. Cache misses and cache errors
// fall back to the store; a failing cache never fails a read.
func (b *Board) Top(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 || n > snapshotSize {
		n = snapshotSize
	}
	entries, ok, err := b.cache.GetTop(ctx, n)
	if err != nil {
		b.log.WithError(err).Warn("leaderboard cache read failed")
	}
	if ok {
		return entries, nil
	}
	return b.Refresh(ctx, n)
}

// Refresh recomputes the snapshot from the store and writes it through the
// cache. The top n rows are returned.
func (b *Board) Refresh(ctx context.Context, n int) ([]Entry, error) {
	users, err := b.store.ListTopUsersByScore(ctx, snapshotSize)
	if err != nil {
		return nil, fmt.Errorf("list top users: %w", err)
	}
	entries := make([]Entry, 0, len(users))
	for i, u := range users {
		entries = append(entries, Entry{
			UserID:      u.ID,
			DisplayName: u.DisplayName,
			Score:       u.Score,
			Tier:        u.Tier(),
			Rank:        i + 1,
		})
	}
	if err := b.cache.SetTop(ctx, entries, b.ttl); err != nil {
		b.log.WithError(err).Warn("leaderboard cache write failed")
	}
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}
