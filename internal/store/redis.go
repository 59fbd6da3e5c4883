package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SavageCabbagee/paper/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Cache keys carry a per-user generation that every committed Update bumps.
// A reader that loaded pre-write data fills the old generation, which no
// later reader looks up.
//
// Update callbacks always see the primary, so cached reads only ever feed
// pre-checks and summaries, never the authoritative balance check.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, userID int64, fn func(tx Tx) error) error {
	if err := s.primary.Update(ctx, userID, fn); err != nil {
		return err
	}
	if err := s.rdb.Incr(ctx, cacheGenerationKey(userID)).Err(); err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	return readThrough(ctx, s, userID, cacheAccountKey, func() (*model.Account, error) {
		return s.primary.GetAccount(ctx, userID)
	})
}

func (s *CachedStore) ListPositions(ctx context.Context, userID int64) ([]model.Position, error) {
	return readThrough(ctx, s, userID, cachePositionsKey, func() ([]model.Position, error) {
		return s.primary.ListPositions(ctx, userID)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, userID int64, token string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, token)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID int64) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID)
}

// --- Cache helpers ---

// readThrough serves key from Redis or fills it from load. The generation
// is read before load so a fill never lands under a newer generation.
func readThrough[T any](ctx context.Context, s *CachedStore, userID int64, key func(uid, gen int64) string, load func() (T, error)) (T, error) {
	gen, err := s.generation(ctx, userID)
	if err != nil {
		// Redis unavailable: serve from the primary without caching.
		return load()
	}
	k := key(userID, gen)

	if data, err := s.rdb.Get(ctx, k).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := load()
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, k, data, s.ttl)
	}
	return v, nil
}

func (s *CachedStore) generation(ctx context.Context, userID int64) (int64, error) {
	gen, err := s.rdb.Get(ctx, cacheGenerationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func cacheGenerationKey(uid int64) string { return fmt.Sprintf("paper:gen:%d", uid) }

func cacheAccountKey(uid, gen int64) string {
	return fmt.Sprintf("paper:account:%d:%d", uid, gen)
}

func cachePositionsKey(uid, gen int64) string {
	return fmt.Sprintf("paper:positions:%d:%d", uid, gen)
}
