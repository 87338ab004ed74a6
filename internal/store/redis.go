package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/upfolio/portfolio-engine/internal/model"
)

const latestKey = "snapshot:latest"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the latest pointer;
// reads check Redis first then fall back to the primary.
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

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.rdb.Del(ctx, latestKey)
	s.cacheSnapshot(ctx, snapshotKey(snap.ID), snap)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	if snap, ok := s.cached(ctx, snapshotKey(id)); ok {
		return snap, nil
	}

	snap, err := s.primary.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snapshotKey(id), snap)
	return snap, nil
}

func (s *CachedStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	if snap, ok := s.cached(ctx, latestKey); ok {
		return snap, nil
	}

	snap, err := s.primary.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, latestKey, snap)
	return snap, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error) {
	return s.primary.ListSnapshots(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string) (*model.Snapshot, bool) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var snap model.Snapshot
	if json.Unmarshal(data, &snap) != nil {
		return nil, false
	}
	return &snap, true
}

func (s *CachedStore) cacheSnapshot(ctx context.Context, key string, snap *model.Snapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func snapshotKey(id string) string { return fmt.Sprintf("snapshot:%s", id) }
