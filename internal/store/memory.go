package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/upfolio/portfolio-engine/internal/model"
)

// MemoryStore implements Store with an in-memory slice. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []model.Snapshot // sorted by TakenAt ascending
	byID      map[string]int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[snap.ID]; ok {
		return fmt.Errorf("snapshot %s already exists", snap.ID)
	}

	// Store a copy to avoid external mutation.
	cp := cloneSnapshot(*snap)
	i := sort.Search(len(s.snapshots), func(i int) bool {
		return s.snapshots[i].TakenAt.After(cp.TakenAt)
	})
	s.snapshots = append(s.snapshots, model.Snapshot{})
	copy(s.snapshots[i+1:], s.snapshots[i:])
	s.snapshots[i] = cp

	for j := i; j < len(s.snapshots); j++ {
		s.byID[s.snapshots[j].ID] = j
	}
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := cloneSnapshot(s.snapshots[i])
	return &cp, nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return nil, ErrNotFound
	}
	cp := cloneSnapshot(s.snapshots[len(s.snapshots)-1])
	return &cp, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, limit int) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.snapshots)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]model.Snapshot, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		result = append(result, cloneSnapshot(s.snapshots[i]))
	}
	return result, nil
}

func cloneSnapshot(s model.Snapshot) model.Snapshot {
	s.Valuations = append([]model.HoldingValuation(nil), s.Valuations...)
	return s
}
