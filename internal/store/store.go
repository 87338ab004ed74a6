// Package store defines persistence for valuation snapshots.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process runs).
package store

import (
	"context"
	"errors"

	"github.com/upfolio/portfolio-engine/internal/model"
)

// ErrNotFound is returned when a snapshot does not exist.
var ErrNotFound = errors.New("store: snapshot not found")

// Store is the snapshot persistence interface. Snapshots are immutable once
// saved.
type Store interface {
	// SaveSnapshot appends a snapshot.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error

	// GetSnapshot retrieves a snapshot by ID.
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)

	// LatestSnapshot returns the most recently taken snapshot.
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)

	// ListSnapshots returns up to limit snapshots, newest first.
	ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error)
}
