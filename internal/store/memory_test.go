package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/upfolio/portfolio-engine/internal/model"
)

var base = time.Date(2025, 3, 21, 9, 0, 0, 0, time.UTC)

func snap(id string, offset time.Duration, value int64) *model.Snapshot {
	return &model.Snapshot{
		ID:         id,
		TakenAt:    base.Add(offset),
		TotalValue: decimal.NewFromInt(value),
		Valuations: []model.HoldingValuation{{Symbol: "KRW-BTC", Value: decimal.NewFromInt(value)}},
	}
}

func TestMemoryStore_SaveAndGet(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	if err := ms.SaveSnapshot(ctx, snap("a", 0, 100)); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := ms.GetSnapshot(ctx, "a")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !got.TotalValue.Equal(decimal.NewFromInt(100)) || len(got.Valuations) != 1 {
		t.Errorf("unexpected snapshot %+v", got)
	}
}

func TestMemoryStore_DuplicateID(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	_ = ms.SaveSnapshot(ctx, snap("a", 0, 100))
	if err := ms.SaveSnapshot(ctx, snap("a", time.Second, 200)); err == nil {
		t.Error("expected error for duplicate snapshot ID")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.GetSnapshot(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSnapshot error = %v, want ErrNotFound", err)
	}
	if _, err := ms.LatestSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestSnapshot error = %v, want ErrNotFound", err)
	}
	list, err := ms.ListSnapshots(ctx, 10)
	if err != nil || len(list) != 0 {
		t.Errorf("ListSnapshots = %v, %v; want empty", list, err)
	}
}

func TestMemoryStore_OrderingAndLimit(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	// Saved out of order; listing must follow TakenAt.
	_ = ms.SaveSnapshot(ctx, snap("second", 10*time.Second, 200))
	_ = ms.SaveSnapshot(ctx, snap("first", 0, 100))
	_ = ms.SaveSnapshot(ctx, snap("third", 20*time.Second, 300))

	latest, err := ms.LatestSnapshot(ctx)
	if err != nil || latest.ID != "third" {
		t.Fatalf("LatestSnapshot = %v, %v; want third", latest, err)
	}

	all, _ := ms.ListSnapshots(ctx, 0)
	if len(all) != 3 || all[0].ID != "third" || all[1].ID != "second" || all[2].ID != "first" {
		t.Errorf("ListSnapshots order = %v", ids(all))
	}

	two, _ := ms.ListSnapshots(ctx, 2)
	if len(two) != 2 || two[0].ID != "third" || two[1].ID != "second" {
		t.Errorf("ListSnapshots(2) = %v", ids(two))
	}

	// Index stays consistent after out-of-order inserts.
	got, err := ms.GetSnapshot(ctx, "second")
	if err != nil || !got.TotalValue.Equal(decimal.NewFromInt(200)) {
		t.Errorf("GetSnapshot(second) = %v, %v", got, err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	in := snap("a", 0, 100)
	_ = ms.SaveSnapshot(ctx, in)
	in.Valuations[0].Symbol = "mutated"

	got, _ := ms.GetSnapshot(ctx, "a")
	if got.Valuations[0].Symbol != "KRW-BTC" {
		t.Error("store kept a reference to the caller's valuations")
	}
	got.Valuations[0].Symbol = "mutated"

	again, _ := ms.GetSnapshot(ctx, "a")
	if again.Valuations[0].Symbol != "KRW-BTC" {
		t.Error("store returned a reference to its own valuations")
	}
}

func ids(snaps []model.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.ID
	}
	return out
}
