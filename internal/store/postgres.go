package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/upfolio/portfolio-engine/internal/model"
)

// Schema creates the snapshot table. Monetary values are NUMERIC for exact
// decimal precision; the per-holding breakdown is kept as JSONB.
const Schema = `
CREATE TABLE IF NOT EXISTS portfolio_snapshots (
	id                           UUID PRIMARY KEY,
	taken_at                     TIMESTAMPTZ NOT NULL,
	total_value                  NUMERIC NOT NULL,
	total_cost                   NUMERIC NOT NULL,
	total_profit_loss            NUMERIC NOT NULL,
	total_profit_loss_percentage NUMERIC NOT NULL,
	stale                        BOOLEAN NOT NULL DEFAULT FALSE,
	valuations                   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS portfolio_snapshots_taken_at_idx ON portfolio_snapshots (taken_at DESC);
`

const snapshotColumns = `id::TEXT, taken_at,
	total_value::TEXT, total_cost::TEXT,
	total_profit_loss::TEXT, total_profit_loss_percentage::TEXT,
	stale, valuations::TEXT`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the snapshot table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	valuations, err := json.Marshal(snap.Valuations)
	if err != nil {
		return fmt.Errorf("encode valuations: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO portfolio_snapshots
		    (id, taken_at, total_value, total_cost, total_profit_loss, total_profit_loss_percentage, stale, valuations)
		 VALUES ($1::UUID, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::JSONB)`,
		snap.ID, snap.TakenAt,
		snap.TotalValue.String(), snap.TotalCost.String(),
		snap.TotalProfitLoss.String(), snap.TotalProfitLossPercentage.String(),
		snap.Stale, string(valuations),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM portfolio_snapshots WHERE id = $1::UUID`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return snap, nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM portfolio_snapshots ORDER BY taken_at DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM portfolio_snapshots ORDER BY taken_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snap)
	}
	return snapshots, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*model.Snapshot, error) {
	var snap model.Snapshot
	var totalValue, totalCost, pnl, pnlPct, valuations string

	if err := row.Scan(&snap.ID, &snap.TakenAt,
		&totalValue, &totalCost,
		&pnl, &pnlPct,
		&snap.Stale, &valuations); err != nil {
		return nil, err
	}

	snap.TotalValue, _ = decimal.NewFromString(totalValue)
	snap.TotalCost, _ = decimal.NewFromString(totalCost)
	snap.TotalProfitLoss, _ = decimal.NewFromString(pnl)
	snap.TotalProfitLossPercentage, _ = decimal.NewFromString(pnlPct)

	if err := json.Unmarshal([]byte(valuations), &snap.Valuations); err != nil {
		return nil, fmt.Errorf("decode valuations for %s: %w", snap.ID, err)
	}
	return &snap, nil
}
