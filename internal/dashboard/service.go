// Package dashboard provides the HTTP handlers behind the portfolio
// dashboard: the current valuation, manual refresh, recorded history and the
// live WebSocket feed.
//
// All monetary values use shopspring/decimal — never float64 for money.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/upfolio/portfolio-engine/internal/metrics"
	"github.com/upfolio/portfolio-engine/internal/model"
	"github.com/upfolio/portfolio-engine/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	recordTimeout       = 5 * time.Second
	recordQueueSize     = 64
)

// Portfolio is the live valuation the dashboard reads from.
type Portfolio interface {
	Snapshot() model.Portfolio
	Refresh(ctx context.Context) model.Portfolio
	Ready() bool
}

// Service serves the dashboard API and records every valuation it is told
// about.
type Service struct {
	portfolio Portfolio
	store     store.Store
	wsHub     *WSHub // optional WebSocket hub for live pushes
	logger    *slog.Logger
	now       func() time.Time

	// pending feeds the recorder loop started by Run.
	pending  chan *model.Snapshot
	stop     chan struct{}
	stopOnce sync.Once
}

// NewService creates a new dashboard service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(p Portfolio, st store.Store, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		portfolio: p,
		store:     st,
		wsHub:     hub,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		pending:   make(chan *model.Snapshot, recordQueueSize),
		stop:      make(chan struct{}),
	}
}

// PortfolioResponse is the JSON body for the current valuation.
type PortfolioResponse struct {
	Ready bool `json:"ready"`
	model.Portfolio
}

// HistoryResponse is the JSON body for GET /api/v1/portfolio/history.
type HistoryResponse struct {
	Snapshots []model.Snapshot `json:"snapshots"`
	Count     int              `json:"count"`
}

// --- HTTP Handlers ---

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PortfolioResponse{
		Ready:     s.portfolio.Ready(),
		Portfolio: s.portfolio.Snapshot(),
	})
}

// RefreshPortfolio handles POST /api/v1/portfolio/refresh
// Triggers an immediate revaluation and returns the result.
func (s *Service) RefreshPortfolio(w http.ResponseWriter, r *http.Request) {
	if !s.portfolio.Ready() {
		writeError(w, "portfolio is not initialized", http.StatusServiceUnavailable)
		return
	}

	p := s.portfolio.Refresh(r.Context())
	writeJSON(w, http.StatusOK, PortfolioResponse{Ready: true, Portfolio: p})
}

// ListHistory handles GET /api/v1/portfolio/history?limit=N
// Returns recorded snapshots, newest first.
func (s *Service) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	snapshots, err := s.store.ListSnapshots(r.Context(), limit)
	if err != nil {
		s.logger.Error("list snapshots failed", "err", err)
		writeError(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	if snapshots == nil {
		snapshots = []model.Snapshot{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{Snapshots: snapshots, Count: len(snapshots)})
}

// GetSnapshot handles GET /api/v1/portfolio/history/{snapshotID}
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "snapshotID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, "invalid snapshot id", http.StatusBadRequest)
		return
	}

	snap, err := s.store.GetSnapshot(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "snapshot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get snapshot failed", "id", id, "err", err)
		writeError(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// GetLatestSnapshot handles GET /api/v1/portfolio/history/latest
func (s *Service) GetLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.LatestSnapshot(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no snapshots recorded", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("latest snapshot failed", "err", err)
		writeError(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// --- Recording ---

// Record updates the portfolio gauges, pushes the valuation to WebSocket
// clients and queues it as a snapshot for the recorder loop. It never waits
// on the snapshot store; when the queue is full the snapshot is dropped.
func (s *Service) Record(p model.Portfolio) {
	metrics.TotalValue.Set(p.TotalValue.InexactFloat64())
	metrics.TotalProfitLoss.Set(p.TotalProfitLoss.InexactFloat64())
	for _, h := range p.Holdings {
		metrics.HoldingPrice.WithLabelValues(h.Symbol).Set(h.CurrentPrice.InexactFloat64())
	}
	if p.StaleSince != nil {
		metrics.Stale.Set(1)
	} else {
		metrics.Stale.Set(0)
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MessagePortfolioUpdated, Portfolio: &p})
	}

	if s.store == nil {
		return
	}
	snap := NewSnapshot(p, uuid.New().String(), s.now())
	select {
	case s.pending <- snap:
	default:
		metrics.SnapshotsDropped.Inc()
		s.logger.Warn("snapshot queue full, dropping snapshot", "id", snap.ID)
	}
}

// Run saves queued snapshots until Close, then flushes what is still
// queued. Must be called in a goroutine.
func (s *Service) Run() {
	for {
		select {
		case snap := <-s.pending:
			s.save(snap)
		case <-s.stop:
			for {
				select {
				case snap := <-s.pending:
					s.save(snap)
				default:
					return
				}
			}
		}
	}
}

// Close stops the recorder loop after it flushes the queue. Safe to call
// more than once.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) save(snap *model.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		s.logger.Error("record snapshot failed", "id", snap.ID, "err", err)
		return
	}
	metrics.SnapshotsRecorded.Inc()
	s.logger.Debug("snapshot recorded",
		"id", snap.ID,
		"total_value", snap.TotalValue.String(),
		"stale", snap.Stale,
	)
}

// NewSnapshot freezes a valuation. Snapshots taken while some holding lacks
// a fresh price are marked stale.
func NewSnapshot(p model.Portfolio, id string, takenAt time.Time) *model.Snapshot {
	if !p.UpdatedAt.IsZero() {
		takenAt = p.UpdatedAt
	}
	return &model.Snapshot{
		ID:                        id,
		TakenAt:                   takenAt,
		TotalValue:                p.TotalValue,
		TotalCost:                 p.TotalCost,
		TotalProfitLoss:           p.TotalProfitLoss,
		TotalProfitLossPercentage: p.TotalProfitLossPercentage,
		Stale:                     p.StaleSince != nil,
		Valuations:                append([]model.HoldingValuation{}, p.Valuations...),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
