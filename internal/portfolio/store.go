// Package portfolio keeps the priced holdings and their aggregate valuation
// up to date.
//
// A Store starts Uninitialized (no holdings, zero aggregates). Init prices
// every seed with its own single-market request and moves the store to
// Ready. From then on Refresh re-prices all holdings with one batched
// request; Start runs Refresh on a fixed interval until Close.
package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/upfolio/portfolio-engine/internal/metrics"
	"github.com/upfolio/portfolio-engine/internal/model"
)

const (
	// DefaultInterval is the refresh period used when none is configured.
	DefaultInterval = 10 * time.Second

	// DefaultFetchTimeout bounds one shared refresh fetch.
	DefaultFetchTimeout = 30 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("portfolio: store already started")
	ErrClosed         = errors.New("portfolio: store closed")
)

// PriceSource fetches trade prices. Implementations absorb their own
// failures: a failed single fetch yields zero, a failed batch an empty map.
type PriceSource interface {
	FetchPrice(ctx context.Context, symbol string) decimal.Decimal
	FetchPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal
}

// Store owns the holding sequence and the aggregate computed from it.
type Store struct {
	source       PriceSource
	seeds        []model.Seed
	interval     time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	// life parents every refresh fetch; stop cancels it on Close.
	life context.Context
	stop context.CancelFunc

	mu        sync.RWMutex
	current   model.Portfolio
	ready     bool
	listeners []func(model.Portfolio)

	// refreshes collapses concurrent Refresh calls into one fetch.
	refreshes singleflight.Group

	// inflight counts shared fetches and publishes that Close must wait out.
	inflight sync.WaitGroup

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
}

// NewStore creates an uninitialized store for the given seeds. A
// non-positive interval selects DefaultInterval.
func NewStore(source PriceSource, seeds []model.Seed, interval time.Duration, logger *slog.Logger) *Store {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	life, stop := context.WithCancel(context.Background())
	return &Store{
		source:       source,
		seeds:        append([]model.Seed(nil), seeds...),
		interval:     interval,
		fetchTimeout: DefaultFetchTimeout,
		logger:       logger,
		now:          time.Now,
		life:         life,
		stop:         stop,
		current:      Compute(nil),
	}
}

// SetFetchTimeout bounds each shared refresh fetch. Call before Start.
func (s *Store) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		s.fetchTimeout = d
	}
}

// OnUpdate registers fn to be called with a copy of every new aggregate.
// Subscribers run on the goroutine that produced the update.
func (s *Store) OnUpdate(fn func(model.Portfolio)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns a copy of the current aggregate.
func (s *Store) Snapshot() model.Portfolio {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Ready reports whether Init has completed.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Interval returns the refresh period.
func (s *Store) Interval() time.Duration { return s.interval }

// Init prices every seed individually and concurrently, then publishes the
// first aggregate. A seed whose price could not be fetched starts at zero.
func (s *Store) Init(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	holdings := make([]model.Holding, len(s.seeds))
	var g errgroup.Group
	for i, seed := range s.seeds {
		i, seed := i, seed
		g.Go(func() error {
			// Each goroutine owns a distinct slot.
			holdings[i] = model.NewHolding(seed, s.source.FetchPrice(ctx, seed.Symbol))
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	unpriced := 0
	for _, h := range holdings {
		if h.CurrentPrice.IsZero() {
			unpriced++
		}
	}

	p, ok := s.publish(Compute(holdings), unpriced > 0)
	if !ok {
		return ErrClosed
	}
	s.logger.Info("portfolio initialized",
		"holdings", len(holdings),
		"unpriced", unpriced,
		"total_value", p.TotalValue.String(),
		"total_profit_loss", p.TotalProfitLoss.String(),
	)
	return nil
}

// Refresh re-prices all holdings with one batched fetch and replaces the
// aggregate. Holdings missing from the result keep their previous price, so
// a failed fetch leaves everything unchanged. It is a no-op while there are
// no holdings and after Close. Concurrent calls share a single fetch, which
// runs detached from any one caller: a caller whose ctx ends stops waiting
// and gets the current aggregate, while the fetch completes for the others.
func (s *Store) Refresh(ctx context.Context) model.Portfolio {
	ch := s.refreshes.DoChan("refresh", func() (any, error) {
		if !s.enter() {
			metrics.RefreshesTotal.WithLabelValues("skipped").Inc()
			return s.Snapshot(), nil
		}
		defer s.inflight.Done()

		fetchCtx, cancel := context.WithTimeout(s.life, s.fetchTimeout)
		defer cancel()
		return s.refresh(fetchCtx), nil
	})
	select {
	case res := <-ch:
		return res.Val.(model.Portfolio)
	case <-ctx.Done():
		return s.Snapshot()
	}
}

// enter registers in-flight work unless the store is closed.
func (s *Store) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Store) refresh(ctx context.Context) model.Portfolio {
	current := s.Snapshot()
	holdings := current.Holdings

	if len(holdings) == 0 {
		metrics.RefreshesTotal.WithLabelValues("skipped").Inc()
		return current
	}

	symbols := current.Symbols()
	prices := s.source.FetchPrices(ctx, symbols)
	if ctx.Err() != nil {
		// Closed or timed out mid-flight; the result would be stale on arrival.
		metrics.RefreshesTotal.WithLabelValues("skipped").Inc()
		return s.Snapshot()
	}

	missing := 0
	for i, h := range holdings {
		if price, ok := prices[h.Symbol]; ok {
			holdings[i] = h.WithPrice(price)
		} else {
			missing++
		}
	}

	result := "updated"
	switch {
	case len(prices) == 0:
		result = "empty"
	case missing > 0:
		result = "partial"
	}

	p, ok := s.publish(Compute(holdings), missing > 0)
	if !ok {
		metrics.RefreshesTotal.WithLabelValues("skipped").Inc()
		return p
	}
	metrics.RefreshesTotal.WithLabelValues(result).Inc()
	s.logger.Debug("portfolio refreshed",
		"result", result,
		"missing", missing,
		"total_value", p.TotalValue.String(),
	)
	return p
}

// publish stamps and installs a new aggregate, then notifies subscribers.
// Once the store is closed the aggregate is dropped and publish reports
// false with the aggregate still in place.
func (s *Store) publish(p model.Portfolio, incomplete bool) (model.Portfolio, bool) {
	now := s.now().UTC()
	p.UpdatedAt = now

	s.mu.Lock()
	if s.closed.Load() {
		kept := s.current.Clone()
		s.mu.Unlock()
		return kept, false
	}
	if incomplete {
		if prev := s.current.StaleSince; prev != nil {
			t := *prev
			p.StaleSince = &t
		} else {
			p.StaleSince = &now
		}
	}
	s.current = p
	s.ready = true
	listeners := append([]func(model.Portfolio){}, s.listeners...)
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	for _, fn := range listeners {
		fn(p.Clone())
	}
	return p.Clone(), true
}

// Start initializes the store and then refreshes it every interval until
// Close is called or ctx is cancelled.
func (s *Store) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.done != nil {
		return ErrAlreadyStarted
	}
	if err := s.Init(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done)

	s.logger.Info("portfolio refresh loop started", "interval", s.interval.String())
	return nil
}

// run refreshes on every tick. Refreshes execute on this goroutine, so ticks
// never overlap; a slow refresh makes the ticker drop the ticks it missed.
func (s *Store) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.mu.RLock()
			n := len(s.current.Holdings)
			s.mu.RUnlock()
			if n == 0 {
				continue
			}
			s.Refresh(ctx)
		}
	}
}

// Close stops the refresh loop, cancels any in-flight refresh fetch and waits
// for it and for subscribers still being notified. After Close returns no
// fetch starts, the aggregate no longer changes and no subscriber is
// called. Close is idempotent.
func (s *Store) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed.Load() {
		return
	}
	// Set under mu so in-flight work either sees it or is counted.
	s.mu.Lock()
	s.closed.Store(true)
	s.mu.Unlock()

	s.stop()
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.inflight.Wait()
	s.logger.Info("portfolio refresh loop stopped")
}
