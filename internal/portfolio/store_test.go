package portfolio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/upfolio/portfolio-engine/internal/model"
)

// fakeSource implements PriceSource for testing.
type fakeSource struct {
	mu          sync.Mutex
	single      map[string]decimal.Decimal
	batch       func(symbols []string) map[string]decimal.Decimal
	singleCalls int
	batchCalls  int
	batchArgs   [][]string
}

func (f *fakeSource) FetchPrice(_ context.Context, symbol string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls++
	return f.single[symbol]
}

func (f *fakeSource) FetchPrices(_ context.Context, symbols []string) map[string]decimal.Decimal {
	f.mu.Lock()
	f.batchCalls++
	f.batchArgs = append(f.batchArgs, append([]string(nil), symbols...))
	batch := f.batch
	f.mu.Unlock()
	if batch == nil {
		return map[string]decimal.Decimal{}
	}
	return batch(symbols)
}

func (f *fakeSource) setBatch(fn func(symbols []string) map[string]decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batch = fn
}

func (f *fakeSource) counts() (single, batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.singleCalls, f.batchCalls
}

func fixed(prices map[string]decimal.Decimal) func([]string) map[string]decimal.Decimal {
	return func([]string) map[string]decimal.Decimal { return prices }
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSeeds() []model.Seed {
	return []model.Seed{
		{Symbol: "KRW-BTC", Name: "Bitcoin", Quantity: d(2), PurchasePrice: d(100)},
		{Symbol: "KRW-ETH", Name: "Ethereum", Quantity: d(10), PurchasePrice: d(50)},
	}
}

func newTestStore(src PriceSource, seeds []model.Seed, interval time.Duration) *Store {
	return NewStore(src, seeds, interval, newTestLogger())
}

func TestStore_Uninitialized(t *testing.T) {
	src := &fakeSource{}
	s := newTestStore(src, testSeeds(), time.Hour)

	if s.Ready() {
		t.Error("new store should not be ready")
	}
	p := s.Snapshot()
	if len(p.Holdings) != 0 || !p.TotalValue.IsZero() {
		t.Errorf("expected empty zero portfolio, got %+v", p)
	}

	s.Refresh(context.Background())
	if _, batch := src.counts(); batch != 0 {
		t.Errorf("refresh without holdings should not fetch, got %d calls", batch)
	}
}

func TestStore_Init(t *testing.T) {
	src := &fakeSource{single: map[string]decimal.Decimal{
		"KRW-BTC": d(150),
		"KRW-ETH": d(60),
	}}
	s := newTestStore(src, testSeeds(), time.Hour)

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !s.Ready() {
		t.Error("store should be ready after Init")
	}
	if single, batch := src.counts(); single != 2 || batch != 0 {
		t.Errorf("calls single=%d batch=%d, want 2/0", single, batch)
	}

	p := s.Snapshot()
	if len(p.Holdings) != 2 || p.Holdings[0].Symbol != "KRW-BTC" || p.Holdings[1].Symbol != "KRW-ETH" {
		t.Fatalf("holdings not in seed order: %+v", p.Holdings)
	}
	// 2×150 + 10×60 = 900; cost 2×100 + 10×50 = 700.
	if !p.TotalValue.Equal(d(900)) || !p.TotalProfitLoss.Equal(d(200)) {
		t.Errorf("totals = %s/%s, want 900/200", p.TotalValue, p.TotalProfitLoss)
	}
	if p.StaleSince != nil {
		t.Errorf("fully priced init should not be stale, got %v", p.StaleSince)
	}
	if p.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestStore_InitUnpricedIsStale(t *testing.T) {
	src := &fakeSource{single: map[string]decimal.Decimal{"KRW-BTC": d(150)}}
	s := newTestStore(src, testSeeds(), time.Hour)

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	p := s.Snapshot()
	if !p.Holdings[1].CurrentPrice.IsZero() {
		t.Errorf("unpriced holding should start at 0, got %s", p.Holdings[1].CurrentPrice)
	}
	if p.StaleSince == nil {
		t.Error("expected StaleSince when a seed could not be priced")
	}
}

// barrierSource blocks every single fetch until all n have arrived, so Init
// only completes if the fetches run concurrently.
type barrierSource struct {
	fakeSource
	n       int
	arrived chan struct{}
	release chan struct{}
}

func (b *barrierSource) FetchPrice(ctx context.Context, symbol string) decimal.Decimal {
	b.arrived <- struct{}{}
	select {
	case <-b.release:
	case <-time.After(2 * time.Second):
	}
	return b.fakeSource.FetchPrice(ctx, symbol)
}

func TestStore_InitFetchesConcurrently(t *testing.T) {
	seeds := []model.Seed{
		{Symbol: "KRW-BTC", Quantity: d(1), PurchasePrice: d(1)},
		{Symbol: "KRW-ETH", Quantity: d(1), PurchasePrice: d(1)},
		{Symbol: "KRW-XRP", Quantity: d(1), PurchasePrice: d(1)},
		{Symbol: "KRW-XLM", Quantity: d(1), PurchasePrice: d(1)},
	}
	src := &barrierSource{
		fakeSource: fakeSource{single: map[string]decimal.Decimal{"KRW-BTC": d(1)}},
		n:          len(seeds),
		arrived:    make(chan struct{}, len(seeds)),
		release:    make(chan struct{}),
	}
	s := newTestStore(src, seeds, time.Hour)

	go func() {
		for i := 0; i < src.n; i++ {
			<-src.arrived
		}
		close(src.release)
	}()

	start := time.Now()
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 2*time.Second {
		t.Errorf("Init took %v; fetches did not run concurrently", elapsed)
	}
	if single, _ := src.counts(); single != 4 {
		t.Errorf("single calls = %d, want 4", single)
	}
}

func TestStore_InitCancelledContext(t *testing.T) {
	s := newTestStore(&fakeSource{}, testSeeds(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Init(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Init error = %v, want context.Canceled", err)
	}
	if s.Ready() {
		t.Error("cancelled Init should leave the store uninitialized")
	}
}

func initialized(t *testing.T, src *fakeSource) *Store {
	t.Helper()
	src.single = map[string]decimal.Decimal{"KRW-BTC": d(150), "KRW-ETH": d(60)}
	s := newTestStore(src, testSeeds(), time.Hour)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestStore_RefreshUpdatesPrices(t *testing.T) {
	src := &fakeSource{}
	s := initialized(t, src)
	src.setBatch(fixed(map[string]decimal.Decimal{"KRW-BTC": d(200), "KRW-ETH": d(40)}))

	p := s.Refresh(context.Background())

	if !p.Holdings[0].CurrentPrice.Equal(d(200)) || !p.Holdings[1].CurrentPrice.Equal(d(40)) {
		t.Errorf("prices not updated: %+v", p.Holdings)
	}
	// 2×200 + 10×40 = 800; cost 700.
	if !p.TotalValue.Equal(d(800)) || !p.TotalProfitLoss.Equal(d(100)) {
		t.Errorf("totals = %s/%s, want 800/100", p.TotalValue, p.TotalProfitLoss)
	}
	if p.StaleSince != nil {
		t.Errorf("complete refresh should not be stale")
	}

	src.mu.Lock()
	args := src.batchArgs[0]
	src.mu.Unlock()
	if len(args) != 2 || args[0] != "KRW-BTC" || args[1] != "KRW-ETH" {
		t.Errorf("batch called with %v, want all held symbols", args)
	}

	// Quantity and purchase price never change.
	if !p.Holdings[0].Quantity.Equal(d(2)) || !p.Holdings[0].PurchasePrice.Equal(d(100)) {
		t.Errorf("fixed holding fields mutated: %+v", p.Holdings[0])
	}
}

func TestStore_RefreshRetainsMissingSymbols(t *testing.T) {
	src := &fakeSource{}
	s := initialized(t, src)
	src.setBatch(fixed(map[string]decimal.Decimal{"KRW-BTC": d(200)}))

	p := s.Refresh(context.Background())

	if !p.Holdings[0].CurrentPrice.Equal(d(200)) {
		t.Errorf("KRW-BTC = %s, want 200", p.Holdings[0].CurrentPrice)
	}
	if !p.Holdings[1].CurrentPrice.Equal(d(60)) {
		t.Errorf("KRW-ETH = %s, want previous price 60 retained", p.Holdings[1].CurrentPrice)
	}
	if p.StaleSince == nil {
		t.Error("partial refresh should mark the portfolio stale")
	}
}

func TestStore_RefreshEmptyResultLeavesEverythingUnchanged(t *testing.T) {
	src := &fakeSource{}
	s := initialized(t, src)
	before := s.Snapshot()

	src.setBatch(fixed(map[string]decimal.Decimal{}))
	after := s.Refresh(context.Background())

	for i := range before.Holdings {
		if !after.Holdings[i].CurrentPrice.Equal(before.Holdings[i].CurrentPrice) {
			t.Errorf("holding %d price changed: %s → %s", i, before.Holdings[i].CurrentPrice, after.Holdings[i].CurrentPrice)
		}
	}
	if !after.TotalValue.Equal(before.TotalValue) ||
		!after.TotalProfitLoss.Equal(before.TotalProfitLoss) ||
		!after.TotalProfitLossPercentage.Equal(before.TotalProfitLossPercentage) {
		t.Errorf("aggregates changed after empty fetch: %+v → %+v", before, after)
	}
}

func TestStore_StaleSinceKeptUntilRecovery(t *testing.T) {
	src := &fakeSource{}
	s := initialized(t, src)

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	s.Refresh(context.Background()) // empty batch
	first := s.Snapshot().StaleSince
	if first == nil || !first.Equal(clock) {
		t.Fatalf("StaleSince = %v, want %v", first, clock)
	}

	clock = clock.Add(30 * time.Second)
	p := s.Refresh(context.Background())
	if p.StaleSince == nil || !p.StaleSince.Equal(*first) {
		t.Errorf("StaleSince = %v, want first failure time %v", p.StaleSince, *first)
	}
	if !p.UpdatedAt.Equal(clock) {
		t.Errorf("UpdatedAt = %v, want %v", p.UpdatedAt, clock)
	}

	src.setBatch(fixed(map[string]decimal.Decimal{"KRW-BTC": d(1), "KRW-ETH": d(1)}))
	if p := s.Refresh(context.Background()); p.StaleSince != nil {
		t.Errorf("StaleSince = %v after full recovery, want nil", p.StaleSince)
	}
}

func TestStore_RefreshReplacesAggregate(t *testing.T) {
	src := &fakeSource{}
	s := initialized(t, src)
	held := s.Snapshot()

	src.setBatch(fixed(map[string]decimal.Decimal{"KRW-BTC": d(500)}))
	s.Refresh(context.Background())

	if !held.Holdings[0].CurrentPrice.Equal(d(150)) {
		t.Error("a previously returned snapshot must not change after refresh")
	}
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	src := &fakeSource{}
	s := initialized(t, src)

	p := s.Snapshot()
	p.Holdings[0].CurrentPrice = d(1)
	p.Valuations[0].Value = d(1)

	again := s.Snapshot()
	if !again.Holdings[0].CurrentPrice.Equal(d(150)) || !again.Valuations[0].Value.Equal(d(300)) {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestStore_OnUpdate(t *testing.T) {
	src := &fakeSource{single: map[string]decimal.Decimal{"KRW-BTC": d(150), "KRW-ETH": d(60)}}
	s := newTestStore(src, testSeeds(), time.Hour)

	var mu sync.Mutex
	var updates []model.Portfolio
	s.OnUpdate(func(p model.Portfolio) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, p)
	})

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	src.setBatch(fixed(map[string]decimal.Decimal{"KRW-BTC": d(300)}))
	s.Refresh(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates (init + refresh), got %d", len(updates))
	}
	if !updates[1].Holdings[0].CurrentPrice.Equal(d(300)) {
		t.Errorf("second update price = %s, want 300", updates[1].Holdings[0].CurrentPrice)
	}
}

func TestStore_ConcurrentRefreshSharesFetch(t *testing.T) {
	src := &fakeSource{}
	s := initialized(t, src)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src.setBatch(func([]string) map[string]decimal.Decimal {
		once.Do(func() { close(entered) })
		<-release
		return map[string]decimal.Decimal{"KRW-BTC": d(1), "KRW-ETH": d(1)}
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Refresh(context.Background())
	}()
	<-entered
	go func() {
		defer wg.Done()
		s.Refresh(context.Background())
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if _, batch := src.counts(); batch != 1 {
		t.Errorf("batch calls = %d, want 1 shared fetch", batch)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStore_StartRefreshesOnInterval(t *testing.T) {
	src := &fakeSource{single: map[string]decimal.Decimal{"KRW-BTC": d(150), "KRW-ETH": d(60)}}
	src.batch = fixed(map[string]decimal.Decimal{"KRW-BTC": d(175)})
	s := newTestStore(src, testSeeds(), 10*time.Millisecond)
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, batch := src.counts()
		return batch >= 2
	})
	if p := s.Snapshot(); !p.Holdings[0].CurrentPrice.Equal(d(175)) {
		t.Errorf("KRW-BTC = %s, want 175 after timer refresh", p.Holdings[0].CurrentPrice)
	}
}

func TestStore_CloseStopsFetching(t *testing.T) {
	src := &fakeSource{single: map[string]decimal.Decimal{"KRW-BTC": d(150), "KRW-ETH": d(60)}}
	s := newTestStore(src, testSeeds(), 5*time.Millisecond)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, batch := src.counts()
		return batch >= 1
	})

	s.Close()
	single, batch := src.counts()

	time.Sleep(50 * time.Millisecond)
	s.Refresh(context.Background())
	if err := s.Init(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Init after Close = %v, want ErrClosed", err)
	}

	if s2, b2 := src.counts(); s2 != single || b2 != batch {
		t.Errorf("fetches after Close: single %d→%d batch %d→%d", single, s2, batch, b2)
	}

	s.Close() // idempotent
}

func TestStore_StartTwice(t *testing.T) {
	src := &fakeSource{}
	s := newTestStore(src, testSeeds(), time.Hour)
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestStore_StartAfterClose(t *testing.T) {
	s := newTestStore(&fakeSource{}, testSeeds(), time.Hour)
	s.Close()
	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestStore_NoHoldingsNeverRefreshes(t *testing.T) {
	src := &fakeSource{}
	s := newTestStore(src, nil, 5*time.Millisecond)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	s.Close()

	if single, batch := src.counts(); single != 0 || batch != 0 {
		t.Errorf("calls single=%d batch=%d, want none without holdings", single, batch)
	}
	if !s.Ready() {
		t.Error("store with no seeds should still become ready")
	}
}

func TestNewStore_DefaultInterval(t *testing.T) {
	s := NewStore(&fakeSource{}, nil, 0, nil)
	if s.Interval() != DefaultInterval {
		t.Errorf("Interval = %v, want %v", s.Interval(), DefaultInterval)
	}
}

// gatedSource blocks every batch fetch until release is closed. With
// honorCtx set it also gives up when the fetch context ends.
type gatedSource struct {
	honorCtx bool
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
	prices   map[string]decimal.Decimal
}

func newGatedSource(honorCtx bool) *gatedSource {
	return &gatedSource{
		honorCtx: honorCtx,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		prices:   map[string]decimal.Decimal{"KRW-BTC": d(999), "KRW-ETH": d(999)},
	}
}

func (g *gatedSource) FetchPrice(_ context.Context, symbol string) decimal.Decimal {
	return map[string]decimal.Decimal{"KRW-BTC": d(150), "KRW-ETH": d(60)}[symbol]
}

func (g *gatedSource) FetchPrices(ctx context.Context, _ []string) map[string]decimal.Decimal {
	g.once.Do(func() { close(g.entered) })
	if !g.honorCtx {
		<-g.release
		return g.prices
	}
	select {
	case <-g.release:
		return g.prices
	case <-ctx.Done():
		return map[string]decimal.Decimal{}
	}
}

func initializedWith(t *testing.T, src PriceSource) *Store {
	t.Helper()
	s := newTestStore(src, testSeeds(), time.Hour)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestStore_CloseDropsInFlightRefresh(t *testing.T) {
	src := newGatedSource(false)
	s := initializedWith(t, src)

	var mu sync.Mutex
	updates := 0
	s.OnUpdate(func(model.Portfolio) {
		mu.Lock()
		updates++
		mu.Unlock()
	})

	refreshed := make(chan model.Portfolio, 1)
	go func() { refreshed <- s.Refresh(context.Background()) }()
	<-src.entered

	closeDone := make(chan struct{})
	go func() {
		s.Close()
		close(closeDone)
	}()
	waitFor(t, 2*time.Second, s.closed.Load)

	close(src.release)
	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the fetch finished")
	}

	if got := s.Snapshot().Holdings[0].CurrentPrice; !got.Equal(d(150)) {
		t.Errorf("KRW-BTC = %s after Close, want 150 (fetch result dropped)", got)
	}
	if p := <-refreshed; !p.Holdings[0].CurrentPrice.Equal(d(150)) {
		t.Errorf("Refresh returned KRW-BTC = %s, want 150", p.Holdings[0].CurrentPrice)
	}
	mu.Lock()
	defer mu.Unlock()
	if updates != 0 {
		t.Errorf("subscribers notified %d times across Close, want 0", updates)
	}
}

func TestStore_CloseCancelsInFlightFetch(t *testing.T) {
	src := newGatedSource(true)
	s := initializedWith(t, src)

	refreshed := make(chan model.Portfolio, 1)
	go func() { refreshed <- s.Refresh(context.Background()) }()
	<-src.entered

	closeDone := make(chan struct{})
	go func() {
		s.Close()
		close(closeDone)
	}()
	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a fetch it should have cancelled")
	}

	select {
	case p := <-refreshed:
		if !p.Holdings[0].CurrentPrice.Equal(d(150)) {
			t.Errorf("Refresh returned KRW-BTC = %s, want 150", p.Holdings[0].CurrentPrice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Refresh did not return after Close")
	}
}

func TestStore_CancelledCallerDoesNotAbortSharedRefresh(t *testing.T) {
	src := newGatedSource(true)
	s := initializedWith(t, src)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan model.Portfolio, 1)
	go func() { first <- s.Refresh(ctx) }()
	<-src.entered

	second := make(chan model.Portfolio, 1)
	go func() { second <- s.Refresh(context.Background()) }()

	cancel()
	select {
	case p := <-first:
		if !p.Holdings[0].CurrentPrice.Equal(d(150)) {
			t.Errorf("cancelled caller got KRW-BTC = %s, want the unchanged 150", p.Holdings[0].CurrentPrice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(src.release)
	select {
	case p := <-second:
		if !p.Holdings[0].CurrentPrice.Equal(d(999)) {
			t.Errorf("waiting caller got KRW-BTC = %s, want 999", p.Holdings[0].CurrentPrice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shared refresh never completed")
	}
	if got := s.Snapshot().Holdings[0].CurrentPrice; !got.Equal(d(999)) {
		t.Errorf("KRW-BTC = %s, want 999", got)
	}
}

func TestStore_FetchTimeoutBoundsRefresh(t *testing.T) {
	src := newGatedSource(true)
	s := initializedWith(t, src)
	defer s.Close()
	s.SetFetchTimeout(20 * time.Millisecond)

	done := make(chan model.Portfolio, 1)
	go func() { done <- s.Refresh(context.Background()) }()

	select {
	case p := <-done:
		if !p.Holdings[0].CurrentPrice.Equal(d(150)) {
			t.Errorf("KRW-BTC = %s, want unchanged 150 after timeout", p.Holdings[0].CurrentPrice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Refresh ignored the fetch timeout")
	}
}

func TestStore_PublishAfterCloseIsDropped(t *testing.T) {
	src := &fakeSource{}
	s := initialized(t, src)

	called := false
	s.OnUpdate(func(model.Portfolio) { called = true })
	s.Close()

	replaced := Compute([]model.Holding{model.NewHolding(testSeeds()[0], d(999))})
	p, ok := s.publish(replaced, false)
	if ok {
		t.Error("publish after Close reported success")
	}
	if !p.Holdings[0].CurrentPrice.Equal(d(150)) || len(p.Holdings) != 2 {
		t.Errorf("publish after Close returned %+v, want the kept aggregate", p.Holdings)
	}
	if got := s.Snapshot().Holdings[0].CurrentPrice; !got.Equal(d(150)) {
		t.Errorf("KRW-BTC = %s, want 150", got)
	}
	if called {
		t.Error("subscriber called after Close")
	}
}
