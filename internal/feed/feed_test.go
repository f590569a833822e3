package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/nexusfeed/nexusfeed/internal/cache"
	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/metrics"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

type fakeTradeSink struct {
	mu     sync.Mutex
	trades []persistence.Trade
}

func (f *fakeTradeSink) Add(ctx context.Context, trade persistence.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, trade)
}

func (f *fakeTradeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trades)
}

type fakeBookRepo struct {
	mu    sync.Mutex
	upserted []domain.BookSnapshot
}

func (f *fakeBookRepo) Upsert(ctx context.Context, snap domain.BookSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, snap)
	return nil
}
func (f *fakeBookRepo) Get(ctx context.Context, venue, symbol string) (domain.BookSnapshot, error) {
	return domain.BookSnapshot{}, errors.New("not implemented")
}
func (f *fakeBookRepo) ListVenue(ctx context.Context, venue string) ([]domain.BookSnapshot, error) {
	return nil, nil
}
func (f *fakeBookRepo) ListSymbol(ctx context.Context, symbol string, tr persistence.TimeRange) ([]domain.BookSnapshot, error) {
	return nil, nil
}

type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeSubscriber) ID() string { return f.id }
func (f *fakeSubscriber) Send(evt domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}
func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestManager(t *testing.T) (*Manager, *fakeTradeSink, *fakeBookRepo, *fakeSubscriber) {
	t.Helper()
	trades := &fakeTradeSink{}
	books := &fakeBookRepo{}
	pub := publisher.New(8, zerolog.Nop())
	pub.Start()
	t.Cleanup(pub.Stop)

	sub := &fakeSubscriber{id: "sub1"}
	pub.Register(sub)
	pub.Subscribe(sub, "BTC/USD")

	store := cache.NewStore(cache.New(), time.Minute)
	m := New(DefaultIntervals(), trades, books, store, pub, nil, zerolog.Nop())
	return m, trades, books, sub
}

func TestIngestTrade_PersistsAndPublishes(t *testing.T) {
	m, trades, _, sub := newTestManager(t)

	raw := domain.RawEvent{"symbol": "BTC-USD", "price": "100.0", "amount": "1.0", "side": "buy"}
	m.ingestTrade(context.Background(), raw, "binance")

	if trades.count() != 1 {
		t.Fatalf("expected 1 persisted trade, got %d", trades.count())
	}
	waitFor(t, func() bool { return sub.count() == 1 })
}

func TestIngestTrade_MalformedDropsSilently(t *testing.T) {
	m, trades, _, _ := newTestManager(t)

	raw := domain.RawEvent{"symbol": "BTC-USD"} // missing price
	m.ingestTrade(context.Background(), raw, "binance")

	if trades.count() != 0 {
		t.Fatalf("expected malformed trade to be dropped, got %d persisted", trades.count())
	}
}

func TestIngestBook_UpsertsCachesAndPublishes(t *testing.T) {
	m, _, books, sub := newTestManager(t)

	snap := domain.BookSnapshot{Venue: "binance", Symbol: "BTC/USD", Bids: []domain.PriceLevel{{Price: 100, Quantity: 1}}}
	m.ingestBook(context.Background(), snap)

	if len(books.upserted) != 1 {
		t.Fatalf("expected 1 upserted snapshot, got %d", len(books.upserted))
	}
	if _, ok := m.cacheSt.GetBook("BTC/USD"); !ok {
		t.Fatal("expected book snapshot to be cached")
	}
	waitFor(t, func() bool { return sub.count() == 1 })
}

func TestBackoffDelay_RateLimitedWithinRandomizedRange(t *testing.T) {
	err := &venue.Error{Class: venue.ErrClassRateLimited, Venue: "binance", Err: errors.New("429")}
	d := backoffDelay(err, 0)
	if d < minBackoff || d > minBackoff+7*time.Second {
		t.Fatalf("expected delay within [%v, %v], got %v", minBackoff, minBackoff+7*time.Second, d)
	}
}

func TestBackoffDelay_DoublingCapsAtMax(t *testing.T) {
	err := &venue.Error{Class: venue.ErrClassNetwork, Venue: "binance", Err: errors.New("timeout")}
	d := backoffDelay(err, 20)
	if d != maxBackoff {
		t.Fatalf("expected delay capped at %v, got %v", maxBackoff, d)
	}
}

func TestBackoffDelay_ResetsToBaseOnFirstFailure(t *testing.T) {
	err := &venue.Error{Class: venue.ErrClassNetwork, Venue: "binance", Err: errors.New("timeout")}
	d := backoffDelay(err, 0)
	if d != minBackoff {
		t.Fatalf("expected first failure delay to be %v, got %v", minBackoff, d)
	}
}

func TestMetrics_IncrementOnIngest(t *testing.T) {
	trades := &fakeTradeSink{}
	books := &fakeBookRepo{}
	pub := publisher.New(8, zerolog.Nop())
	pub.Start()
	defer pub.Stop()
	store := cache.NewStore(cache.New(), time.Minute)
	reg := metrics.New()
	m := New(DefaultIntervals(), trades, books, store, pub, reg, zerolog.Nop())

	raw := domain.RawEvent{"symbol": "BTC-USD", "price": "100.0", "amount": "1.0"}
	m.ingestTrade(context.Background(), raw, "binance")

	if got := testutil.ToFloat64(reg.TradesIngested); got != 1 {
		t.Fatalf("expected trades_ingested_total to be 1, got %v", got)
	}
}
