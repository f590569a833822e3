package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
)

type fakeTrades struct {
	rows []persistence.Trade
}

func (f *fakeTrades) Insert(ctx context.Context, trade persistence.Trade) error { return nil }
func (f *fakeTrades) InsertBatch(ctx context.Context, trades []persistence.Trade) error { return nil }
func (f *fakeTrades) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.Trade, error) {
	return f.rows, nil
}
func (f *fakeTrades) ListByVenue(ctx context.Context, venue string, tr persistence.TimeRange, limit int) ([]persistence.Trade, error) {
	return nil, nil
}
func (f *fakeTrades) GetLatest(ctx context.Context, limit int) ([]persistence.Trade, error) {
	return nil, nil
}
func (f *fakeTrades) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	return int64(len(f.rows)), nil
}
func (f *fakeTrades) CountByVenue(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	return nil, nil
}

type fakeBooks struct {
	rows []domain.BookSnapshot
}

func (f *fakeBooks) Upsert(ctx context.Context, snap domain.BookSnapshot) error { return nil }
func (f *fakeBooks) Get(ctx context.Context, venue, symbol string) (domain.BookSnapshot, error) {
	return domain.BookSnapshot{}, errors.New("not implemented")
}
func (f *fakeBooks) ListVenue(ctx context.Context, venue string) ([]domain.BookSnapshot, error) {
	return nil, nil
}
func (f *fakeBooks) ListSymbol(ctx context.Context, symbol string, tr persistence.TimeRange) ([]domain.BookSnapshot, error) {
	return f.rows, nil
}

type recordingSink struct {
	events []domain.Event
	times  []time.Time
}

func (s *recordingSink) Send(e domain.Event) error {
	s.events = append(s.events, e)
	s.times = append(s.times, time.Now())
	return nil
}

type failingSink struct{ calls int }

func (s *failingSink) Send(e domain.Event) error {
	s.calls++
	return errors.New("send failed")
}

func TestRegistry_CreateGetRemove(t *testing.T) {
	r := NewRegistry()
	s := r.Create("BTC/USD", time.Unix(0, 0), time.Unix(100, 0), 2.0)

	got, ok := r.Get(s.ID)
	if !ok || got.Instrument != "BTC/USD" || got.Speed != 2.0 {
		t.Fatalf("unexpected session: %+v", got)
	}

	r.Remove(s.ID)
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("expected session to be removed")
	}
}

func TestRegistry_Create_NonPositiveSpeedNormalizesToOne(t *testing.T) {
	r := NewRegistry()
	s := r.Create("BTC/USD", time.Unix(0, 0), time.Unix(100, 0), 0)
	if s.Speed != 1.0 {
		t.Fatalf("expected speed to normalize to 1.0, got %v", s.Speed)
	}
}

func TestStream_MergesTradesAndBooksByTimestamp(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	tid := "t1"
	trades := &fakeTrades{rows: []persistence.Trade{
		{Symbol: "BTC/USD", Venue: "binance", Price: 100, Qty: 1, Timestamp: base.Add(2 * time.Second), TradeID: &tid},
	}}
	books := &fakeBooks{rows: []domain.BookSnapshot{
		{Symbol: "BTC/USD", Venue: "kraken", UpdatedAt: base.Add(1 * time.Second)},
	}}

	sink := &recordingSink{}
	session := &Session{ID: "s1", Instrument: "BTC/USD", From: base, To: base.Add(10 * time.Second), Speed: 1000}

	if err := Stream(context.Background(), trades, books, session, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sink.events))
	}
	if sink.events[0].Type != domain.EventBook || sink.events[1].Type != domain.EventTrade {
		t.Fatalf("expected book-then-trade ordering, got %+v", sink.events)
	}
}

func TestStream_SinkErrorTerminatesStream(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	trades := &fakeTrades{rows: []persistence.Trade{
		{Symbol: "BTC/USD", Timestamp: base},
		{Symbol: "BTC/USD", Timestamp: base.Add(time.Second)},
	}}
	books := &fakeBooks{}
	sink := &failingSink{}
	session := &Session{ID: "s1", Instrument: "BTC/USD", From: base, To: base.Add(10 * time.Second), Speed: 1000}

	if err := Stream(context.Background(), trades, books, session, sink); err == nil {
		t.Fatal("expected error from failing sink")
	}
	if sink.calls != 1 {
		t.Fatalf("expected stream to stop after first failed send, got %d calls", sink.calls)
	}
}

func TestStream_PacingScaledBySpeed(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	trades := &fakeTrades{rows: []persistence.Trade{
		{Symbol: "BTC/USD", Timestamp: base},
		{Symbol: "BTC/USD", Timestamp: base.Add(200 * time.Millisecond)},
	}}
	books := &fakeBooks{}
	sink := &recordingSink{}
	session := &Session{ID: "s1", Instrument: "BTC/USD", From: base, To: base.Add(time.Second), Speed: 2.0}

	start := time.Now()
	if err := Stream(context.Background(), trades, books, session, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 90*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Fatalf("expected ~100ms pacing (200ms delta / speed 2.0), got %v", elapsed)
	}
}

func TestStream_ContextCancellationStopsMidReplay(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	trades := &fakeTrades{rows: []persistence.Trade{
		{Symbol: "BTC/USD", Timestamp: base},
		{Symbol: "BTC/USD", Timestamp: base.Add(5 * time.Second)},
	}}
	books := &fakeBooks{}
	sink := &recordingSink{}
	session := &Session{ID: "s1", Instrument: "BTC/USD", From: base, To: base.Add(10 * time.Second), Speed: 1.0}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Stream(ctx, trades, books, session, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected exactly 1 event delivered before cancellation, got %d", len(sink.events))
	}
}
