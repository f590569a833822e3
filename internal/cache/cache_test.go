package cache

import (
	"testing"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/domain"
)

func TestMemoryCache_GetSetRoundtrip(t *testing.T) {
	c := New()
	c.Set("book:binance:BTC-USD", []byte(`{"symbol":"BTC-USD"}`), time.Minute)

	v, ok := c.Get("book:binance:BTC-USD")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if string(v) != `{"symbol":"BTC-USD"}` {
		t.Fatalf("unexpected value: %s", v)
	}
}

func TestMemoryCache_ExpiredEntryMisses(t *testing.T) {
	c := New()
	c.Set("k", []byte("v"), time.Nanosecond)
	time.Sleep(time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestStore_PutGetBook(t *testing.T) {
	store := NewStore(New(), time.Minute)
	snap := domain.BookSnapshot{
		Venue:  "binance",
		Symbol: "BTC-USD",
		Bids:   []domain.PriceLevel{{Price: 100, Quantity: 1}},
	}

	if err := store.PutBook(snap); err != nil {
		t.Fatalf("PutBook failed: %v", err)
	}

	got, ok := store.GetBook("BTC-USD")
	if !ok {
		t.Fatalf("expected cached book to be found")
	}
	if got.Symbol != "BTC-USD" || len(got.Bids) != 1 {
		t.Fatalf("unexpected cached snapshot: %+v", got)
	}
}

func TestStore_GetBookMissReturnsFalse(t *testing.T) {
	store := NewStore(New(), time.Minute)
	if _, ok := store.GetBook("ETH-USD"); ok {
		t.Fatalf("expected miss for uncached symbol")
	}
}

func TestBookKey_Format(t *testing.T) {
	if got := BookKey("BTC-USD"); got != "book:BTC-USD" {
		t.Fatalf("unexpected key: %s", got)
	}
}
