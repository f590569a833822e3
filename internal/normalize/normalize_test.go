package normalize

import (
	"testing"

	"github.com/nexusfeed/nexusfeed/internal/domain"
)

func TestTrade_FieldAliasResolution(t *testing.T) {
	raw := domain.RawEvent{
		"pair":      "BTC-USD",
		"price":     "50000.5",
		"qty":       "0.25",
		"side":      "buy",
		"tid":       "abc123",
		"timestamp": float64(1700000000),
	}

	tr, err := Trade(raw, "kraken")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Symbol != "BTC-USD" || tr.Price != 50000.5 || tr.Quantity != 0.25 {
		t.Fatalf("unexpected trade: %+v", tr)
	}
	if tr.TradeID != "abc123" || tr.Side != domain.SideBuy {
		t.Fatalf("unexpected trade: %+v", tr)
	}
}

func TestTrade_MissingPriceIsMalformed(t *testing.T) {
	raw := domain.RawEvent{"symbol": "BTC-USD", "amount": "1"}
	if _, err := Trade(raw, "binance"); err == nil {
		t.Fatal("expected malformed payload error")
	}
}

func TestTrade_MillisecondEpochDetected(t *testing.T) {
	raw := domain.RawEvent{
		"symbol":    "BTC-USD",
		"price":     "1",
		"size":      "1",
		"timestamp": float64(1700000000000),
	}
	tr, err := Trade(raw, "binance")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Timestamp.Year() < 2023 {
		t.Fatalf("expected millisecond epoch to parse to a recent year, got %v", tr.Timestamp)
	}
}

func TestBook_LevelsFromObjectsAndPairs(t *testing.T) {
	raw := domain.RawEvent{
		"instrument": "ETH-USD",
		"sequence":   float64(42),
		"bids":       []any{[]any{"100.0", "2.0"}},
		"asks":       []any{map[string]any{"price": "101.0", "amount": "1.0"}},
	}

	book, err := Book(raw, "coinbase")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if book.Sequence != 42 || len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("unexpected book: %+v", book)
	}
	if book.Bids[0].Price != 100.0 || book.Asks[0].Price != 101.0 {
		t.Fatalf("unexpected levels: %+v", book)
	}
}

func TestBook_MissingSymbolIsMalformed(t *testing.T) {
	raw := domain.RawEvent{"bids": []any{}, "asks": []any{}}
	if _, err := Book(raw, "okx"); err == nil {
		t.Fatal("expected malformed payload error")
	}
}

func TestDelta_EnvelopeAndConcreteLevels(t *testing.T) {
	raw := domain.RawEvent{
		"U": int64(101),
		"u": int64(105),
		"b": [][]string{{"100.0", "1.5"}},
		"a": [][]string{{"101.0", "0"}},
	}

	d, err := Delta(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.HasFirst || !d.HasLast || d.FirstUpdateID != 101 || d.LastUpdateID != 105 {
		t.Fatalf("unexpected envelope: %+v", d)
	}
	if len(d.Bids) != 1 || len(d.Asks) != 1 {
		t.Fatalf("unexpected levels: %+v", d)
	}
}

func TestDelta_MissingEnvelope(t *testing.T) {
	d, err := Delta(domain.RawEvent{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.HasFirst || d.HasLast {
		t.Fatalf("expected no envelope present: %+v", d)
	}
}
