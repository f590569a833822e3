package bookstate

import (
	"context"
	"errors"
	"testing"

	"github.com/nexusfeed/nexusfeed/internal/domain"
)

func fetcher(seq int64) SnapshotFetcher {
	return func(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
		return domain.BookSnapshot{
			Symbol:   symbol,
			Sequence: seq,
			Bids:     []domain.PriceLevel{{Price: 100, Quantity: 1}},
			Asks:     []domain.PriceLevel{{Price: 101, Quantity: 1}},
		}, nil
	}
}

func TestApplyDelta_FirstDeltaResyncs(t *testing.T) {
	restarts := 0
	e := NewEngine("binance", fetcher(100), func(symbol string) { restarts++ })

	applied, err := e.ApplyDelta(context.Background(), "BTCUSDT", Delta{
		HasFirst: true, HasLast: true, FirstUpdateID: 101, LastUpdateID: 105,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatalf("expected delta to apply after initial snapshot")
	}
	if restarts != 1 {
		t.Fatalf("expected exactly one resync, got %d", restarts)
	}
}

func TestApplyDelta_GapTriggersResync(t *testing.T) {
	e := NewEngine("binance", fetcher(100), nil)
	ctx := context.Background()

	if _, err := e.ApplyDelta(ctx, "BTCUSDT", Delta{HasFirst: true, HasLast: true, FirstUpdateID: 101, LastUpdateID: 105}); err != nil {
		t.Fatalf("seed delta failed: %v", err)
	}

	applied, err := e.ApplyDelta(ctx, "BTCUSDT", Delta{HasFirst: true, HasLast: true, FirstUpdateID: 110, LastUpdateID: 112})
	if applied {
		t.Fatalf("gapped delta should not apply")
	}
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
}

func TestApplyDelta_MissingSequenceResyncs(t *testing.T) {
	e := NewEngine("binance", fetcher(100), nil)
	ctx := context.Background()
	e.ApplyDelta(ctx, "BTCUSDT", Delta{HasFirst: true, HasLast: true, FirstUpdateID: 101, LastUpdateID: 101})

	applied, err := e.ApplyDelta(ctx, "BTCUSDT", Delta{})
	if applied {
		t.Fatalf("delta with no envelope should never apply")
	}
	if !errors.Is(err, ErrMissingSequence) {
		t.Fatalf("expected ErrMissingSequence, got %v", err)
	}
}

func TestApplyDelta_ZeroQuantityRemovesLevel(t *testing.T) {
	e := NewEngine("binance", fetcher(100), nil)
	ctx := context.Background()
	e.ApplyDelta(ctx, "BTCUSDT", Delta{HasFirst: true, HasLast: true, FirstUpdateID: 101, LastUpdateID: 101})

	applied, err := e.ApplyDelta(ctx, "BTCUSDT", Delta{
		HasFirst: true, HasLast: true, FirstUpdateID: 102, LastUpdateID: 102,
		Bids: []domain.PriceLevel{{Price: 100, Quantity: 0}},
	})
	if err != nil || !applied {
		t.Fatalf("expected delta to apply cleanly, got applied=%v err=%v", applied, err)
	}

	snap := e.Snapshot("BTCUSDT")
	for _, lvl := range snap.Bids {
		if lvl.Price == 100 {
			t.Fatalf("level at 100 should have been removed by zero-quantity update")
		}
	}
}

func TestSnapshot_SortOrder(t *testing.T) {
	e := NewEngine("binance", fetcher(1), nil)
	ctx := context.Background()
	e.ApplyDelta(ctx, "BTCUSDT", Delta{
		HasFirst: true, HasLast: true, FirstUpdateID: 2, LastUpdateID: 2,
		Bids: []domain.PriceLevel{{Price: 99, Quantity: 1}, {Price: 100, Quantity: 1}},
		Asks: []domain.PriceLevel{{Price: 102, Quantity: 1}, {Price: 101, Quantity: 1}},
	})

	snap := e.Snapshot("BTCUSDT")
	if snap.Bids[0].Price != 100 {
		t.Fatalf("expected bids sorted descending, got %+v", snap.Bids)
	}
	if snap.Asks[0].Price != 101 {
		t.Fatalf("expected asks sorted ascending, got %+v", snap.Asks)
	}
}
