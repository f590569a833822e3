package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexusfeed/nexusfeed/internal/persistence"
)

type fakeTradesRepo struct {
	persistence.TradesRepo
	mu       sync.Mutex
	batches  [][]persistence.Trade
	failNext bool
}

func (f *fakeTradesRepo) InsertBatch(ctx context.Context, trades []persistence.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("simulated write failure")
	}
	cp := append([]persistence.Trade(nil), trades...)
	f.batches = append(f.batches, cp)
	return nil
}

func TestTradeFlusher_SizeTriggeredFlush(t *testing.T) {
	repo := &fakeTradesRepo{}
	flushed := 0
	f := NewTradeFlusher(repo, 2, time.Hour, func(n int, _ time.Duration) { flushed += n }, zerolog.Nop())

	ctx := context.Background()
	f.Add(ctx, persistence.Trade{Symbol: "A"})
	f.Add(ctx, persistence.Trade{Symbol: "B"})

	if flushed != 2 {
		t.Fatalf("expected 2 trades flushed by size trigger, got %d", flushed)
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.batches) != 1 || len(repo.batches[0]) != 2 {
		t.Fatalf("expected one batch of 2, got %+v", repo.batches)
	}
}

func TestTradeFlusher_RetainsBatchOnFailure(t *testing.T) {
	repo := &fakeTradesRepo{failNext: true}
	f := NewTradeFlusher(repo, 1, time.Hour, nil, zerolog.Nop())

	f.Add(context.Background(), persistence.Trade{Symbol: "A"})

	f.mu.Lock()
	pending := len(f.pending)
	f.mu.Unlock()
	if pending != 1 {
		t.Fatalf("expected failed batch to be retained, pending=%d", pending)
	}
}

func TestTradeFlusher_StopFlushesRemainder(t *testing.T) {
	repo := &fakeTradesRepo{}
	f := NewTradeFlusher(repo, 100, time.Hour, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	f.Add(ctx, persistence.Trade{Symbol: "A"})
	f.Stop(context.Background())

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.batches) != 1 || len(repo.batches[0]) != 1 {
		t.Fatalf("expected Stop to flush the remaining trade, got %+v", repo.batches)
	}
}
