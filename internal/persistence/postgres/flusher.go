package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexusfeed/nexusfeed/internal/persistence"
)

// TradeFlusher batches Insert calls and flushes them to a TradesRepo
// either when the batch reaches size or on a fixed interval, whichever
// comes first. A failed flush retains the batch and prepends it to the
// next cycle rather than dropping it (see SPEC_FULL.md §9, Open Question 3).
type TradeFlusher struct {
	repo          persistence.TradesRepo
	batchSize     int
	flushInterval time.Duration
	onFlush       func(n int, latency time.Duration)
	log           zerolog.Logger

	mu      sync.Mutex
	pending []persistence.Trade

	stop chan struct{}
	done chan struct{}
}

// NewTradeFlusher builds a flusher writing through repo.
func NewTradeFlusher(repo persistence.TradesRepo, batchSize int, flushInterval time.Duration, onFlush func(n int, latency time.Duration), log zerolog.Logger) *TradeFlusher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &TradeFlusher{
		repo:          repo,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		onFlush:       onFlush,
		log:           log,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (f *TradeFlusher) Start(ctx context.Context) {
	go f.run(ctx)
}

// Stop halts the flush loop and flushes any remaining trades.
func (f *TradeFlusher) Stop(ctx context.Context) {
	close(f.stop)
	<-f.done
	f.mu.Lock()
	toFlush := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(toFlush) > 0 {
		if err := f.flush(ctx, toFlush); err != nil {
			f.log.Error().Err(err).Int("count", len(toFlush)).Msg("final flush failed, trades dropped on shutdown")
		}
	}
}

// Add appends a trade to the pending batch, flushing immediately if the
// batch has reached batchSize.
func (f *TradeFlusher) Add(ctx context.Context, trade persistence.Trade) {
	f.mu.Lock()
	f.pending = append(f.pending, trade)
	shouldFlush := len(f.pending) >= f.batchSize
	var toFlush []persistence.Trade
	if shouldFlush {
		toFlush = f.pending
		f.pending = nil
	}
	f.mu.Unlock()

	if shouldFlush {
		if err := f.flush(ctx, toFlush); err != nil {
			f.retain(toFlush)
			f.log.Warn().Err(err).Int("count", len(toFlush)).Msg("trade flush failed, retaining batch for retry")
		}
	}
}

func (f *TradeFlusher) run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			toFlush := f.pending
			f.pending = nil
			f.mu.Unlock()

			if len(toFlush) == 0 {
				continue
			}
			if err := f.flush(ctx, toFlush); err != nil {
				f.retain(toFlush)
				f.log.Warn().Err(err).Int("count", len(toFlush)).Msg("trade flush failed, retaining batch for retry")
			}
		}
	}
}

// retain prepends a previously-drained batch back onto pending so the
// next cycle retries it ahead of newly arrived trades.
func (f *TradeFlusher) retain(batch []persistence.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(batch, f.pending...)
}

func (f *TradeFlusher) flush(ctx context.Context, batch []persistence.Trade) error {
	start := time.Now()
	err := f.repo.InsertBatch(ctx, batch)
	latency := time.Since(start)
	if err != nil {
		return err
	}
	if f.onFlush != nil {
		f.onFlush(len(batch), latency)
	}
	return nil
}
