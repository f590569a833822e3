// Package bookstate implements the Binance-style sequenced order-book
// delta state machine: apply deltas on top of a REST snapshot, detect
// sequence gaps, and resync from a fresh snapshot when one occurs.
package bookstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nexusfeed/nexusfeed/internal/domain"
)

// ErrSequenceGap is returned (informationally, via the resync path) when
// a delta does not chain from the book's last applied update.
var ErrSequenceGap = errors.New("bookstate: sequence gap")

// ErrMissingSequence is returned when a delta carries no U/u envelope.
var ErrMissingSequence = errors.New("bookstate: missing sequence envelope")

// Delta is one venue depth-update message.
type Delta struct {
	FirstUpdateID int64 // U
	LastUpdateID  int64 // u
	HasFirst      bool
	HasLast       bool
	Bids          []domain.PriceLevel
	Asks          []domain.PriceLevel
}

// SnapshotFetcher retrieves a fresh REST snapshot for symbol.
type SnapshotFetcher func(ctx context.Context, symbol string) (domain.BookSnapshot, error)

type symbolBook struct {
	mu            sync.Mutex
	lastUpdateID  int64
	haveSnapshot  bool
	bids          map[float64]float64
	asks          map[float64]float64
}

func newSymbolBook() *symbolBook {
	return &symbolBook{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

// RestartHook is invoked each time a symbol resyncs from snapshot,
// letting the caller bump a restart counter/metric.
type RestartHook func(symbol string)

// Engine owns one book per symbol and applies deltas against it.
type Engine struct {
	venue    string
	fetch    SnapshotFetcher
	onRestart RestartHook

	mu     sync.Mutex
	books  map[string]*symbolBook
}

// NewEngine builds a book state engine for one venue.
func NewEngine(venue string, fetch SnapshotFetcher, onRestart RestartHook) *Engine {
	return &Engine{
		venue:     venue,
		fetch:     fetch,
		onRestart: onRestart,
		books:     make(map[string]*symbolBook),
	}
}

func (e *Engine) bookFor(symbol string) *symbolBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		b = newSymbolBook()
		e.books[symbol] = b
	}
	return b
}

func (e *Engine) resync(ctx context.Context, symbol string, b *symbolBook) error {
	snap, err := e.fetch(ctx, symbol)
	if err != nil {
		return fmt.Errorf("bookstate: resync %s/%s: %w", e.venue, symbol, err)
	}
	b.bids = make(map[float64]float64, len(snap.Bids))
	b.asks = make(map[float64]float64, len(snap.Asks))
	for _, lvl := range snap.Bids {
		b.bids[lvl.Price] = lvl.Quantity
	}
	for _, lvl := range snap.Asks {
		b.asks[lvl.Price] = lvl.Quantity
	}
	b.lastUpdateID = snap.Sequence
	b.haveSnapshot = true
	if e.onRestart != nil {
		e.onRestart(symbol)
	}
	return nil
}

func applyLevels(book map[float64]float64, levels []domain.PriceLevel) {
	for _, lvl := range levels {
		if lvl.Quantity == 0 {
			delete(book, lvl.Price)
			continue
		}
		book[lvl.Price] = lvl.Quantity
	}
}

// ApplyDelta applies one depth delta to symbol's book. It returns true
// if the delta was applied in place; false means a resync occurred (or
// failed) and the caller should expect the book to reflect only the
// fresh snapshot, not this delta.
func (e *Engine) ApplyDelta(ctx context.Context, symbol string, delta Delta) (bool, error) {
	b := e.bookFor(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.haveSnapshot {
		if err := e.resync(ctx, symbol, b); err != nil {
			return false, err
		}
		if delta.HasLast && delta.LastUpdateID <= b.lastUpdateID {
			return false, nil
		}
	}

	if !delta.HasFirst || !delta.HasLast {
		if err := e.resync(ctx, symbol, b); err != nil {
			return false, err
		}
		return false, ErrMissingSequence
	}

	last := b.lastUpdateID
	if delta.FirstUpdateID == last+1 || (delta.FirstUpdateID <= last+1 && last+1 <= delta.LastUpdateID) {
		applyLevels(b.bids, delta.Bids)
		applyLevels(b.asks, delta.Asks)
		b.lastUpdateID = delta.LastUpdateID
		return true, nil
	}

	if err := e.resync(ctx, symbol, b); err != nil {
		return false, err
	}
	return false, ErrSequenceGap
}

// Snapshot returns the current merged book state for symbol, sorted
// bids descending and asks ascending by price.
func (e *Engine) Snapshot(symbol string) domain.BookSnapshot {
	b := e.bookFor(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	bids := make([]domain.PriceLevel, 0, len(b.bids))
	for p, q := range b.bids {
		bids = append(bids, domain.PriceLevel{Price: p, Quantity: q})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })

	asks := make([]domain.PriceLevel, 0, len(b.asks))
	for p, q := range b.asks {
		asks = append(asks, domain.PriceLevel{Price: p, Quantity: q})
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return domain.BookSnapshot{
		Venue:    e.venue,
		Symbol:   symbol,
		Bids:     bids,
		Asks:     asks,
		Sequence: b.lastUpdateID,
	}
}
