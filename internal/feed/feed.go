// Package feed owns the per-venue poller set: one cooperative goroutine
// per (venue, symbol, stream) pulling from a venue.Client and routing
// results into persistence, cache, and the publisher.
package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexusfeed/nexusfeed/internal/bookstate"
	"github.com/nexusfeed/nexusfeed/internal/cache"
	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/metrics"
	"github.com/nexusfeed/nexusfeed/internal/normalize"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

// TradeSink accepts trades for batched persistence (see
// internal/persistence/postgres.TradeFlusher).
type TradeSink interface {
	Add(ctx context.Context, trade persistence.Trade)
}

// Intervals controls the baseline poll cadence per stream.
type Intervals struct {
	Trade  time.Duration
	Book   time.Duration
	Ticker time.Duration
}

// DefaultIntervals matches spec.md's documented defaults.
func DefaultIntervals() Intervals {
	return Intervals{
		Trade:  2 * time.Second,
		Book:   5 * time.Second,
		Ticker: 5 * time.Second,
	}
}

const (
	minBackoff   = 3 * time.Second
	maxBackoff   = 60 * time.Second
)

// Manager owns the poller set for every registered venue/symbol and
// routes their output into persistence, the hot cache, and the publisher.
type Manager struct {
	intervals Intervals
	trades    TradeSink
	books     persistence.BookRepo
	cacheSt   *cache.Store
	pub       *publisher.Publisher
	metrics   *metrics.Registry
	log       zerolog.Logger

	mu      sync.Mutex
	engines map[string]*bookstate.Engine // by venue name
	clients map[string]venue.Client      // by venue name
	symbols map[string][]string          // venue -> symbols

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a feed manager. trades/books/cacheSt/pub/metricsReg are the
// downstream sinks every poller's ingest path writes through.
func New(intervals Intervals, trades TradeSink, books persistence.BookRepo, cacheSt *cache.Store, pub *publisher.Publisher, metricsReg *metrics.Registry, log zerolog.Logger) *Manager {
	return &Manager{
		intervals: intervals,
		trades:    trades,
		books:     books,
		cacheSt:   cacheSt,
		pub:       pub,
		metrics:   metricsReg,
		log:       log,
		engines:   make(map[string]*bookstate.Engine),
		clients:   make(map[string]venue.Client),
		symbols:   make(map[string][]string),
	}
}

// Register adds a venue client and the symbols to poll against it.
func (m *Manager) Register(client venue.Client, symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := client.Name()
	m.clients[name] = client
	m.symbols[name] = symbols

	fetch := func(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
		return client.FetchBookSnapshot(ctx, symbol)
	}
	onRestart := func(symbol string) {
		if m.metrics != nil {
			m.metrics.ConnectorRestarts.WithLabelValues(name).Inc()
		}
	}
	m.engines[name] = bookstate.NewEngine(name, fetch, onRestart)
}

// StartAll launches ticker, trade, and book pollers for every registered
// venue x symbol pair.
func (m *Manager) StartAll(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.Lock()
	defer m.mu.Unlock()

	for name, client := range m.clients {
		client := client
		engine := m.engines[name]
		for _, symbol := range m.symbols[name] {
			symbol := symbol
			m.wg.Add(3)
			go func() {
				defer m.wg.Done()
				m.runPoller(ctx, name, symbol, "trade", m.intervals.Trade, func(ctx context.Context) error {
					return m.pollTrades(ctx, client, symbol)
				})
			}()
			go func() {
				defer m.wg.Done()
				m.runPoller(ctx, name, symbol, "book", m.intervals.Book, func(ctx context.Context) error {
					return m.pollBook(ctx, client, engine, symbol)
				})
			}()
			go func() {
				defer m.wg.Done()
				m.runPoller(ctx, name, symbol, "ticker", m.intervals.Ticker, func(ctx context.Context) error {
					return m.pollTicker(ctx, client, symbol)
				})
			}()
		}
	}
}

// StopAll cancels every poller and waits for them to exit.
func (m *Manager) StopAll() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// runPoller is the shared (stream, symbol) cooperative task loop: call
// fetch, sleep baseInterval on success, back off with doubling delay on
// failure.
func (m *Manager) runPoller(ctx context.Context, venueName, symbol, stream string, baseInterval time.Duration, fetch func(context.Context) error) {
	failures := 0
	logged := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := fetch(ctx)
		if err == nil {
			failures = 0
			logged = false
			select {
			case <-ctx.Done():
				return
			case <-time.After(baseInterval):
			}
			continue
		}

		if !logged {
			m.log.Warn().Str("venue", venueName).Str("symbol", symbol).Str("stream", stream).Err(err).Msg("poll failed")
			logged = true
		} else {
			m.log.Error().Str("venue", venueName).Str("symbol", symbol).Str("stream", stream).Err(err).Msg("poll failed")
		}

		delay := backoffDelay(err, failures)
		failures++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoffDelay(err error, failures int) time.Duration {
	class, _ := venue.Classify(err)

	var base time.Duration
	switch class {
	case venue.ErrClassRateLimited, venue.ErrClassUnavailable:
		base = minBackoff + time.Duration(rand.Int63n(int64(7*time.Second)))
	default:
		base = minBackoff
	}

	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
			break
		}
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func (m *Manager) pollTrades(ctx context.Context, client venue.Client, symbol string) error {
	raws, err := client.FetchTrades(ctx, symbol)
	if err != nil {
		return err
	}
	for _, raw := range raws {
		m.ingestTrade(ctx, raw, client.Name())
	}
	return nil
}

func (m *Manager) ingestTrade(ctx context.Context, raw domain.RawEvent, source string) {
	trade, err := normalize.Trade(raw, source)
	if err != nil {
		m.log.Warn().Str("venue", source).Err(err).Msg("dropping malformed trade")
		return
	}

	if m.trades != nil {
		m.trades.Add(ctx, persistence.TradeFromDomain(trade))
	}
	if m.metrics != nil {
		m.metrics.MessagesReceived.WithLabelValues("trade").Inc()
		m.metrics.TradesIngested.Inc()
	}
	if m.pub != nil {
		m.pub.Publish(domain.Event{Type: domain.EventTrade, Venue: source, Symbol: trade.Symbol, Trade: &trade})
	}
}

func (m *Manager) pollBook(ctx context.Context, client venue.Client, engine *bookstate.Engine, symbol string) error {
	raws, err := client.FetchBookDeltas(ctx, symbol)
	if err != nil {
		return err
	}

	if len(raws) == 0 {
		// No delta envelope: force a resync via a delta carrying no
		// sequence numbers, which bookstate.Engine treats as missing.
		if _, err := engine.ApplyDelta(ctx, symbol, bookstate.Delta{}); err != nil && err != bookstate.ErrMissingSequence {
			return err
		}
	} else {
		for _, raw := range raws {
			delta, err := normalize.Delta(raw)
			if err != nil {
				m.log.Warn().Str("venue", client.Name()).Err(err).Msg("dropping malformed book delta")
				continue
			}
			if _, err := engine.ApplyDelta(ctx, symbol, delta); err != nil &&
				err != bookstate.ErrSequenceGap && err != bookstate.ErrMissingSequence {
				return err
			}
		}
	}

	snap := engine.Snapshot(symbol)
	snap.UpdatedAt = time.Now().UTC()
	m.ingestBook(ctx, snap)
	return nil
}

func (m *Manager) ingestBook(ctx context.Context, snap domain.BookSnapshot) {
	if m.books != nil {
		start := time.Now()
		if err := m.books.Upsert(ctx, snap); err != nil {
			m.log.Warn().Str("venue", snap.Venue).Str("symbol", snap.Symbol).Err(err).Msg("book snapshot upsert failed")
		} else if m.metrics != nil {
			m.metrics.DBWriteLatency.WithLabelValues("book_upsert").Observe(time.Since(start).Seconds())
		}
	}

	if m.cacheSt != nil {
		if err := m.cacheSt.PutBook(snap); err != nil {
			m.log.Debug().Err(err).Msg("book cache write failed")
		}
	}

	if m.metrics != nil {
		m.metrics.MessagesReceived.WithLabelValues("book").Inc()
	}
	if m.pub != nil {
		book := snap
		m.pub.Publish(domain.Event{Type: domain.EventBook, Venue: snap.Venue, Symbol: snap.Symbol, Book: &book})
	}
}

func (m *Manager) pollTicker(ctx context.Context, client venue.Client, symbol string) error {
	_, err := client.FetchTicker(ctx, symbol)
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.MessagesReceived.WithLabelValues("ticker").Inc()
	}
	return nil
}
