// Package replay drives time-scaled historical playback of persisted
// trades and book snapshots for one instrument.
package replay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
)

// ErrQuery is returned when a replay stream's backing query fails.
var ErrQuery = errors.New("replay: query failed")

// maxReplayRows bounds the trade query issued per session; a replay
// window wide enough to exceed it should be split into smaller sessions
// by the caller.
const maxReplayRows = 100000

// Sink receives replay events in timestamp order. A *publisher.Publisher
// client, a websocket connection wrapper, or any test double satisfies
// this.
type Sink interface {
	Send(event domain.Event) error
}

// Session describes one bounded replay request.
type Session struct {
	ID         string
	Instrument string
	From       time.Time
	To         time.Time
	Speed      float64
}

// Registry tracks in-flight replay sessions, process-local, keyed by id.
type Registry struct {
	sessions sync.Map // string -> *Session
}

// NewRegistry builds an empty session registry.
func NewRegistry() *Registry { return &Registry{} }

// Create registers a new session and returns it. speed<=0 normalizes to 1.0.
func (r *Registry) Create(instrument string, from, to time.Time, speed float64) *Session {
	if speed <= 0 {
		speed = 1.0
	}
	s := &Session{
		ID:         uuid.New().String(),
		Instrument: instrument,
		From:       from,
		To:         to,
		Speed:      speed,
	}
	r.sessions.Store(s.ID, s)
	return s
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove deletes a session, called on stream completion or disconnect.
func (r *Registry) Remove(id string) {
	r.sessions.Delete(id)
}

type timedEvent struct {
	ts    time.Time
	event domain.Event
}

// Stream queries trades and book snapshots for session.Instrument within
// [session.From, session.To], merges both sequences by timestamp, and
// delivers them to sink, sleeping between events scaled by session.Speed.
// It returns when the window is exhausted, the context is cancelled, or
// sink.Send fails.
func Stream(ctx context.Context, trades persistence.TradesRepo, books persistence.BookRepo, session *Session, sink Sink) error {
	tr := persistence.TimeRange{From: session.From, To: session.To}

	tradeRows, err := trades.ListBySymbol(ctx, session.Instrument, tr, maxReplayRows)
	if err != nil {
		return errWrap(err)
	}
	bookRows, err := books.ListSymbol(ctx, session.Instrument, tr)
	if err != nil {
		return errWrap(err)
	}

	events := make([]timedEvent, 0, len(tradeRows)+len(bookRows))
	for _, t := range tradeRows {
		trade := domain.Trade{
			Venue:     t.Venue,
			Symbol:    t.Symbol,
			Side:      domain.Side(t.Side),
			Price:     t.Price,
			Quantity:  t.Qty,
			Timestamp: t.Timestamp,
		}
		if t.TradeID != nil {
			trade.TradeID = *t.TradeID
		}
		events = append(events, timedEvent{
			ts: t.Timestamp,
			event: domain.Event{
				Type:   domain.EventTrade,
				Venue:  t.Venue,
				Symbol: t.Symbol,
				Trade:  &trade,
			},
		})
	}
	for i := range bookRows {
		b := bookRows[i]
		events = append(events, timedEvent{
			ts: b.UpdatedAt,
			event: domain.Event{
				Type:   domain.EventBook,
				Venue:  b.Venue,
				Symbol: b.Symbol,
				Book:   &b,
			},
		})
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].ts.Before(events[j].ts) })

	var prev time.Time
	for i, e := range events {
		if i > 0 {
			delta := e.ts.Sub(prev)
			if wait := time.Duration(float64(delta) / session.Speed); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		if err := sink.Send(e.event); err != nil {
			return err
		}
		prev = e.ts
	}

	return nil
}

func errWrap(err error) error {
	return &queryError{err: err}
}

type queryError struct{ err error }

func (e *queryError) Error() string { return "replay: query failed: " + e.err.Error() }
func (e *queryError) Unwrap() error { return e.err }
func (e *queryError) Is(target error) bool { return target == ErrQuery }
