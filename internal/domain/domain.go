// Package domain holds the wire and storage types shared across every
// component of the aggregator.
package domain

import "time"

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a single executed trade normalized from a venue feed.
type Trade struct {
	Venue      string            `json:"venue" db:"venue"`
	Symbol     string            `json:"symbol" db:"symbol"`
	Side       Side              `json:"side" db:"side"`
	Price      float64           `json:"price" db:"price"`
	Quantity   float64           `json:"quantity" db:"quantity"`
	Timestamp  time.Time         `json:"timestamp" db:"ts"`
	TradeID    string            `json:"trade_id" db:"trade_id"`
	Attributes map[string]string `json:"attributes,omitempty" db:"-"`
}

// PriceLevel is one (price, quantity) entry on a book side.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// BookSnapshot is the current order-book state (all price levels) for one (venue, symbol).
type BookSnapshot struct {
	Venue     string       `json:"venue" db:"venue"`
	Symbol    string       `json:"symbol" db:"symbol"`
	Bids      []PriceLevel `json:"bids" db:"-"`
	Asks      []PriceLevel `json:"asks" db:"-"`
	Sequence  int64        `json:"sequence" db:"sequence"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

// EventType distinguishes the payloads carried on the publisher fan-out.
type EventType string

const (
	EventTrade EventType = "trade"
	EventBook  EventType = "book"
)

// Event is the envelope the publisher fans out to subscribers and the
// replay engine feeds to a stream.
type Event struct {
	Type   EventType     `json:"type"`
	Venue  string        `json:"venue"`
	Symbol string        `json:"symbol"`
	Trade  *Trade        `json:"trade,omitempty"`
	Book   *BookSnapshot `json:"book,omitempty"`
}

// RawEvent is an unparsed venue payload, keyed by whatever field names
// that venue uses natively.
type RawEvent map[string]any
