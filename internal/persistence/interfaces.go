package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/domain"
)

// ErrNotFound is returned by BookRepo.Get when no snapshot is stored
// yet for the requested (venue, symbol).
var ErrNotFound = errors.New("persistence: not found")

// TimeRange represents a time window for data queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Trade is the persisted row shape for a single trade execution.
type Trade struct {
	ID         int64             `json:"id" db:"id"`
	Timestamp  time.Time         `json:"ts" db:"ts"`
	Symbol     string            `json:"symbol" db:"symbol"`
	Venue      string            `json:"venue" db:"venue"`
	Side       string            `json:"side" db:"side"`
	Price      float64           `json:"price" db:"price"`
	Qty        float64           `json:"qty" db:"qty"`
	TradeID    *string           `json:"trade_id,omitempty" db:"trade_id"`
	Attributes map[string]string `json:"attributes" db:"attributes"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// TradeFromDomain converts a domain.Trade into its persisted row shape.
func TradeFromDomain(t domain.Trade) Trade {
	var tradeID *string
	if t.TradeID != "" {
		tradeID = &t.TradeID
	}
	return Trade{
		Timestamp:  t.Timestamp,
		Symbol:     t.Symbol,
		Venue:      t.Venue,
		Side:       string(t.Side),
		Price:      t.Price,
		Qty:        t.Quantity,
		TradeID:    tradeID,
		Attributes: t.Attributes,
	}
}

// BookSnapshot is the persisted row shape for an order-book snapshot.
type BookSnapshot struct {
	ID        int64     `json:"id" db:"id"`
	Venue     string    `json:"venue" db:"venue"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Sequence  int64     `json:"sequence" db:"sequence"`
	Bids      string    `json:"bids" db:"bids"` // JSON-encoded []domain.PriceLevel
	Asks      string    `json:"asks" db:"asks"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TradesRepo provides trade persistence and batched ingestion.
type TradesRepo interface {
	// Insert adds a single trade record.
	Insert(ctx context.Context, trade Trade) error

	// InsertBatch adds multiple trades atomically.
	InsertBatch(ctx context.Context, trades []Trade) error

	// ListBySymbol retrieves trades for a symbol within a time range.
	ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]Trade, error)

	// ListByVenue retrieves trades for a venue within a time range.
	ListByVenue(ctx context.Context, venue string, tr TimeRange, limit int) ([]Trade, error)

	// GetLatest returns the most recent trades across all symbols/venues.
	GetLatest(ctx context.Context, limit int) ([]Trade, error)

	// Count returns total trades within a time range.
	Count(ctx context.Context, tr TimeRange) (int64, error)

	// CountByVenue returns trade counts grouped by venue.
	CountByVenue(ctx context.Context, tr TimeRange) (map[string]int64, error)
}

// BookRepo persists the latest order-book snapshot per (venue, symbol).
type BookRepo interface {
	// Upsert writes or overwrites the snapshot for its (venue, symbol) key.
	Upsert(ctx context.Context, snap domain.BookSnapshot) error

	// Get returns the most recently stored snapshot for venue/symbol.
	Get(ctx context.Context, venue, symbol string) (domain.BookSnapshot, error)

	// ListVenue returns every stored snapshot for a venue.
	ListVenue(ctx context.Context, venue string) ([]domain.BookSnapshot, error)

	// ListSymbol returns every stored snapshot for symbol (across venues)
	// whose updated_at falls within tr, ordered by updated_at. Since
	// snapshots upsert in place, this returns at most one row per venue.
	ListSymbol(ctx context.Context, symbol string, tr TimeRange) ([]domain.BookSnapshot, error)
}

// Repository aggregates the persistence interfaces the rest of the
// system depends on.
type Repository struct {
	Trades TradesRepo
	Books  BookRepo
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
	Stats(ctx context.Context) map[string]interface{}
}
