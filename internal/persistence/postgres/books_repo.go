package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
)

// booksRepo implements persistence.BookRepo for PostgreSQL.
type booksRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBookRepo creates a PostgreSQL-backed book-snapshot repository.
func NewBookRepo(db *sqlx.DB, timeout time.Duration) persistence.BookRepo {
	return &booksRepo{db: db, timeout: timeout}
}

// Upsert overwrites the stored snapshot for (venue, symbol) unconditionally,
// matching the original repository's select-then-branch upsert without a
// sequence-monotonicity guard (see SPEC_FULL.md §9, Open Question 1).
func (r *booksRepo) Upsert(ctx context.Context, snap domain.BookSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	bidsJSON, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("failed to marshal bids: %w", err)
	}
	asksJSON, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("failed to marshal asks: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRowxContext(ctx,
		`SELECT id FROM orderbook_snapshots WHERE venue = $1 AND symbol = $2`,
		snap.Venue, snap.Symbol).Scan(&existingID)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orderbook_snapshots (venue, symbol, sequence, bids, asks, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			snap.Venue, snap.Symbol, snap.Sequence, bidsJSON, asksJSON, snap.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert book snapshot: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to query existing snapshot: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE orderbook_snapshots
			SET sequence = $1, bids = $2, asks = $3, updated_at = $4
			WHERE id = $5`,
			snap.Sequence, bidsJSON, asksJSON, snap.UpdatedAt, existingID)
		if err != nil {
			return fmt.Errorf("failed to update book snapshot: %w", err)
		}
	}

	return tx.Commit()
}

func (r *booksRepo) Get(ctx context.Context, venue, symbol string) (domain.BookSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row persistence.BookSnapshot
	err := r.db.QueryRowxContext(ctx, `
		SELECT id, venue, symbol, sequence, bids, asks, updated_at
		FROM orderbook_snapshots
		WHERE venue = $1 AND symbol = $2`, venue, symbol).
		Scan(&row.ID, &row.Venue, &row.Symbol, &row.Sequence, &row.Bids, &row.Asks, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.BookSnapshot{}, persistence.ErrNotFound
	}
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("failed to get book snapshot: %w", err)
	}

	return rowToSnapshot(row)
}

func (r *booksRepo) ListVenue(ctx context.Context, venue string) ([]domain.BookSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, venue, symbol, sequence, bids, asks, updated_at
		FROM orderbook_snapshots
		WHERE venue = $1
		ORDER BY symbol`, venue)
	if err != nil {
		return nil, fmt.Errorf("failed to list book snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.BookSnapshot
	for rows.Next() {
		var row persistence.BookSnapshot
		if err := rows.Scan(&row.ID, &row.Venue, &row.Symbol, &row.Sequence, &row.Bids, &row.Asks, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan book snapshot: %w", err)
		}
		snap, err := rowToSnapshot(row)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (r *booksRepo) ListSymbol(ctx context.Context, symbol string, tr persistence.TimeRange) ([]domain.BookSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, venue, symbol, sequence, bids, asks, updated_at
		FROM orderbook_snapshots
		WHERE symbol = $1 AND updated_at >= $2 AND updated_at <= $3
		ORDER BY updated_at`, symbol, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to list book snapshots by symbol: %w", err)
	}
	defer rows.Close()

	var out []domain.BookSnapshot
	for rows.Next() {
		var row persistence.BookSnapshot
		if err := rows.Scan(&row.ID, &row.Venue, &row.Symbol, &row.Sequence, &row.Bids, &row.Asks, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan book snapshot: %w", err)
		}
		snap, err := rowToSnapshot(row)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func rowToSnapshot(row persistence.BookSnapshot) (domain.BookSnapshot, error) {
	var bids, asks []domain.PriceLevel
	if err := json.Unmarshal([]byte(row.Bids), &bids); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("failed to unmarshal bids: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Asks), &asks); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("failed to unmarshal asks: %w", err)
	}
	return domain.BookSnapshot{
		Venue:     row.Venue,
		Symbol:    row.Symbol,
		Sequence:  row.Sequence,
		Bids:      bids,
		Asks:      asks,
		UpdatedAt: row.UpdatedAt,
	}, nil
}
