package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/nexusfeed/nexusfeed/internal/domain"
)

// memoryTradesRepo is a process-local TradesRepo backed by a slice under
// a mutex. It exists so the pipeline runs end to end (ingest, replay,
// metrics) without a configured Postgres DSN, the same spirit as
// internal/cache's automatic in-memory fallback when Redis is unset.
type memoryTradesRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   []Trade
}

// NewMemoryTradesRepo builds an in-memory TradesRepo for use when no
// database DSN is configured.
func NewMemoryTradesRepo() TradesRepo {
	return &memoryTradesRepo{}
}

func (r *memoryTradesRepo) Insert(ctx context.Context, trade Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	trade.ID = r.nextID
	r.rows = append(r.rows, trade)
	return nil
}

func (r *memoryTradesRepo) InsertBatch(ctx context.Context, trades []Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range trades {
		r.nextID++
		t.ID = r.nextID
		r.rows = append(r.rows, t)
	}
	return nil
}

func (r *memoryTradesRepo) ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Trade
	for _, t := range r.rows {
		if t.Symbol != symbol {
			continue
		}
		if !tr.From.IsZero() && t.Timestamp.Before(tr.From) {
			continue
		}
		if !tr.To.IsZero() && t.Timestamp.After(tr.To) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryTradesRepo) ListByVenue(ctx context.Context, venue string, tr TimeRange, limit int) ([]Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Trade
	for _, t := range r.rows {
		if t.Venue != venue {
			continue
		}
		if !tr.From.IsZero() && t.Timestamp.Before(tr.From) {
			continue
		}
		if !tr.To.IsZero() && t.Timestamp.After(tr.To) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryTradesRepo) GetLatest(ctx context.Context, limit int) ([]Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Trade(nil), r.rows...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryTradesRepo) Count(ctx context.Context, tr TimeRange) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.rows {
		if !tr.From.IsZero() && t.Timestamp.Before(tr.From) {
			continue
		}
		if !tr.To.IsZero() && t.Timestamp.After(tr.To) {
			continue
		}
		n++
	}
	return n, nil
}

func (r *memoryTradesRepo) CountByVenue(ctx context.Context, tr TimeRange) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64)
	for _, t := range r.rows {
		if !tr.From.IsZero() && t.Timestamp.Before(tr.From) {
			continue
		}
		if !tr.To.IsZero() && t.Timestamp.After(tr.To) {
			continue
		}
		out[t.Venue]++
	}
	return out, nil
}

// memoryBookRepo is a process-local BookRepo keyed by (venue, symbol),
// upserting in place exactly like the Postgres implementation.
type memoryBookRepo struct {
	mu   sync.Mutex
	rows map[string]domain.BookSnapshot
}

// NewMemoryBookRepo builds an in-memory BookRepo for use when no
// database DSN is configured.
func NewMemoryBookRepo() BookRepo {
	return &memoryBookRepo{rows: make(map[string]domain.BookSnapshot)}
}

func bookKey(venue, symbol string) string { return venue + "\x00" + symbol }

func (r *memoryBookRepo) Upsert(ctx context.Context, snap domain.BookSnapshot) error {
	// Round-trip through JSON so the stored copy can't alias the
	// caller's slices, matching the Postgres repo's marshal-on-write
	// semantics.
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	var stored domain.BookSnapshot
	if err := json.Unmarshal(b, &stored); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[bookKey(snap.Venue, snap.Symbol)] = stored
	return nil
}

func (r *memoryBookRepo) Get(ctx context.Context, venue, symbol string) (domain.BookSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.rows[bookKey(venue, symbol)]
	if !ok {
		return domain.BookSnapshot{}, ErrNotFound
	}
	return snap, nil
}

func (r *memoryBookRepo) ListVenue(ctx context.Context, venue string) ([]domain.BookSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BookSnapshot
	for _, snap := range r.rows {
		if snap.Venue == venue {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *memoryBookRepo) ListSymbol(ctx context.Context, symbol string, tr TimeRange) ([]domain.BookSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BookSnapshot
	for _, snap := range r.rows {
		if snap.Symbol != symbol {
			continue
		}
		if !tr.From.IsZero() && snap.UpdatedAt.Before(tr.From) {
			continue
		}
		if !tr.To.IsZero() && snap.UpdatedAt.After(tr.To) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
