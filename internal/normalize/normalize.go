// Package normalize converts raw, venue-native payloads into the
// canonical domain types the rest of the pipeline operates on.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/bookstate"
	"github.com/nexusfeed/nexusfeed/internal/domain"
)

// ErrMalformedPayload is returned when a raw payload is missing a field
// required to build a domain type.
var ErrMalformedPayload = errors.New("normalize: malformed payload")

func malformed(field string) error {
	return fmt.Errorf("%w: missing %q", ErrMalformedPayload, field)
}

// firstOf returns the first non-nil value found in raw under any of keys.
func firstOf(raw domain.RawEvent, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	}
	return "", false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// parseTimestamp mirrors the original's timestamp coercion: epoch
// numbers (ms if they look large, else seconds), RFC3339 strings, or
// now() if nothing usable is present.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case float64:
		return epochToTime(t)
	case int64:
		return epochToTime(float64(t))
	case int:
		return epochToTime(float64(t))
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC()
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return epochToTime(f)
		}
	}
	return time.Now().UTC()
}

func epochToTime(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// Trade converts a raw venue trade payload into a domain.Trade.
func Trade(raw domain.RawEvent, venue string) (domain.Trade, error) {
	symbolRaw := firstOf(raw, "symbol", "instrument", "pair")
	symbol, ok := asString(symbolRaw)
	if !ok || symbol == "" {
		return domain.Trade{}, malformed("symbol")
	}

	priceRaw := firstOf(raw, "price")
	price, ok := asFloat(priceRaw)
	if !ok {
		return domain.Trade{}, malformed("price")
	}

	sizeRaw := firstOf(raw, "amount", "qty", "size")
	size, ok := asFloat(sizeRaw)
	if !ok {
		return domain.Trade{}, malformed("size")
	}

	var side domain.Side
	if s, ok := asString(firstOf(raw, "side")); ok {
		side = domain.Side(s)
	}

	tradeID, _ := asString(firstOf(raw, "id", "trade_id", "tid"))

	ts := parseTimestamp(firstOf(raw, "timestamp", "datetime"))

	return domain.Trade{
		Venue:     venue,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  size,
		Timestamp: ts,
		TradeID:   tradeID,
	}, nil
}

// Book converts a raw venue book payload (snapshot or already-merged
// state) into a domain.BookSnapshot.
func Book(raw domain.RawEvent, venue string) (domain.BookSnapshot, error) {
	symbolRaw := firstOf(raw, "symbol", "instrument", "pair")
	symbol, ok := asString(symbolRaw)
	if !ok || symbol == "" {
		return domain.BookSnapshot{}, malformed("symbol")
	}

	var sequence int64
	if seqRaw := firstOf(raw, "nonce", "sequence", "seq"); seqRaw != nil {
		if f, ok := asFloat(seqRaw); ok {
			sequence = int64(f)
		}
	}

	bids, err := levels(raw["bids"])
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	asks, err := levels(raw["asks"])
	if err != nil {
		return domain.BookSnapshot{}, err
	}

	ts := parseTimestamp(firstOf(raw, "timestamp", "datetime"))

	return domain.BookSnapshot{
		Venue:     venue,
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Sequence:  sequence,
		UpdatedAt: ts,
	}, nil
}

// Delta converts a raw venue depth-update payload carrying a `U`/`u`
// sequence envelope into a bookstate.Delta.
func Delta(raw domain.RawEvent) (bookstate.Delta, error) {
	d := bookstate.Delta{}

	if v, ok := raw["U"]; ok {
		if f, ok := asFloat(v); ok {
			d.FirstUpdateID = int64(f)
			d.HasFirst = true
		}
	}
	if v, ok := raw["u"]; ok {
		if f, ok := asFloat(v); ok {
			d.LastUpdateID = int64(f)
			d.HasLast = true
		}
	}

	bids, err := levels(raw["b"])
	if err != nil {
		return bookstate.Delta{}, err
	}
	asks, err := levels(raw["a"])
	if err != nil {
		return bookstate.Delta{}, err
	}
	d.Bids = bids
	d.Asks = asks

	return d, nil
}

func levels(raw any) ([]domain.PriceLevel, error) {
	if raw == nil {
		return nil, nil
	}

	// Venue adapters that build RawEvents in-process (rather than from a
	// freshly json.Unmarshal'd payload) may hand back a concretely typed
	// [][]string rather than [][]any.
	if strLevels, ok := raw.([][]string); ok {
		out := make([]domain.PriceLevel, 0, len(strLevels))
		for _, l := range strLevels {
			if len(l) < 2 {
				return nil, malformed("level entry")
			}
			price, ok := asFloat(l[0])
			if !ok {
				return nil, malformed("level price")
			}
			qty, ok := asFloat(l[1])
			if !ok {
				return nil, malformed("level quantity")
			}
			out = append(out, domain.PriceLevel{Price: price, Quantity: qty})
		}
		return out, nil
	}

	rawLevels, ok := raw.([]any)
	if !ok {
		return nil, malformed("levels")
	}

	out := make([]domain.PriceLevel, 0, len(rawLevels))
	for _, lvl := range rawLevels {
		switch l := lvl.(type) {
		case []any:
			if len(l) < 2 {
				return nil, malformed("level entry")
			}
			price, ok := asFloat(l[0])
			if !ok {
				return nil, malformed("level price")
			}
			qty, ok := asFloat(l[1])
			if !ok {
				return nil, malformed("level quantity")
			}
			out = append(out, domain.PriceLevel{Price: price, Quantity: qty})
		case map[string]any:
			price, ok := asFloat(l["price"])
			if !ok {
				return nil, malformed("level price")
			}
			qty, ok := asFloat(firstOf(l, "amount", "size", "qty"))
			if !ok {
				return nil, malformed("level quantity")
			}
			out = append(out, domain.PriceLevel{Price: price, Quantity: qty})
		default:
			return nil, malformed("level shape")
		}
	}
	return out, nil
}
