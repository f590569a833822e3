// Package kraken adapts the Kraken public REST API to the
// internal/venue.Client contract.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/net/circuit"
	"github.com/nexusfeed/nexusfeed/internal/net/ratelimit"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

const defaultBaseURL = "https://api.kraken.com"

// Config configures the Kraken adapter.
type Config struct {
	BaseURL        string
	HTTPTimeout    time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	Breaker        circuit.Config
}

// DefaultConfig mirrors Kraken's conservative public-API rate limits.
func DefaultConfig() Config {
	return Config{
		BaseURL:        defaultBaseURL,
		HTTPTimeout:    10 * time.Second,
		RateLimitRPS:   1,
		RateLimitBurst: 2,
		Breaker: circuit.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			RequestTimeout:   10 * time.Second,
		},
	}
}

// Adapter implements venue.Client for Kraken.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuit.Breaker
	limiter    *ratelimit.Limiter
}

// New builds a Kraken adapter.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		breaker:    circuit.NewBreaker(cfg.Breaker),
		limiter:    ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

func (a *Adapter) Name() string { return "kraken" }

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	if err := a.limiter.Wait(ctx, a.cfg.BaseURL); err != nil {
		return &venue.Error{Class: venue.ErrClassUnavailable, Venue: "kraken", Err: err}
	}

	var body []byte
	err := a.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
		if err != nil {
			return err
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &venue.Error{Class: venue.ErrClassUnavailable, Venue: "kraken", Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		body = b
		return nil
	})
	if err != nil {
		if err == circuit.ErrCircuitOpen {
			return &venue.Error{Class: venue.ErrClassUnavailable, Venue: "kraken", Err: err}
		}
		return &venue.Error{Class: venue.ErrClassNetwork, Venue: "kraken", Err: err}
	}

	var env krakenEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &venue.Error{Class: venue.ErrClassBadData, Venue: "kraken", Err: err}
	}
	if len(env.Error) > 0 {
		return &venue.Error{Class: venue.ErrClassBadData, Venue: "kraken", Err: fmt.Errorf("%s", strings.Join(env.Error, "; "))}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &venue.Error{Class: venue.ErrClassBadData, Venue: "kraken", Err: err}
	}
	return nil
}

func (a *Adapter) FetchTrades(ctx context.Context, symbol string) ([]domain.RawEvent, error) {
	pair := toKrakenPair(symbol)
	var result map[string]json.RawMessage
	if err := a.get(ctx, fmt.Sprintf("/0/public/Trades?pair=%s", pair), &result); err != nil {
		return nil, err
	}

	var rawTrades [][]any
	for key, v := range result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(v, &rawTrades); err != nil {
			return nil, &venue.Error{Class: venue.ErrClassBadData, Venue: "kraken", Err: err}
		}
		break
	}

	events := make([]domain.RawEvent, 0, len(rawTrades))
	for _, t := range rawTrades {
		if len(t) < 4 {
			continue
		}
		side := string(domain.SideBuy)
		if s, ok := t[3].(string); ok && s == "s" {
			side = string(domain.SideSell)
		}
		events = append(events, domain.RawEvent{
			"symbol":    symbol,
			"price":     t[0],
			"amount":    t[1],
			"side":      side,
			"timestamp": t[2],
		})
	}
	return events, nil
}

type krakenBook struct {
	Asks [][]any `json:"asks"`
	Bids [][]any `json:"bids"`
}

func (a *Adapter) FetchBookSnapshot(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
	pair := toKrakenPair(symbol)
	var result map[string]krakenBook
	if err := a.get(ctx, fmt.Sprintf("/0/public/Depth?pair=%s&count=100", pair), &result); err != nil {
		return domain.BookSnapshot{}, err
	}

	var book krakenBook
	for _, v := range result {
		book = v
		break
	}

	return domain.BookSnapshot{
		Venue:     "kraken",
		Symbol:    symbol,
		Bids:      toLevels(book.Bids),
		Asks:      toLevels(book.Asks),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// FetchBookDeltas: Kraken's REST depth endpoint has no sequence
// envelope, so polling always yields a full resync snapshot rather
// than an incremental delta (bookstate.Engine treats a missing
// envelope as a resync trigger).
func (a *Adapter) FetchBookDeltas(ctx context.Context, symbol string) ([]domain.RawEvent, error) {
	return nil, nil
}

// FetchTicker fetches the best bid/ask for symbol via Kraken's Ticker endpoint.
func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (domain.RawEvent, error) {
	pair := toKrakenPair(symbol)
	var result map[string]struct {
		Ask []string `json:"a"`
		Bid []string `json:"b"`
	}
	if err := a.get(ctx, fmt.Sprintf("/0/public/Ticker?pair=%s", pair), &result); err != nil {
		return nil, err
	}
	for _, v := range result {
		out := domain.RawEvent{"symbol": symbol}
		if len(v.Ask) > 0 {
			out["ask"] = v.Ask[0]
		}
		if len(v.Bid) > 0 {
			out["bid"] = v.Bid[0]
		}
		return out, nil
	}
	return domain.RawEvent{"symbol": symbol}, nil
}

func toLevels(raw [][]any) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price := parseAny(lvl[0])
		qty := parseAny(lvl[1])
		out = append(out, domain.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

func parseAny(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	}
	return 0
}

var krakenAssetAliases = map[string]string{
	"BTC": "XBT",
}

// toKrakenPair maps a canonical "BTC/USD" (or "BTC-USD") symbol to Kraken's pair form.
func toKrakenPair(symbol string) string {
	base, quote := splitSymbol(symbol)
	if alias, ok := krakenAssetAliases[base]; ok {
		base = alias
	}
	return base + quote
}

func splitSymbol(symbol string) (base, quote string) {
	for i, r := range symbol {
		if r == '-' || r == '/' {
			return symbol[:i], symbol[i+1:]
		}
	}
	return symbol, ""
}
