// Package binance adapts the Binance public REST API to the
// internal/venue.Client contract, guarding every call with a circuit
// breaker and a per-host rate limiter.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/net/circuit"
	"github.com/nexusfeed/nexusfeed/internal/net/ratelimit"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

const defaultBaseURL = "https://api.binance.com/api/v3"

// Config configures the Binance adapter.
type Config struct {
	BaseURL        string
	HTTPTimeout    time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	Breaker        circuit.Config
}

// DefaultConfig returns sane defaults for public, unauthenticated use.
func DefaultConfig() Config {
	return Config{
		BaseURL:        defaultBaseURL,
		HTTPTimeout:    10 * time.Second,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
		Breaker: circuit.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			RequestTimeout:   10 * time.Second,
		},
	}
}

// Adapter implements venue.Client for Binance.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuit.Breaker
	limiter    *ratelimit.Limiter

	lastUpdateID map[string]int64
}

// New builds a Binance adapter.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		breaker:      circuit.NewBreaker(cfg.Breaker),
		limiter:      ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		lastUpdateID: make(map[string]int64),
	}
}

func (a *Adapter) Name() string { return "binance" }

func classify(err error) error {
	if err == nil {
		return nil
	}
	class := venue.ErrClassNetwork
	if err == circuit.ErrCircuitOpen {
		class = venue.ErrClassUnavailable
	}
	return &venue.Error{Class: class, Venue: "binance", Err: err}
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	if err := a.limiter.Wait(ctx, a.cfg.BaseURL); err != nil {
		return classify(err)
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
		if resp.StatusCode == http.StatusTooManyRequests {
			return &venue.Error{Class: venue.ErrClassRateLimited, Venue: "binance", Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 500 {
			return &venue.Error{Class: venue.ErrClassUnavailable, Venue: "binance", Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			return &venue.Error{Class: venue.ErrClassBadData, Venue: "binance", Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		body = b
		return nil
	})
	if err != nil {
		return classify(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &venue.Error{Class: venue.ErrClassBadData, Venue: "binance", Err: err}
	}
	return nil
}

func (a *Adapter) FetchTrades(ctx context.Context, symbol string) ([]domain.RawEvent, error) {
	sym := toBinanceSymbol(symbol)
	var raw []map[string]any
	if err := a.get(ctx, fmt.Sprintf("/trades?symbol=%s&limit=100", sym), &raw); err != nil {
		return nil, err
	}

	events := make([]domain.RawEvent, 0, len(raw))
	for _, r := range raw {
		events = append(events, domain.RawEvent{
			"symbol":    symbol,
			"id":        r["id"],
			"price":     r["price"],
			"amount":    r["qty"],
			"side":      sideFromIsBuyerMaker(r["isBuyerMaker"]),
			"timestamp": r["time"],
		})
	}
	return events, nil
}

func sideFromIsBuyerMaker(v any) string {
	if b, ok := v.(bool); ok && b {
		return string(domain.SideSell)
	}
	return string(domain.SideBuy)
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (a *Adapter) FetchBookSnapshot(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
	sym := toBinanceSymbol(symbol)
	var resp depthResponse
	if err := a.get(ctx, fmt.Sprintf("/depth?symbol=%s&limit=1000", sym), &resp); err != nil {
		return domain.BookSnapshot{}, err
	}

	return domain.BookSnapshot{
		Venue:     "binance",
		Symbol:    symbol,
		Bids:      toLevels(resp.Bids),
		Asks:      toLevels(resp.Asks),
		Sequence:  resp.LastUpdateID,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func toLevels(raw [][]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, r := range raw {
		if len(r) < 2 {
			continue
		}
		var price, qty float64
		fmt.Sscanf(r[0], "%f", &price)
		fmt.Sscanf(r[1], "%f", &qty)
		out = append(out, domain.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

// FetchBookDeltas is a REST-polling stand-in for Binance's combined
// depth-update websocket stream: it diffs the current snapshot against
// the previously seen lastUpdateId and emits a single synthetic delta
// spanning the two, which bookstate.Engine consumes identically to a
// real streamed delta.
func (a *Adapter) FetchBookDeltas(ctx context.Context, symbol string) ([]domain.RawEvent, error) {
	sym := toBinanceSymbol(symbol)
	var resp depthResponse
	if err := a.get(ctx, fmt.Sprintf("/depth?symbol=%s&limit=1000", sym), &resp); err != nil {
		return nil, err
	}

	prev := a.lastUpdateID[symbol]
	a.lastUpdateID[symbol] = resp.LastUpdateID

	return []domain.RawEvent{{
		"symbol": symbol,
		"U":      prev + 1,
		"u":      resp.LastUpdateID,
		"b":      resp.Bids,
		"a":      resp.Asks,
	}}, nil
}

// FetchTicker fetches the best bid/ask/last price for symbol.
func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (domain.RawEvent, error) {
	sym := toBinanceSymbol(symbol)
	var resp map[string]any
	if err := a.get(ctx, fmt.Sprintf("/ticker/bookTicker?symbol=%s", sym), &resp); err != nil {
		return nil, err
	}
	return domain.RawEvent{
		"symbol": symbol,
		"bid":    resp["bidPrice"],
		"ask":    resp["askPrice"],
	}, nil
}

// toBinanceSymbol converts a canonical "BTC/USD" (or "BTC-USD") symbol into
// Binance's concatenated "BTCUSDT" form, mapping USD quote to USDT.
func toBinanceSymbol(symbol string) string {
	base, quote := splitSymbol(symbol)
	if quote == "USD" {
		quote = "USDT"
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
