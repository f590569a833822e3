// Package okx adapts the OKX public REST API to the
// internal/venue.Client contract.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/net/circuit"
	"github.com/nexusfeed/nexusfeed/internal/net/ratelimit"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

const defaultBaseURL = "https://www.okx.com"

// Config configures the OKX adapter.
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
		RateLimitRPS:   3,
		RateLimitBurst: 6,
		Breaker: circuit.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			RequestTimeout:   10 * time.Second,
		},
	}
}

// Adapter implements venue.Client for OKX.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuit.Breaker
	limiter    *ratelimit.Limiter
}

// New builds an OKX adapter.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		breaker:    circuit.NewBreaker(cfg.Breaker),
		limiter:    ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

func (a *Adapter) Name() string { return "okx" }

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	if err := a.limiter.Wait(ctx, a.cfg.BaseURL); err != nil {
		return &venue.Error{Class: venue.ErrClassUnavailable, Venue: "okx", Err: err}
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
			return &venue.Error{Class: venue.ErrClassUnavailable, Venue: "okx", Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		body = b
		return nil
	})
	if err != nil {
		if err == circuit.ErrCircuitOpen {
			return &venue.Error{Class: venue.ErrClassUnavailable, Venue: "okx", Err: err}
		}
		return &venue.Error{Class: venue.ErrClassNetwork, Venue: "okx", Err: err}
	}

	var env okxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &venue.Error{Class: venue.ErrClassBadData, Venue: "okx", Err: err}
	}
	if env.Code != "" && env.Code != "0" {
		return &venue.Error{Class: venue.ErrClassBadData, Venue: "okx", Err: fmt.Errorf("okx error %s: %s", env.Code, env.Msg)}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &venue.Error{Class: venue.ErrClassBadData, Venue: "okx", Err: err}
	}
	return nil
}

type okxTrade struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

func (a *Adapter) FetchTrades(ctx context.Context, symbol string) ([]domain.RawEvent, error) {
	instID := toInstID(symbol)
	var raw []okxTrade
	if err := a.get(ctx, fmt.Sprintf("/api/v5/market/trades?instId=%s", instID), &raw); err != nil {
		return nil, err
	}

	events := make([]domain.RawEvent, 0, len(raw))
	for _, t := range raw {
		events = append(events, domain.RawEvent{
			"symbol":    symbol,
			"trade_id":  t.TradeID,
			"price":     t.Px,
			"size":      t.Sz,
			"side":      t.Side,
			"timestamp": t.Ts,
		})
	}
	return events, nil
}

type okxBook struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	Ts   string     `json:"ts"`
}

func (a *Adapter) FetchBookSnapshot(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
	instID := toInstID(symbol)
	var raw []okxBook
	if err := a.get(ctx, fmt.Sprintf("/api/v5/market/books?instId=%s&sz=400", instID), &raw); err != nil {
		return domain.BookSnapshot{}, err
	}
	if len(raw) == 0 {
		return domain.BookSnapshot{}, &venue.Error{Class: venue.ErrClassBadData, Venue: "okx", Err: fmt.Errorf("empty book response")}
	}

	return domain.BookSnapshot{
		Venue:     "okx",
		Symbol:    symbol,
		Bids:      toLevels(raw[0].Bids),
		Asks:      toLevels(raw[0].Asks),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// FetchBookDeltas: OKX's REST books endpoint carries no sequence
// envelope either, so this adapter always resyncs from a full
// snapshot, as with Kraken and Coinbase.
func (a *Adapter) FetchBookDeltas(ctx context.Context, symbol string) ([]domain.RawEvent, error) {
	return nil, nil
}

type okxTicker struct {
	BidPx string `json:"bidPx"`
	AskPx string `json:"askPx"`
	Last  string `json:"last"`
}

// FetchTicker fetches the current best bid/ask/last for symbol.
func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (domain.RawEvent, error) {
	instID := toInstID(symbol)
	var raw []okxTicker
	if err := a.get(ctx, fmt.Sprintf("/api/v5/market/ticker?instId=%s", instID), &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return domain.RawEvent{"symbol": symbol}, nil
	}
	return domain.RawEvent{"symbol": symbol, "bid": raw[0].BidPx, "ask": raw[0].AskPx, "last": raw[0].Last}, nil
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

// toInstID maps a canonical "BTC/USD" (or "BTC-USD") symbol to OKX's
// "BTC-USDT" instrument id convention.
func toInstID(symbol string) string {
	symbol = strings.ReplaceAll(symbol, "/", "-")
	if strings.HasSuffix(symbol, "-USD") {
		return strings.TrimSuffix(symbol, "-USD") + "-USDT"
	}
	return symbol
}
