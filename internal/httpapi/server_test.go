package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
	"github.com/nexusfeed/nexusfeed/internal/replay"
)

type fakeTrades struct{}

func (f *fakeTrades) Insert(ctx context.Context, trade persistence.Trade) error         { return nil }
func (f *fakeTrades) InsertBatch(ctx context.Context, trades []persistence.Trade) error { return nil }
func (f *fakeTrades) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.Trade, error) {
	return nil, nil
}
func (f *fakeTrades) ListByVenue(ctx context.Context, venue string, tr persistence.TimeRange, limit int) ([]persistence.Trade, error) {
	return nil, nil
}
func (f *fakeTrades) GetLatest(ctx context.Context, limit int) ([]persistence.Trade, error) {
	return nil, nil
}
func (f *fakeTrades) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	return 0, nil
}
func (f *fakeTrades) CountByVenue(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	return nil, nil
}

type fakeBooks struct{}

func (f *fakeBooks) Upsert(ctx context.Context, snap domain.BookSnapshot) error { return nil }
func (f *fakeBooks) Get(ctx context.Context, venue, symbol string) (domain.BookSnapshot, error) {
	return domain.BookSnapshot{}, nil
}
func (f *fakeBooks) ListVenue(ctx context.Context, venue string) ([]domain.BookSnapshot, error) {
	return nil, nil
}
func (f *fakeBooks) ListSymbol(ctx context.Context, symbol string, tr persistence.TimeRange) ([]domain.BookSnapshot, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	pub := publisher.New(8, zerolog.Nop())
	pub.Start()
	t.Cleanup(pub.Stop)

	repo := &persistence.Repository{Trades: &fakeTrades{}, Books: &fakeBooks{}}
	replayRegistry := replay.NewRegistry()

	s, err := NewServer(Config{Host: "127.0.0.1", Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}, pub, replayRegistry, repo, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHandleHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleCreateSession(t *testing.T) {
	s, ts := newTestServer(t)

	body, _ := json.Marshal(createSessionRequest{Instrument: "BTC/USD", Speed: 2.0})
	resp, err := http.Post(ts.URL+"/replay/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.SessionID == "" || !strings.Contains(out.StreamURL, out.SessionID) {
		t.Fatalf("unexpected response: %+v", out)
	}
	if _, ok := s.replay.Get(out.SessionID); !ok {
		t.Fatal("expected session to be registered")
	}
}

func TestHandleCreateSession_MissingInstrument(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(createSessionRequest{Speed: 1.0})
	resp, err := http.Post(ts.URL+"/replay/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleStream_SubscribeAndReceiveEvent(t *testing.T) {
	s, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Instrument: "BTC/USD"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the server process the subscribe before publishing

	s.pub.Publish(domain.Event{Type: domain.EventTrade, Symbol: "BTC/USD"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var evt domain.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("expected event, got error: %v", err)
	}
	if evt.Symbol != "BTC/USD" || evt.Type != domain.EventTrade {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
