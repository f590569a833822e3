// Package httpapi exposes the streaming subscribe endpoint, replay
// session lifecycle, metrics scrape, and health check over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/metrics"
	"github.com/nexusfeed/nexusfeed/internal/persistence"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
	"github.com/nexusfeed/nexusfeed/internal/replay"
)

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default server configuration, honoring HTTP_PORT.
func DefaultConfig() Config {
	port := 8080
	if portStr := os.Getenv("HTTP_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	return Config{
		Host:         "0.0.0.0",
		Port:         port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the gorilla/mux HTTP surface over the publisher, replay
// engine, and metrics registry.
type Server struct {
	router   *mux.Router
	server   *http.Server
	config   Config
	pub      *publisher.Publisher
	replay   *replay.Registry
	repo     *persistence.Repository
	metrics  *metrics.Registry
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer builds the HTTP surface, failing fast if config.Port is
// already bound.
func NewServer(config Config, pub *publisher.Publisher, replayRegistry *replay.Registry, repo *persistence.Repository, metricsReg *metrics.Registry, log zerolog.Logger) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	s := &Server{
		router:  mux.NewRouter(),
		config:  config,
		pub:     pub,
		replay:  replayRegistry,
		repo:    repo,
		metrics: metricsReg,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	s.router.HandleFunc("/replay/sessions", s.handleCreateSession).Methods(http.MethodPost)
	s.router.HandleFunc("/replay/stream/{id}", s.handleReplayStream).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// wsClient adapts a gorilla/websocket connection to publisher.Client
// (ID and Send) and replay.Sink (Send only).
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(event domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(event)
}

type subscribeMessage struct {
	Action     string `json:"action"`
	Instrument string `json:"instrument"`
}

// handleStream upgrades to a websocket and drives the subscribe/
// unsubscribe protocol against the publisher fan-out.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := &wsClient{id: uuid.New().String(), conn: conn}
	s.pub.Register(client)
	defer s.pub.Unregister(client)

	for {
		var msg subscribeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			s.pub.Subscribe(client, msg.Instrument)
		case "unsubscribe":
			s.pub.Unsubscribe(client, msg.Instrument)
		}
	}
}

type createSessionRequest struct {
	Instrument string    `json:"instrument"`
	From       time.Time `json:"from_ts"`
	To         time.Time `json:"to_ts"`
	Speed      float64   `json:"speed"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}
	if req.Instrument == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "instrument is required"})
		return
	}

	session := s.replay.Create(req.Instrument, req.From, req.To, req.Speed)
	json.NewEncoder(w).Encode(createSessionResponse{
		SessionID: session.ID,
		StreamURL: fmt.Sprintf("/replay/stream/%s", session.ID),
	})
}

// handleReplayStream upgrades to a websocket and drives replay.Stream
// against the session created by handleCreateSession.
func (s *Server) handleReplayStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, ok := s.replay.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer s.replay.Remove(id)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := &wsClient{id: id, conn: conn}
	if err := replay.Stream(r.Context(), s.repo.Trades, s.repo.Books, session, client); err != nil {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.WriteJSON(map[string]string{"error": err.Error()})
	}
}

// Start serves HTTP until the listener is closed.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting http server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
