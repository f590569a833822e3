// Package cache implements the hot cache fronting the book-state
// engine: a Redis-backed store with an automatic in-memory fallback
// when no Redis endpoint is configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/nexusfeed/nexusfeed/internal/domain"
)

// Cache is the byte-oriented storage primitive both backends implement.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

type memory struct {
	mu sync.Mutex
	m  map[string]entry
}

type entry struct {
	b   []byte
	exp time.Time
}

// New returns an in-memory, TTL-aware Cache.
func New() Cache { return &memory{m: make(map[string]entry)} }

func (c *memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		return nil, false
	}
	return e.b, true
}

func (c *memory) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

type redisCache struct{ r *redis.Client }

// Config selects how NewAuto builds its Redis connection, mirroring
// spec.md's REDIS_URL or {REDIS_HOST, REDIS_PORT, REDIS_DB} surface.
type Config struct {
	URL  string
	Host string
	Port int
	DB   int
}

// NewAuto selects a Redis-backed cache when cfg names an endpoint
// (REDIS_URL takes precedence over host/port/db), otherwise falls back
// to the in-memory implementation — matching the original service's
// "cache is best-effort, never a hard dependency" posture.
func NewAuto(cfg Config) Cache {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err == nil {
			return &redisCache{r: redis.NewClient(opts)}
		}
	}
	if cfg.Host != "" {
		port := cfg.Port
		if port == 0 {
			port = 6379
		}
		return &redisCache{r: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", cfg.Host, port),
			DB:   cfg.DB,
		})}
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return &redisCache{r: redis.NewClient(&redis.Options{Addr: addr})}
	}
	return New()
}

// NewRedis builds a Redis-backed cache against an explicit client,
// primarily for tests that wire a mocked client.
func NewRedis(client *redis.Client) Cache {
	return &redisCache{r: client}
}

func (r *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}

// BookKey returns the hot-cache key for an instrument's book, matching
// the "book:{instrument}" scheme of the original service: the latest
// snapshot for an instrument is last-write-wins across venues.
func BookKey(symbol string) string {
	return fmt.Sprintf("book:%s", symbol)
}

// DefaultTTL is how long a cached book snapshot is considered fresh.
const DefaultTTL = 5 * time.Second

// Store is a typed façade over Cache for domain.BookSnapshot values.
type Store struct {
	backend Cache
	ttl     time.Duration
}

// NewStore wraps backend with a book-snapshot-aware façade.
func NewStore(backend Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{backend: backend, ttl: ttl}
}

// PutBook caches snap under its instrument key.
func (s *Store) PutBook(snap domain.BookSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache: marshal book snapshot: %w", err)
	}
	s.backend.Set(BookKey(snap.Symbol), b, s.ttl)
	return nil
}

// GetBook returns the cached snapshot for symbol, if present and
// unexpired.
func (s *Store) GetBook(symbol string) (domain.BookSnapshot, bool) {
	raw, ok := s.backend.Get(BookKey(symbol))
	if !ok {
		return domain.BookSnapshot{}, false
	}
	var snap domain.BookSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.BookSnapshot{}, false
	}
	return snap, true
}
