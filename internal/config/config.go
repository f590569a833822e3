// Package config loads application configuration from an optional YAML
// file, then applies environment-variable overrides, following the
// teacher's load-then-override pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	db "github.com/nexusfeed/nexusfeed/internal/infrastructure/db"
)

// VenueCredentials holds optional API credentials for a venue.
type VenueCredentials struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// PollConfig controls the feed manager's per-stream poll cadence.
type PollConfig struct {
	TradeInterval  time.Duration `yaml:"trade_interval"`
	BookInterval   time.Duration `yaml:"book_interval"`
	TickerInterval time.Duration `yaml:"ticker_interval" env:"REFRESH_INTERVAL"`
}

// CacheConfig controls the hot-cache backend.
type CacheConfig struct {
	RedisURL  string `yaml:"redis_url"`
	RedisHost string `yaml:"redis_host"`
	RedisPort int    `yaml:"redis_port"`
	RedisDB   int    `yaml:"redis_db"`
}

// HTTPConfig controls the exposed HTTP/WS surface.
type HTTPConfig struct {
	Port string `yaml:"port"`
}

// FlushConfig controls the persistence layer's batched trade flush.
type FlushConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Config is the top-level application configuration.
type Config struct {
	Database    db.Config                   `yaml:"database"`
	Cache       CacheConfig                  `yaml:"cache"`
	HTTP        HTTPConfig                   `yaml:"http"`
	Poll        PollConfig                   `yaml:"poll"`
	Flush       FlushConfig                  `yaml:"flush"`
	Venues      []string                     `yaml:"venues"`
	Symbols     []string                     `yaml:"symbols"`
	Credentials map[string]VenueCredentials  `yaml:"-"`
	LogLevel    string                       `yaml:"log_level"`
	Debug       bool                         `yaml:"debug"`
	SandboxMode bool                         `yaml:"sandbox_mode"`
}

// Default returns the baked-in defaults, matching spec.md's documented
// defaults for poll cadence and logging.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		HTTP:     HTTPConfig{Port: "8080"},
		Poll: PollConfig{
			TradeInterval:  2 * time.Second,
			BookInterval:   5 * time.Second,
			TickerInterval: 5 * time.Second,
		},
		Flush: FlushConfig{
			BatchSize:     100,
			FlushInterval: time.Second,
		},
		Venues:      []string{"binance", "kraken", "coinbase", "okx"},
		Symbols:     []string{"BTC/USD", "ETH/USD"},
		Credentials: make(map[string]VenueCredentials),
		LogLevel:    "info",
	}
}

// Load reads configPath (if it exists) as YAML, then layers environment
// variable overrides on top.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Credentials = loadVenueCredentials(cfg.Venues)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
		cfg.Database.Enabled = true
	}
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
		cfg.Database.Enabled = true
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Cache.RedisURL = url
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Cache.RedisHost = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			cfg.Cache.RedisPort = v
		}
	}
	if dbIdx := os.Getenv("REDIS_DB"); dbIdx != "" {
		if v, err := strconv.Atoi(dbIdx); err == nil {
			cfg.Cache.RedisDB = v
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	if debug := os.Getenv("DEBUG"); debug != "" {
		if v, err := strconv.ParseBool(debug); err == nil {
			cfg.Debug = v
		}
	}
	if sandbox := os.Getenv("SANDBOX_MODE"); sandbox != "" {
		if v, err := strconv.ParseBool(sandbox); err == nil {
			cfg.SandboxMode = v
		}
	}
	if refresh := os.Getenv("REFRESH_INTERVAL"); refresh != "" {
		if secs, err := strconv.Atoi(refresh); err == nil {
			cfg.Poll.TickerInterval = time.Duration(secs) * time.Second
		}
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		cfg.HTTP.Port = port
	}
	if venues := os.Getenv("VENUES"); venues != "" {
		cfg.Venues = strings.Split(venues, ",")
	}
	if symbols := os.Getenv("SYMBOLS"); symbols != "" {
		cfg.Symbols = strings.Split(symbols, ",")
	}
}

// loadVenueCredentials reads {VENUE}_API_KEY / {VENUE}_API_SECRET for
// every configured venue.
func loadVenueCredentials(venues []string) map[string]VenueCredentials {
	creds := make(map[string]VenueCredentials, len(venues))
	for _, v := range venues {
		prefix := strings.ToUpper(v)
		creds[v] = VenueCredentials{
			APIKey:    os.Getenv(prefix + "_API_KEY"),
			APISecret: os.Getenv(prefix + "_API_SECRET"),
		}
	}
	return creds
}

// Save writes cfg to configPath as YAML.
func Save(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(configPath, data, 0o644)
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("config: database DSN is required when database is enabled")
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("config: at least one venue must be configured")
	}
	if c.Flush.BatchSize <= 0 {
		return fmt.Errorf("config: flush.batch_size must be positive")
	}
	return nil
}
