package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nexusfeed/nexusfeed/internal/cache"
	"github.com/nexusfeed/nexusfeed/internal/config"
	"github.com/nexusfeed/nexusfeed/internal/domain"
	"github.com/nexusfeed/nexusfeed/internal/feed"
	"github.com/nexusfeed/nexusfeed/internal/httpapi"
	"github.com/nexusfeed/nexusfeed/internal/infrastructure/db"
	"github.com/nexusfeed/nexusfeed/internal/metrics"
	"github.com/nexusfeed/nexusfeed/internal/persistence/postgres"
	"github.com/nexusfeed/nexusfeed/internal/publisher"
	"github.com/nexusfeed/nexusfeed/internal/replay"
	"github.com/nexusfeed/nexusfeed/internal/venue"
	"github.com/nexusfeed/nexusfeed/internal/venue/binance"
	"github.com/nexusfeed/nexusfeed/internal/venue/coinbase"
	"github.com/nexusfeed/nexusfeed/internal/venue/kraken"
	"github.com/nexusfeed/nexusfeed/internal/venue/okx"
)

const (
	appName = "nexusfeed"
	version = "v0.1.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-exchange cryptocurrency market-data aggregator",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline and HTTP surface",
		RunE:  runServe,
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Drive a bounded replay session from stored history to stdout",
		RunE:  runReplay,
	}
	replayCmd.Flags().String("instrument", "", "Instrument to replay, e.g. BTC/USD")
	replayCmd.Flags().String("from", "", "Replay window start, RFC3339")
	replayCmd.Flags().String("to", "", "Replay window end, RFC3339")
	replayCmd.Flags().Float64("speed", 1.0, "Replay speed multiplier")
	replayCmd.MarkFlagRequired("instrument")
	replayCmd.MarkFlagRequired("from")
	replayCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// buildVenueClient constructs the adapter for id using its package
// defaults; every adapter talks to public, unauthenticated market-data
// endpoints, so no credentials are threaded through here.
func buildVenueClient(id string) (venue.Client, error) {
	switch id {
	case "binance":
		return binance.New(binance.DefaultConfig()), nil
	case "kraken":
		return kraken.New(kraken.DefaultConfig()), nil
	case "coinbase":
		return coinbase.New(coinbase.DefaultConfig()), nil
	case "okx":
		return okx.New(okx.DefaultConfig()), nil
	default:
		return nil, fmt.Errorf("unsupported venue %q", id)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setLogLevel(cfg.LogLevel)

	integration, err := db.NewIntegration(cfg.Database)
	if err != nil {
		return fmt.Errorf("db integration: %w", err)
	}
	defer integration.Close()

	repo := integration.Repository()
	metricsReg := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flusher := postgres.NewTradeFlusher(repo.Trades, cfg.Flush.BatchSize, cfg.Flush.FlushInterval,
		func(n int, latency time.Duration) {
			metricsReg.DBWriteLatency.WithLabelValues("trade_flush").Observe(latency.Seconds())
		}, log.Logger)
	flusher.Start(ctx)
	defer flusher.Stop(context.Background())

	cacheStore := cache.NewStore(cache.NewAuto(cache.Config{
		URL:  cfg.Cache.RedisURL,
		Host: cfg.Cache.RedisHost,
		Port: cfg.Cache.RedisPort,
		DB:   cfg.Cache.RedisDB,
	}), cache.DefaultTTL)

	pub := publisher.New(publisher.DefaultQueueSize, log.Logger)
	pub.Start()
	defer pub.Stop()

	replayRegistry := replay.NewRegistry()

	intervals := feed.Intervals{
		Trade:  cfg.Poll.TradeInterval,
		Book:   cfg.Poll.BookInterval,
		Ticker: cfg.Poll.TickerInterval,
	}
	manager := feed.New(intervals, flusher, repo.Books, cacheStore, pub, metricsReg, log.Logger)

	for _, id := range cfg.Venues {
		client, err := buildVenueClient(id)
		if err != nil {
			log.Warn().Str("venue", id).Err(err).Msg("skipping unsupported venue")
			continue
		}
		manager.Register(client, cfg.Symbols)
	}

	manager.StartAll(ctx)
	defer manager.StopAll()

	httpCfg := httpapi.DefaultConfig()
	if cfg.HTTP.Port != "" {
		if p, err := strconv.Atoi(cfg.HTTP.Port); err == nil {
			httpCfg.Port = p
		}
	}
	server, err := httpapi.NewServer(httpCfg, pub, replayRegistry, repo, metricsReg, log.Logger)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setLogLevel(cfg.LogLevel)

	instrument, _ := cmd.Flags().GetString("instrument")
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	speed, _ := cmd.Flags().GetFloat64("speed")

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}

	integration, err := db.NewIntegration(cfg.Database)
	if err != nil {
		return fmt.Errorf("db integration: %w", err)
	}
	defer integration.Close()

	repo := integration.Repository()
	registry := replay.NewRegistry()
	session := registry.Create(instrument, from, to, speed)
	defer registry.Remove(session.ID)

	sink := &printSink{}
	return replay.Stream(context.Background(), repo.Trades, repo.Books, session, sink)
}

// printSink prints replay events to stdout for the CLI-driven replay
// command; the HTTP-exposed replay path (internal/httpapi) streams the
// same events over a websocket instead.
type printSink struct{}

func (printSink) Send(event domain.Event) error {
	fmt.Printf("%+v\n", event)
	return nil
}
