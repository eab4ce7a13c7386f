package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"trackd/internal/api"
	"trackd/internal/application/port"
	"trackd/internal/application/service"
	"trackd/internal/application/usecase/tracker"
	"trackd/internal/infrastructure/config"
	"trackd/internal/infrastructure/crypto"
	"trackd/internal/infrastructure/logger"
	"trackd/internal/infrastructure/metrics"
	"trackd/internal/infrastructure/pricefeed"
	"trackd/internal/infrastructure/storage/composite"
	"trackd/internal/infrastructure/storage/postgres"
	redisstore "trackd/internal/infrastructure/storage/redis"
	"trackd/internal/infrastructure/storage/sqlite"
	"trackd/internal/infrastructure/stream"
	"trackd/internal/infrastructure/vendorfeed"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info")
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	repo, err := buildRepository(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage failed")
	}
	defer repo.Close()

	key, err := cfg.CredentialKey()
	if err != nil {
		log.Fatal().Err(err).Msg("credential key")
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		log.Fatal().Err(err).Msg("credential sealer")
	}

	publisher := buildPublisher(cfg)
	defer publisher.Close()

	book := service.NewQuoteBook(cfg.Symbols.List)
	vault := service.NewCredentialService(repo, sealer)
	portfolio := service.NewPortfolioService(repo, book, publisher)

	feeds, ibkrFactory := buildFeeds(cfg, m)

	trk := tracker.NewService(tracker.ServiceDeps{
		Feeds:         feeds,
		Symbols:       cfg.Symbols.List,
		Book:          book,
		Repo:          repo,
		Publisher:     publisher,
		Vault:         vault,
		IBKRFactory:   ibkrFactory,
		SnapshotEvery: time.Duration(cfg.App.SnapshotEveryMin) * time.Minute,
		OnTick:        func(v string) { m.TicksTotal.WithLabelValues(v).Inc() },
		OnSnapshot:    func() { m.SnapshotsTotal.Inc() },
	})
	vault.OnClear = func(userID, vendorName string) {
		if vendorName == "ibkr" {
			trk.DisconnectIBKR(userID)
		}
	}

	handler := api.NewHandler(repo, book, portfolio, vault, trk)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.SetupRoutes(handler, m.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	log.Info().
		Str("config", *configPath).
		Int("symbols", len(cfg.Symbols.List)).
		Strs("vendors", cfg.EnabledVendors()).
		Str("storage", cfg.Storage.Driver).
		Msg("trackd started")

	if err := trk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("tracker exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}

func buildRepository(cfg *config.Config) (port.Repository, error) {
	var primary port.Repository
	var err error
	switch cfg.Storage.Driver {
	case "postgres":
		primary, err = postgres.New(cfg.Storage.PostgresDSN)
	default:
		primary, err = sqlite.New(cfg.Storage.SQLitePath)
	}
	if err != nil {
		return nil, err
	}

	if !cfg.Redis.Enabled {
		return primary, nil
	}
	cache, err := redisstore.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Redis.TTLSec)*time.Second)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, continuing without cache")
		return primary, nil
	}
	return composite.New(primary, cache), nil
}

func buildPublisher(cfg *config.Config) port.EventPublisher {
	if !cfg.Kafka.Enabled {
		return stream.NoopPublisher{}
	}
	log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka publisher enabled")
	return stream.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

func feedHooks(m *metrics.Metrics, vendorName string) vendor.Hooks {
	return vendor.Hooks{
		OnReconnect: func() { m.ReconnectsTotal.WithLabelValues(vendorName).Inc() },
		OnQuotaStop: func() { m.QuotaStopsTotal.WithLabelValues(vendorName).Inc() },
	}
}

// buildFeeds constructs the service-level polling feeds from config and,
// when the ibkr vendor is enabled, a factory for per-user streaming
// sessions.
func buildFeeds(cfg *config.Config, m *metrics.Metrics) ([]port.PriceFeed, tracker.IBKRFeedFactory) {
	var feeds []port.PriceFeed
	var ibkrFactory tracker.IBKRFeedFactory

	for _, name := range cfg.EnabledVendors() {
		vc := cfg.Vendors[name]
		settings := pricefeed.Settings{
			BaseURL:      vc.BaseURL,
			PaperWsURL:   vc.PaperWsURL,
			LiveWsURL:    vc.LiveWsURL,
			PollInterval: time.Duration(vc.PollIntervalSec) * time.Second,
			Credentials:  port.Credentials{APIKey: vc.APIKey},
			Hooks:        feedHooks(m, name),
		}

		if name == "ibkr" {
			// IBKR sessions are per user; credentials come from the vault
			// at connect time, not from config.
			ibkrFactory = func(creds port.Credentials) (port.PriceFeed, error) {
				s := settings
				s.Credentials = creds
				return pricefeed.New("ibkr", s)
			}
			continue
		}

		feed, err := pricefeed.New(name, settings)
		if err != nil {
			log.Warn().Err(err).Str("vendor", name).Msg("vendor feed not started")
			continue
		}
		feeds = append(feeds, feed)
	}
	return feeds, ibkrFactory
}
