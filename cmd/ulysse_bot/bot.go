package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/config"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/market"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/market/alpaca"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/market/binance"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/market/coingecko"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/notifications"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/parser"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/registry"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/server"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/storage"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/telegram"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/watcher"
)

const (
	priceRequestTimeout = 5 * time.Second
	drainTimeout        = 10 * time.Second
)

// runBot wires every component and blocks until SIGINT/SIGTERM.
func runBot(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateBot(); err != nil {
		return err
	}
	cfg.Print()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	oracle, err := buildOracle(cfg)
	if err != nil {
		return err
	}

	bot, err := telegram.Connect(cfg.TelegramBotToken, false)
	if err != nil {
		return apperr.WrapFatal("connect telegram", err)
	}

	dispatcher := notifications.NewDispatcher(
		telegram.NewSender(bot, cfg.DiscussionChatID),
		notifications.WithQueueSize(cfg.EmitQueue),
		notifications.WithTimeout(cfg.EmitTimeout),
	)
	emitter := notifications.Multi{notifications.LogEmitter{}, dispatcher}

	reg := registry.New(
		registry.WithStore(store),
		registry.WithEntryRule(models.EntryRule(cfg.EntryRule)),
		registry.WithEmitter(emitter),
	)
	if err := reg.Load(ctx); err != nil {
		return apperr.WrapFatal("load trades", err)
	}

	w := watcher.New(reg, oracle, emitter, watcher.Options{
		PollInterval:          cfg.PollInterval,
		FirstPollDelay:        cfg.FirstPollDelay,
		Workers:               cfg.Workers,
		UnitTimeout:           cfg.UnitTimeout,
		UnavailableAlertAfter: cfg.UnavailableAlertAfter,
		Version:               cfg.Version,
	})
	listener := telegram.NewListener(bot, telegram.Config{
		AnnounceChannelID: cfg.AnnounceChannelID,
		DiscussionChatID:  cfg.DiscussionChatID,
	}, parser.New(cfg.DefaultQuote), reg, w)
	srv := server.New(cfg.Port, reg, w, cfg.Version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", cfg.Version).
		Str("oracle", oracle.Name()).
		Dur("interval", cfg.PollInterval).
		Msg("UlysseTif bot initialized")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx) })
	runErr := g.Wait()

	// Commits made while the loops were stopping are written once more.
	if err := reg.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("Final save of trades failed")
	}

	log.Info().Msg("Shutting down, draining notifications")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Notifications dropped at shutdown")
	}
	return runErr
}

// openStore returns the configured store and its cleanup.
func openStore(cfg *config.Config) (registry.Store, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := storage.NewSQLStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, apperr.WrapFatal("open sqlite store", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("Closing sqlite store")
			}
		}, nil
	case "json", "":
		return storage.NewFileStore(cfg.StateFile), func() {}, nil
	default:
		return nil, nil, apperr.Fatalf("unknown store driver %q", cfg.StoreDriver)
	}
}

// buildOracle chains the configured price sources in order behind a
// freshness cache.
func buildOracle(cfg *config.Config) (market.PriceProvider, error) {
	var providers []market.PriceProvider
	for _, src := range cfg.Sources() {
		switch src {
		case "binance":
			providers = append(providers, binance.NewProvider("", priceRequestTimeout))
		case "alpaca":
			providers = append(providers, alpaca.NewProvider(cfg.AlpacaKeyID, cfg.AlpacaSecretKey))
		case "coingecko":
			providers = append(providers, coingecko.NewProvider(cfg.CoinGeckoBaseURL))
		default:
			return nil, apperr.Fatalf("unknown price source %q", src)
		}
	}
	if len(providers) == 0 {
		return nil, apperr.Fatalf("no price source configured")
	}
	return market.NewCache(market.NewChain(providers...), cfg.PriceMaxStaleness), nil
}
