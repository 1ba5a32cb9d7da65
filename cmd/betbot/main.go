// Betbot - Martingale recovery bot for fixed-expiry binary options
//
// The bot opens a position, waits for the venue to settle it, and on a
// loss escalates the stake so a later win recovers everything lost so
// far. Settlement results race in over three channels (websocket push,
// REST polling, balance deltas); the reconciler applies exactly one
// per step. Orders can fire at precise wall-clock times through the
// scheduler, with the websocket kept hot just before the shot.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/betbot/bot"
	"github.com/web3guy0/betbot/dispatch"
	"github.com/web3guy0/betbot/engine"
	"github.com/web3guy0/betbot/exec"
	"github.com/web3guy0/betbot/feeds"
	"github.com/web3guy0/betbot/internal/config"
	"github.com/web3guy0/betbot/metrics"
	"github.com/web3guy0/betbot/reconcile"
	"github.com/web3guy0/betbot/risk"
	"github.com/web3guy0/betbot/sched"
	"github.com/web3guy0/betbot/storage"
	"github.com/web3guy0/betbot/types"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("asset", cfg.Asset).
		Str("account", string(cfg.AccountType)).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ Betbot starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := storage.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== CORE COMPONENTS ======

	// 1. Venue REST client - orders, history, balance, server time
	client := exec.NewClient(cfg.VenueAPIURL, cfg.VenueToken, cfg.VenueDeviceID, cfg.DryRun)

	// 2. Server-corrected clock - expiries are computed against the
	// venue's clock, not ours
	serverClock := feeds.NewServerClock(client, 5*time.Minute)
	if err := serverClock.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Initial clock sync failed, running on local time")
	}
	serverClock.Start(ctx)

	// 3. Venue WebSocket - push results and balance deltas
	feed := feeds.NewVenueFeed(cfg.VenueWSURL, cfg.VenueToken)
	feed.Start()

	// 4. Reconciler - settles each step exactly once across channels
	recCfg := reconcile.DefaultConfig()
	recCfg.ResultTimeout = cfg.ResultTimeout
	reconciler := reconcile.New(client, serverClock, recCfg)
	reconciler.SetJournal(db)
	reconciler.Start(ctx)

	feed.OnTradeClosed(reconciler.HandleTradeClosed)
	feed.OnBalance(reconciler.HandleBalance)

	// 5. Dispatcher - expiry snapping and acknowledged submission
	dispatcher := dispatch.NewDispatcher(client, serverClock, dispatch.DefaultConfig())

	// 6. Risk rails
	limits := risk.DefaultLimits()
	limits.MaxStake = cfg.MaxStake
	limits.MaxTotalRisk = cfg.MaxTotalRisk
	breaker := risk.NewCircuitBreaker(cfg.BreakerLosses, cfg.BreakerDailyMax, cfg.BreakerCooldown)

	// ====== TELEGRAM BOT ======
	var telegramBot *bot.TelegramBot
	if cfg.TelegramToken != "" {
		telegramBot, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, cfg.AccountType, db, client)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
		}
	} else {
		log.Warn().Msg("⚠️ TELEGRAM_BOT_TOKEN not set - notifications disabled")
	}

	// ====== ENGINE ======
	callbacks := engine.Callbacks{}
	if telegramBot != nil {
		callbacks.OnStarted = func(sequenceID string, params engine.SequenceParams) {
			telegramBot.NotifySequenceStarted(params.Asset, params.Trend, params.BaseStake, params.MaxSteps)
		}
		callbacks.OnSubmitResult = func(sequenceID string, res dispatch.Result) {
			if !res.Ok() && res.Err != nil {
				telegramBot.NotifyError(res.Err)
			}
		}
		callbacks.OnStepAdvance = func(sequenceID string, step int) {
			stake := risk.AmountForStep(cfg.BaseStake, cfg.MultiplierKind, cfg.MultiplierValue, step, limits.Unit)
			atRisk := risk.TotalRisk(cfg.BaseStake, cfg.MultiplierKind, cfg.MultiplierValue, step, limits.Unit)
			telegramBot.NotifyStepAdvance(cfg.Asset, step, stake, atRisk)
		}
		callbacks.OnCompleted = func(sequenceID string, summary engine.Summary) {
			telegramBot.NotifySequenceCompleted(types.SequenceRecord{
				ID:            sequenceID,
				Asset:         cfg.Asset,
				Account:       cfg.AccountType,
				Steps:         summary.StepsTaken,
				State:         string(summary.State),
				TotalLoss:     summary.TotalLoss,
				Recovered:     summary.Recovered,
				AssumedLosses: summary.AssumedLosses,
				StartedAt:     summary.StartedAt,
				FinishedAt:    summary.FinishedAt,
			})
		}
	}

	eng := engine.NewEngine(dispatcher, reconciler, serverClock, limits, breaker, db, callbacks)
	eng.Start(ctx)

	// ====== SCHEDULER ======
	baseParams := engine.SequenceParams{
		Asset:           cfg.Asset,
		Account:         cfg.AccountType,
		BaseStake:       cfg.BaseStake,
		MaxSteps:        cfg.MaxSteps,
		MultiplierKind:  cfg.MultiplierKind,
		MultiplierValue: cfg.MultiplierValue,
	}
	scheduler := sched.NewScheduler(eng, feed, serverClock, baseParams, sched.DefaultConfig())
	if telegramBot != nil {
		scheduler.OnSkipped(telegramBot.NotifyTriggerSkipped)
	}
	scheduler.Start(ctx)

	// ====== METRICS ======
	go metrics.Serve(cfg.MetricsAddr)

	if telegramBot != nil {
		telegramBot.SetScheduler(scheduler)
		telegramBot.SetFeedStatus(feed)
		telegramBot.SetControlCallbacks(
			func() { eng.Stop() },
			func() { eng.Start(ctx) },
		)
		telegramBot.Start()

		mode := "LIVE"
		if cfg.DryRun {
			mode = "DRY RUN"
		}
		telegramBot.NotifyStartup(mode)
	}

	// ====== STARTUP COMPLETE ======
	log.Info().Msg("✅ All systems online")
	log.Info().Msg("💡 Use /help for commands")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")

	if telegramBot != nil {
		telegramBot.Stop()
	}
	eng.Stop()
	cancel()
	feed.Stop()

	log.Info().Msg("👋 Goodbye!")
}
