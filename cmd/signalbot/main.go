// SignalBot - Telegram signal copy-trading bot for crypto futures.
//
// The bot reads trading signals posted in Telegram channels, validates them,
// opens leveraged futures positions on Binance / Bybit / Bitget with a stop
// loss and a take-profit ladder, and manages each position until it closes.
// Operators steer it through Telegram commands.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/bot"
	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/exchange/binance"
	"github.com/web3guy0/signalbot/internal/exchange/bitget"
	"github.com/web3guy0/signalbot/internal/exchange/bybit"
	"github.com/web3guy0/signalbot/internal/journal"
	"github.com/web3guy0/signalbot/internal/listener"
	"github.com/web3guy0/signalbot/internal/mode"
	"github.com/web3guy0/signalbot/internal/notify"
	"github.com/web3guy0/signalbot/internal/parser"
	"github.com/web3guy0/signalbot/internal/position"
	"github.com/web3guy0/signalbot/internal/reconcile"
	"github.com/web3guy0/signalbot/internal/risk"
	"github.com/web3guy0/signalbot/internal/stats"
	"github.com/web3guy0/signalbot/internal/store"
	"github.com/web3guy0/signalbot/internal/trader"
)

const version = "1.0.0"

// paperStartBalance funds the simulated account in dry-run mode.
var paperStartBalance = decimal.NewFromInt(10_000)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using environment variables")
	}

	configDir := os.Getenv("SIGNALBOT_CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg.Logging)

	log.Info().
		Str("version", version).
		Str("exchange", cfg.Exchange.Name).
		Bool("dry_run", cfg.Trading.DryRun).
		Int("channels", len(cfg.Channels)).
		Msg("🤖 SignalBot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	dataDir := cfg.Persistence.DataDir
	positions, err := store.OpenCollection[domain.SignalPosition](filepath.Join(dataDir, "positions.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open position store")
	}
	cooldown, err := risk.NewController(cfg.Cooldown,
		store.OpenSingleton[domain.CooldownState](filepath.Join(dataDir, "cooldown.json")), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init cooldown controller")
	}
	modes, err := mode.NewController(mode.OpenStore(filepath.Join(dataDir, "mode.json")), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init mode controller")
	}
	agg, err := stats.NewAggregator(nil, stats.OpenStore(filepath.Join(dataDir, "stats.json")), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init statistics")
	}

	// Exchange
	exch := buildExchange(cfg)
	log.Info().Str("venue", exch.Name()).Msg("📈 Exchange client ready")

	// Startup reconciliation: report, never auto-correct.
	recon, err := reconcile.Run(ctx, exch, positions, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("startup reconciliation failed")
	}
	log.Info().Str("summary", recon.Summary()).Msg("🔎 Reconciliation done")

	// Telegram
	tg, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect Telegram bot")
	}
	log.Info().Str("username", tg.Self.UserName).Msg("🤖 Telegram bot connected")
	notifier := notify.NewTelegram(tg, cfg.Telegram.AdminChatID, log.Logger)
	modes.Subscribe(func(old, new domain.OperatingMode) {
		notifier.ModeChanged(old, new, "operator")
	})

	// Journal (optional)
	var jrnl position.Journal
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.DSN, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open trade journal")
		}
		jrnl = j
	}

	// Execution pipeline and position manager
	exec := trader.New(cfg, exch, positions, cooldown, modes, notifier, log.Logger)
	manager := position.NewManager(cfg, exch, positions, cooldown, agg, notifier, jrnl, log.Logger)
	exec.SetCloser(manager)

	// Signal ingress
	registry := parser.NewRegistry(cfg.Exchange.QuoteAsset, cfg.Trading.DefaultLeverage)
	channelListener, err := listener.New(cfg.Channels, registry,
		store.OpenSingleton[map[int64]int](filepath.Join(dataDir, "seen.json")), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build channel listener")
	}

	commandBot := bot.New(tg, cfg, modes, manager, cooldown, agg, exch.Name(), exch,
		channelListener.HandlePost, log.Logger)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("component", name).Msg("component stopped")
				cancel()
			}
		}()
	}

	run("order-stream", exch.Run)
	run("position-manager", manager.Run)
	run("telegram", commandBot.Run)
	run("executor", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sig := <-channelListener.Signals():
				if _, err := exec.Execute(ctx, sig); err != nil {
					log.Error().Err(err).Str("signal", sig.ID).Str("symbol", sig.Symbol).
						Msg("signal execution failed")
				}
			}
		}
	})

	notifier.Startup(exch.Name(), string(modes.Mode()), recon.Summary())
	log.Info().Msg("✅ SignalBot running")

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-stop:
		log.Info().Str("signal", s.String()).Msg("shutting down...")
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	log.Info().Msg("👋 SignalBot stopped")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Pretty {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// buildExchange selects the venue adapter; dry-run wraps its market data in
// the simulated execution layer.
func buildExchange(cfg *config.Config) exchange.Client {
	var real exchange.Client
	switch cfg.Exchange.Name {
	case "bybit":
		real = bybit.New(bybit.Options{
			APIKey:    cfg.Exchange.APIKey,
			APISecret: cfg.Exchange.APISecret,
			Testnet:   cfg.Exchange.Testnet,
		}, log.Logger)
	case "bitget":
		real = bitget.New(bitget.Options{
			APIKey:     cfg.Exchange.APIKey,
			APISecret:  cfg.Exchange.APISecret,
			Passphrase: cfg.Exchange.Passphrase,
			Testnet:    cfg.Exchange.Testnet,
		}, log.Logger)
	default:
		real = binance.New(binance.Options{
			APIKey:    cfg.Exchange.APIKey,
			APISecret: cfg.Exchange.APISecret,
			Testnet:   cfg.Exchange.Testnet,
		}, log.Logger)
	}
	if cfg.Trading.DryRun {
		return exchange.NewPaper(real, cfg.Exchange.Name, paperStartBalance, log.Logger)
	}
	return real
}
