// Package bot is the operator command surface on Telegram. It owns the
// single getUpdates stream: commands from authorized users are handled
// here, channel posts are handed to the signal listener.
package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/mode"
	"github.com/web3guy0/signalbot/internal/risk"
	"github.com/web3guy0/signalbot/internal/stats"
)

// api is the slice of tgbotapi.BotAPI the bot uses; narrowed for tests.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// PositionService is what the commands need from the position manager.
type PositionService interface {
	Active() []domain.SignalPosition
	ClosePosition(ctx context.Context, positionID string, reason domain.CloseReason) error
	CloseAll(ctx context.Context, reason domain.CloseReason) error
}

// MarketData is the read-only exchange slice /status and /positions use.
// Nil-able: the commands degrade to stored state only.
type MarketData interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Bot dispatches operator commands and routes channel posts.
type Bot struct {
	api       api
	cfg       *config.Config
	modes     *mode.Controller
	positions PositionService
	cooldown  *risk.Controller
	stats     *stats.Aggregator
	market    MarketData
	onPost    func(*tgbotapi.Message)
	exchange  string
	log       zerolog.Logger
}

func New(botAPI *tgbotapi.BotAPI, cfg *config.Config, modes *mode.Controller, positions PositionService,
	cooldown *risk.Controller, agg *stats.Aggregator, exchangeName string, market MarketData,
	onChannelPost func(*tgbotapi.Message), log zerolog.Logger) *Bot {
	return newBot(botAPI, cfg, modes, positions, cooldown, agg, exchangeName, market, onChannelPost, log)
}

func newBot(a api, cfg *config.Config, modes *mode.Controller, positions PositionService,
	cooldown *risk.Controller, agg *stats.Aggregator, exchangeName string, market MarketData,
	onChannelPost func(*tgbotapi.Message), log zerolog.Logger) *Bot {
	return &Bot{
		api:       a,
		cfg:       cfg,
		modes:     modes,
		positions: positions,
		cooldown:  cooldown,
		stats:     agg,
		market:    market,
		onPost:    onChannelPost,
		exchange:  exchangeName,
		log:       log.With().Str("component", "bot").Logger(),
	}
}

// Run consumes Telegram updates until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.ChannelPost != nil && b.onPost != nil {
				b.onPost(update.ChannelPost)
			}
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		}
	}
}

// authorized restricts commands to the admin chat and the allow-list.
func (b *Bot) authorized(msg *tgbotapi.Message) bool {
	if msg.Chat != nil && msg.Chat.ID == b.cfg.Telegram.AdminChatID {
		return true
	}
	if msg.From == nil {
		return false
	}
	for _, id := range b.cfg.Telegram.AllowedUserIDs {
		if msg.From.ID == id {
			return true
		}
	}
	return false
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	if !b.authorized(msg) {
		from := int64(0)
		if msg.From != nil {
			from = msg.From.ID
		}
		b.log.Warn().Int64("from", from).Int64("chat", msg.Chat.ID).
			Str("command", msg.Command()).Msg("unauthorized command rejected")
		b.sendText(msg.Chat.ID, "⛔ You are not authorized to use this bot.")
		return
	}
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "status":
		b.cmdStatus(ctx, chatID)
	case "positions":
		b.cmdPositions(ctx, chatID)
	case "pause":
		b.setMode(chatID, domain.ModePaused)
	case "resume":
		b.setMode(chatID, domain.ModeAutomatic)
	case "monitor":
		b.setMode(chatID, domain.ModeMonitorOnly)
	case "close":
		b.cmdClose(ctx, chatID, msg.CommandArguments())
	case "closeall":
		b.cmdCloseAll(ctx, chatID)
	case "stop":
		b.cmdEmergencyStop(ctx, chatID)
	case "resetcooldown":
		b.cmdResetCooldown(chatID, msg.CommandArguments())
	case "help", "start":
		b.cmdHelp(chatID)
	default:
		b.sendText(chatID, "❓ Unknown command. Use /help.")
	}
}

func (b *Bot) cmdStatus(ctx context.Context, chatID int64) {
	active := b.positions.Active()
	cooldownLine := "none"
	if blocked, st := b.cooldown.Blocked(); blocked {
		cooldownLine = fmt.Sprintf("until %s (%s)", st.CooldownUntil.Format("15:04 MST"), st.Reason)
	}
	st := b.cooldown.State()

	balanceLine := "n/a"
	if b.market != nil {
		asset := b.cfg.Exchange.QuoteAsset
		if asset == "" {
			asset = "USDT"
		}
		if bal, err := b.market.Balance(ctx, asset); err == nil {
			balanceLine = bal.Round(2).String() + " " + asset
		}
	}

	text := fmt.Sprintf(`📊 *SignalBot Status*

*Exchange:* %s
*Mode:* %s
*Balance:* %s
*Open positions:* %d
*Loss streak:* %d
*Cooldown:* %s

*Performance:*
%s`,
		b.exchange,
		b.modes.Mode(),
		balanceLine,
		len(active),
		st.ConsecutiveLosses,
		cooldownLine,
		stats.FormatReport(b.stats.Report()),
	)
	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdPositions(ctx context.Context, chatID int64) {
	active := b.positions.Active()
	if len(active) == 0 {
		b.sendText(chatID, "📭 No open positions.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 *Open Positions* (%d)\n\n", len(active))
	for _, p := range active {
		hit := 0
		for _, lvl := range p.Targets {
			if lvl.Hit {
				hit++
			}
		}
		markLine := "n/a"
		if b.market != nil {
			if mark, err := b.market.MarkPrice(ctx, p.Symbol); err == nil && mark.Sign() > 0 {
				unrealized := p.PnlForFill(mark, p.RemainingQuantity)
				slDist := mark.Sub(p.CurrentStopLoss).Div(mark).Mul(decimal.NewFromInt(100)).Abs()
				markLine = fmt.Sprintf("%s (SL %s%% away, unrealized %s)",
					mark, slDist.Round(2), unrealized.Round(2))
			}
		}
		fmt.Fprintf(&sb, `*%s %s* `+"`%s`"+`
├ Entry: %s | Stop: %s
├ Mark: %s
├ Remaining: %s / %s
├ Targets: %d/%d hit
└ Realized: %s

`,
			p.Symbol, strings.ToUpper(string(p.Direction)), shortID(p.ID),
			p.ActualEntryPrice, p.CurrentStopLoss,
			markLine,
			p.RemainingQuantity, p.InitialQuantity,
			hit, len(p.Targets),
			p.RealizedPnl.Round(2),
		)
	}
	b.sendMarkdown(chatID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) setMode(chatID int64, m domain.OperatingMode) {
	if err := b.modes.Set(m, "operator"); err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	b.sendText(chatID, fmt.Sprintf("⚙️ Mode set to %s.", m))
}

// cmdClose closes one position by id prefix or symbol.
func (b *Bot) cmdClose(ctx context.Context, chatID int64, args string) {
	arg := strings.TrimSpace(args)
	if arg == "" {
		b.sendText(chatID, "⚠️ Usage: /close <position-id or symbol>")
		return
	}
	target, ok := b.findPosition(arg)
	if !ok {
		b.sendText(chatID, fmt.Sprintf("❓ No open position matches %q.", arg))
		return
	}
	if err := b.positions.ClosePosition(ctx, target.ID, domain.CloseManual); err != nil {
		b.sendText(chatID, "❌ Close failed: "+err.Error())
		return
	}
	b.sendText(chatID, fmt.Sprintf("✅ %s closed at market.", target.Symbol))
}

func (b *Bot) findPosition(arg string) (domain.SignalPosition, bool) {
	up := strings.ToUpper(arg)
	for _, p := range b.positions.Active() {
		if strings.HasPrefix(p.ID, arg) || strings.EqualFold(p.Symbol, up) {
			return p, true
		}
	}
	return domain.SignalPosition{}, false
}

func (b *Bot) cmdCloseAll(ctx context.Context, chatID int64) {
	n := len(b.positions.Active())
	if n == 0 {
		b.sendText(chatID, "📭 Nothing to close.")
		return
	}
	if err := b.positions.CloseAll(ctx, domain.CloseManual); err != nil {
		b.sendText(chatID, "⚠️ Some closes failed: "+err.Error())
		return
	}
	b.sendText(chatID, fmt.Sprintf("✅ Closed %d position(s).", n))
}

// cmdEmergencyStop flattens everything and locks the bot until restart.
func (b *Bot) cmdEmergencyStop(ctx context.Context, chatID int64) {
	b.sendText(chatID, "🛑 Emergency stop: closing all positions...")
	if err := b.positions.CloseAll(ctx, domain.CloseManual); err != nil {
		b.sendText(chatID, "⚠️ Some closes failed: "+err.Error())
	}
	if err := b.modes.Set(domain.ModeEmergencyStop, "operator"); err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	b.sendText(chatID, "🛑 Emergency stop engaged. Restart the bot to resume.")
}

func (b *Bot) cmdResetCooldown(chatID int64, args string) {
	if strings.TrimSpace(strings.ToLower(args)) == "all" {
		b.cooldown.ResetCooldown()
		b.cooldown.ResetLossCounter()
		b.sendText(chatID, "✅ Cooldown and loss counter cleared.")
		return
	}
	b.cooldown.ResetCooldown()
	b.sendText(chatID, "✅ Cooldown cleared. Loss counter kept; use /resetcooldown all to clear both.")
}

func (b *Bot) cmdHelp(chatID int64) {
	b.sendMarkdown(chatID, `📚 *SignalBot Commands*

*Monitoring:*
/status - Bot, cooldown and performance overview
/positions - Open positions in detail

*Control:*
/pause - Stop taking new signals (keep managing)
/monitor - Watch signals without trading
/resume - Back to automatic trading
/resetcooldown - Clear the cooldown clock

*Positions:*
/close <id|symbol> - Close one position at market
/closeall - Close every open position

*Emergency:*
/stop - Close everything and halt until restart`)
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error().Err(err).Msg("send reply")
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error().Err(err).Msg("send reply")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
