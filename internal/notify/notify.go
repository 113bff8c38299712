// Package notify sends the operator-facing Telegram messages: opened and
// closed positions, skipped signals, protection alerts, and lifecycle
// events. All notifications go to the admin chat.
package notify

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

// sender is the slice of tgbotapi.BotAPI we use; narrowed for tests.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends formatted notifications to the admin chat.
type Telegram struct {
	api    sender
	chatID int64
	log    zerolog.Logger
}

func NewTelegram(api *tgbotapi.BotAPI, adminChatID int64, log zerolog.Logger) *Telegram {
	return newTelegram(api, adminChatID, log)
}

func newTelegram(api sender, adminChatID int64, log zerolog.Logger) *Telegram {
	return &Telegram{api: api, chatID: adminChatID, log: log.With().Str("component", "notify").Logger()}
}

func (t *Telegram) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error().Err(err).Msg("send notification")
	}
}

func dirEmoji(d domain.Direction) string {
	if d == domain.Long {
		return "🟢"
	}
	return "🔴"
}

func pnlEmoji(pnl decimal.Decimal) string {
	switch pnl.Sign() {
	case 1:
		return "🟢"
	case -1:
		return "🔴"
	}
	return "⚪"
}

// Startup announces the bot coming online, with the reconciliation outcome.
func (t *Telegram) Startup(exchange, mode, reconcileSummary string) {
	t.sendMarkdown(fmt.Sprintf(`🟢 *SignalBot Online*

*Exchange:* %s
*Mode:* %s

_%s_`, exchange, mode, reconcileSummary))
}

// ModeChanged announces an operating mode transition.
func (t *Telegram) ModeChanged(old, new domain.OperatingMode, by string) {
	t.sendMarkdown(fmt.Sprintf("⚙️ *Mode changed:* %s → %s\n_by %s_", old, new, by))
}

// PositionOpened announces a new position with its protection plan.
func (t *Telegram) PositionOpened(p *domain.SignalPosition) {
	var targets strings.Builder
	for i, lvl := range p.Targets {
		branch := "├"
		if i == len(p.Targets)-1 {
			branch = "└"
		}
		fmt.Fprintf(&targets, "%s TP%d: %s (%s)\n", branch, i+1, lvl.Price, lvl.QuantityToClose)
	}
	text := fmt.Sprintf(`%s *%s %s OPENED*

*Entry:* %s
*Quantity:* %s
*Leverage:* %dx
*Stop Loss:* %s

*Targets:*
%s`,
		dirEmoji(p.Direction), p.Symbol, strings.ToUpper(string(p.Direction)),
		p.ActualEntryPrice, p.InitialQuantity, p.Leverage, p.CurrentStopLoss,
		strings.TrimRight(targets.String(), "\n"))
	if p.ProtectionIncomplete {
		text += "\n\n⚠️ _Some protective orders failed to place. Check the position._"
	}
	t.sendMarkdown(text)
}

// SignalSkipped reports a signal the pipeline dropped, with the gate reason.
func (t *Telegram) SignalSkipped(sig *domain.TradingSignal, reason string) {
	t.sendMarkdown(fmt.Sprintf("⏭️ *%s %s skipped*\n_%s_",
		sig.Symbol, strings.ToUpper(string(sig.Direction)), escapeMarkdown(reason)))
}

// EntryRejected reports a venue-rejected entry order.
func (t *Telegram) EntryRejected(sig *domain.TradingSignal, reason string) {
	t.sendMarkdown(fmt.Sprintf("❌ *%s %s entry rejected*\n_%s_",
		sig.Symbol, strings.ToUpper(string(sig.Direction)), escapeMarkdown(reason)))
}

// TargetHit announces ladder progress on an open position.
func (t *Telegram) TargetHit(p *domain.SignalPosition, target int, fillPrice decimal.Decimal) {
	t.sendMarkdown(fmt.Sprintf(`🎯 *%s TP%d HIT* @ %s

*Remaining:* %s
*Realized so far:* %s`,
		p.Symbol, target, fillPrice, p.RemainingQuantity, p.RealizedPnl.Round(2)))
}

// StopMoved announces a breakeven ladder step.
func (t *Telegram) StopMoved(p *domain.SignalPosition, newStop decimal.Decimal) {
	t.sendMarkdown(fmt.Sprintf("🛡️ *%s stop moved to %s*", p.Symbol, newStop))
}

// PositionClosed announces a terminal close with the final pnl.
func (t *Telegram) PositionClosed(p *domain.SignalPosition) {
	reason := map[domain.CloseReason]string{
		domain.CloseTargetsHit:  "all targets hit",
		domain.CloseStopLossHit: "stop loss hit",
		domain.CloseLiquidation: "LIQUIDATED",
		domain.CloseManual:      "closed manually",
		domain.CloseError:       "closed after error",
	}[p.CloseReason]
	if reason == "" {
		reason = string(p.CloseReason)
	}
	t.sendMarkdown(fmt.Sprintf(`%s *%s %s CLOSED* — %s

*PnL:* %s`,
		pnlEmoji(p.RealizedPnl), p.Symbol, strings.ToUpper(string(p.Direction)),
		reason, p.RealizedPnl.Round(2)))
}

// ProtectionAlert warns that a position is running without full protection.
func (t *Telegram) ProtectionAlert(p *domain.SignalPosition, msg string) {
	t.sendMarkdown(fmt.Sprintf("🚨 *%s UNPROTECTED*\n%s\n\n_Intervene manually or /close %s_",
		p.Symbol, escapeMarkdown(msg), shortID(p.ID)))
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Nop discards every notification; used in tests and when no admin chat is
// configured.
type Nop struct{}

func (Nop) Startup(exchange, mode, reconcileSummary string)                           {}
func (Nop) ModeChanged(old, new domain.OperatingMode, by string)                      {}
func (Nop) PositionOpened(p *domain.SignalPosition)                                   {}
func (Nop) SignalSkipped(sig *domain.TradingSignal, reason string)                    {}
func (Nop) EntryRejected(sig *domain.TradingSignal, reason string)                    {}
func (Nop) TargetHit(p *domain.SignalPosition, target int, fillPrice decimal.Decimal) {}
func (Nop) StopMoved(p *domain.SignalPosition, newStop decimal.Decimal)               {}
func (Nop) PositionClosed(p *domain.SignalPosition)                                   {}
func (Nop) ProtectionAlert(p *domain.SignalPosition, msg string)                      {}
