// Package listener turns Telegram channel posts into trading signals. It
// does not poll Telegram itself: the command bot owns the single getUpdates
// stream and hands channel posts over. The listener binds each configured
// channel to its parser, drops everything already seen (Telegram re-delivers
// after reconnects), and emits parsed signals in arrival order.
package listener

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/domain"
	"github.com/web3guy0/signalbot/internal/parser"
	"github.com/web3guy0/signalbot/internal/store"
)

// channelChatOffset converts a bare channel id to the chat id Telegram uses
// for supergroups/channels (the "-100" prefix).
const channelChatOffset int64 = 1_000_000_000_000

// NormalizeChannelID maps a configured channel id onto the chat id carried
// by updates. Negative ids are already chat ids.
func NormalizeChannelID(id int64) int64 {
	if id < 0 {
		return id
	}
	return -(channelChatOffset + id)
}

type binding struct {
	cfg    config.ChannelConfig
	parser parser.Parser
}

// Listener routes channel posts to their bound parser and emits signals.
type Listener struct {
	byID   map[int64]binding
	byName map[string]binding
	seen   *store.Singleton[map[int64]int]
	last   map[int64]int
	out    chan *domain.TradingSignal
	log    zerolog.Logger
}

// New builds a listener for the configured channels. Unknown parser names
// are a configuration error.
func New(channels []config.ChannelConfig, reg *parser.Registry,
	seen *store.Singleton[map[int64]int], log zerolog.Logger) (*Listener, error) {
	l := &Listener{
		byID:   map[int64]binding{},
		byName: map[string]binding{},
		seen:   seen,
		last:   map[int64]int{},
		out:    make(chan *domain.TradingSignal, 32),
		log:    log.With().Str("component", "listener").Logger(),
	}
	for _, ch := range channels {
		p, ok := reg.Get(ch.Parser)
		if !ok {
			return nil, &UnknownParserError{Channel: ch.Name, Parser: ch.Parser, Known: reg.Names()}
		}
		b := binding{cfg: ch, parser: p}
		if ch.ID != 0 {
			l.byID[NormalizeChannelID(ch.ID)] = b
		}
		if ch.Name != "" {
			l.byName[strings.ToLower(ch.Name)] = b
		}
	}
	if cur, ok, err := seen.Load(); err != nil {
		return nil, err
	} else if ok {
		l.last = cur
	}
	return l, nil
}

// UnknownParserError reports a channel bound to a parser that does not exist.
type UnknownParserError struct {
	Channel string
	Parser  string
	Known   []string
}

func (e *UnknownParserError) Error() string {
	return "channel " + e.Channel + ": unknown parser " + e.Parser +
		" (known: " + strings.Join(e.Known, ", ") + ")"
}

// Signals is the ordered stream of parsed signals.
func (l *Listener) Signals() <-chan *domain.TradingSignal { return l.out }

// HandlePost processes one channel post from the update stream. Safe to call
// from a single goroutine (the bot's update loop).
func (l *Listener) HandlePost(msg *tgbotapi.Message) {
	if msg == nil || msg.Chat == nil {
		return
	}
	b, ok := l.resolve(msg.Chat)
	if !ok {
		return // not one of ours
	}
	chatID := msg.Chat.ID
	log := l.log.With().Str("channel", b.cfg.Name).Int64("chat", chatID).Int("message", msg.MessageID).Logger()

	if msg.MessageID <= l.last[chatID] {
		log.Debug().Msg("already processed, skipping")
		return
	}
	l.markSeen(chatID, msg.MessageID)

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if !parser.LooksLikeSignal(text) {
		return
	}

	sig, err := b.parser.Parse(text, domain.SignalSource{
		Channel:   b.cfg.Name,
		ChannelID: chatID,
		MessageID: msg.MessageID,
	})
	if err != nil {
		// The pre-filter passed but the format did not: worth a look, the
		// channel may have changed its template.
		log.Warn().Err(err).Str("text", truncate(text, 120)).Msg("signal-like message did not parse")
		return
	}
	log.Info().Str("signal", sig.ID).Str("symbol", sig.Symbol).Str("direction", string(sig.Direction)).
		Msg("signal parsed from channel")
	l.out <- sig
}

func (l *Listener) resolve(chat *tgbotapi.Chat) (binding, bool) {
	if b, ok := l.byID[chat.ID]; ok {
		return b, true
	}
	if b, ok := l.byName[strings.ToLower(chat.UserName)]; ok && chat.UserName != "" {
		return b, true
	}
	if b, ok := l.byName[strings.ToLower(chat.Title)]; ok && chat.Title != "" {
		return b, true
	}
	return binding{}, false
}

func (l *Listener) markSeen(chatID int64, messageID int) {
	l.last[chatID] = messageID
	if err := l.seen.Save(l.last); err != nil {
		l.log.Error().Err(err).Msg("persist seen messages")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
