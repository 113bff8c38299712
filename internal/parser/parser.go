// Package parser turns raw channel messages into TradingSignal values.
// Each channel is bound to one named parser; a cheap heuristic filter runs
// first so ordinary chat never reaches the format parsers.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/domain"
)

var (
	// ErrNotASignal marks messages the heuristic filter rejects.
	ErrNotASignal = errors.New("message does not look like a signal")
	// ErrUnrecognizedFormat marks messages that pass the filter but do not
	// match the parser's format.
	ErrUnrecognizedFormat = errors.New("unrecognized signal format")
)

// Parser extracts a signal from one message format.
type Parser interface {
	Name() string
	Parse(text string, src domain.SignalSource) (*domain.TradingSignal, error)
}

// LooksLikeSignal is the pre-filter: a message must mention an entry, a
// stop and at least one target before a format parser runs.
func LooksLikeSignal(text string) bool {
	if len(text) < 20 {
		return false
	}
	low := strings.ToLower(text)
	return strings.Contains(low, "entry") &&
		(strings.Contains(low, "stop") || strings.Contains(low, "sl")) &&
		(strings.Contains(low, "target") || strings.Contains(low, "tp"))
}

// Registry resolves parsers by their configured name.
type Registry struct {
	parsers         map[string]Parser
	defaultLeverage int
}

// NewRegistry builds the default registry. quoteAsset completes bare coin
// tickers (BTC -> BTCUSDT); defaultLeverage applies when neither the
// message nor the parser's own default supplies one.
func NewRegistry(quoteAsset string, defaultLeverage int) *Registry {
	r := &Registry{parsers: map[string]Parser{}, defaultLeverage: defaultLeverage}
	r.Register(NewHashtagParser(quoteAsset, 0))
	r.Register(NewDollarParser(quoteAsset, 0))
	return r
}

func (r *Registry) Register(p Parser) { r.parsers[p.Name()] = p }

func (r *Registry) Get(name string) (Parser, bool) {
	p, ok := r.parsers[name]
	if !ok {
		return nil, false
	}
	return leverageFallback{p, r.defaultLeverage}, true
}

// leverageFallback finishes the leverage chain: the message value, then the
// parser's own default, then the registry-wide default, then 1.
type leverageFallback struct {
	Parser
	global int
}

func (f leverageFallback) Parse(text string, src domain.SignalSource) (*domain.TradingSignal, error) {
	sig, err := f.Parser.Parse(text, src)
	if err != nil {
		return nil, err
	}
	if sig.Leverage <= 0 {
		sig.Leverage = f.global
	}
	if sig.Leverage <= 0 {
		sig.Leverage = 1
	}
	return sig, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers))
	for n := range r.parsers {
		names = append(names, n)
	}
	return names
}

// normalizeSymbol strips separators and completes a bare base asset with
// the quote asset: "btc/usdt" -> "BTCUSDT", "BTC" -> "BTCUSDT".
func normalizeSymbol(raw, quoteAsset string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	if s == "" {
		return ""
	}
	for _, q := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s
		}
	}
	return s + strings.ToUpper(quoteAsset)
}

// parsePrice parses one decimal, tolerating thousands separators.
func parsePrice(raw string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad number %q: %w", raw, err)
	}
	if d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive price %q", raw)
	}
	return d, nil
}

var rangeSep = regexp.MustCompile(`\s*[-–~]\s*`)

// parseEntry handles single prices and two-price ranges. Ranges collapse to
// their midpoint.
func parseEntry(raw string) (decimal.Decimal, error) {
	parts := rangeSep.Split(strings.TrimSpace(raw), -1)
	if len(parts) == 1 {
		return parsePrice(parts[0])
	}
	if len(parts) != 2 {
		return decimal.Zero, fmt.Errorf("entry range %q has %d bounds", raw, len(parts))
	}
	lo, err := parsePrice(parts[0])
	if err != nil {
		return decimal.Zero, err
	}
	hi, err := parsePrice(parts[1])
	if err != nil {
		return decimal.Zero, err
	}
	return lo.Add(hi).Div(decimal.NewFromInt(2)), nil
}

func parseTargets(raw string) ([]decimal.Decimal, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '/' || r == ' '
	})
	var out []decimal.Decimal
	for _, f := range fields {
		if f == "" || f == "-" {
			continue
		}
		p, err := parsePrice(f)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no targets in %q", raw)
	}
	return out, nil
}

func newSignal(src domain.SignalSource, raw string) *domain.TradingSignal {
	return &domain.TradingSignal{
		ID:        domain.NewSignalID(),
		Source:    src,
		RawText:   raw,
		CreatedAt: time.Now().UTC(),
	}
}
