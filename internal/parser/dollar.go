package parser

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/web3guy0/signalbot/internal/domain"
)

// DollarParser handles the single-line "$SYMBOL" format used by several
// channels:
//
//	$BTC Long | Entry 64000-64500 | SL 62000 | TP 65000 66000 | Lev 10x
//
// Separators between sections are free-form; fields are located by keyword.
type DollarParser struct {
	quoteAsset      string
	defaultLeverage int
}

// NewDollarParser builds the parser. defaultLeverage applies when the
// message has no leverage section; 0 defers to the registry default.
func NewDollarParser(quoteAsset string, defaultLeverage int) *DollarParser {
	return &DollarParser{quoteAsset: quoteAsset, defaultLeverage: defaultLeverage}
}

func (p *DollarParser) Name() string { return "dollar" }

var (
	dollarHeader  = regexp.MustCompile(`(?i)\$([A-Za-z0-9/_-]+)\s+(long|short|buy|sell)\b`)
	dollarEntry   = regexp.MustCompile(`(?i)\bentry\s*[:=@]?\s*([\d.,]+(?:\s*[-–~]\s*[\d.,]+)?)`)
	dollarStop    = regexp.MustCompile(`(?i)\b(?:sl|stop(?:[\s-]*loss)?)\s*[:=@]?\s*([\d.,]+)`)
	dollarTargets = regexp.MustCompile(`(?i)\b(?:tps?|targets?)\s*[:=@]?\s*([\d.,]+(?:[\s,;/]+[\d.,]+)*)`)
	dollarLev     = regexp.MustCompile(`(?i)\blev(?:erage)?\s*[:=]?\s*x?\s*(\d+)\s*x?\b`)
)

func (p *DollarParser) Parse(text string, src domain.SignalSource) (*domain.TradingSignal, error) {
	if !LooksLikeSignal(text) {
		return nil, ErrNotASignal
	}
	head := dollarHeader.FindStringSubmatch(text)
	if head == nil {
		return nil, ErrUnrecognizedFormat
	}

	sig := newSignal(src, text)
	sig.Symbol = normalizeSymbol(head[1], p.quoteAsset)
	dir, err := domain.ParseDirection(head[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}
	sig.Direction = dir

	em := dollarEntry.FindStringSubmatch(text)
	if em == nil {
		return nil, fmt.Errorf("%w: missing entry", ErrUnrecognizedFormat)
	}
	if sig.EntryPrice, err = parseEntry(em[1]); err != nil {
		return nil, fmt.Errorf("%w: entry: %v", ErrUnrecognizedFormat, err)
	}

	if sm := dollarStop.FindStringSubmatch(text); sm != nil {
		if sig.StopLoss, err = parsePrice(sm[1]); err != nil {
			return nil, fmt.Errorf("%w: stop: %v", ErrUnrecognizedFormat, err)
		}
	}

	tm := dollarTargets.FindStringSubmatch(text)
	if tm == nil {
		return nil, fmt.Errorf("%w: missing targets", ErrUnrecognizedFormat)
	}
	if sig.Targets, err = parseTargets(tm[1]); err != nil {
		return nil, fmt.Errorf("%w: targets: %v", ErrUnrecognizedFormat, err)
	}

	if lm := dollarLev.FindStringSubmatch(text); lm != nil {
		sig.Leverage, _ = strconv.Atoi(lm[1])
	}
	if sig.Leverage <= 0 {
		sig.Leverage = p.defaultLeverage
	}
	return sig, nil
}
