package parser

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/web3guy0/signalbot/internal/domain"
)

// HashtagParser handles the multi-line "#SYMBOL DIRECTION" format:
//
//	#BTC/USDT LONG
//	Entry: 64000 - 64500
//	SL: 62000
//	Targets: 65000, 66000, 67000
//	Leverage: 10x
type HashtagParser struct {
	quoteAsset      string
	defaultLeverage int
}

// NewHashtagParser builds the parser. defaultLeverage applies when the
// message has no leverage line; 0 defers to the registry default.
func NewHashtagParser(quoteAsset string, defaultLeverage int) *HashtagParser {
	return &HashtagParser{quoteAsset: quoteAsset, defaultLeverage: defaultLeverage}
}

func (p *HashtagParser) Name() string { return "hashtag" }

var (
	hashtagHeader   = regexp.MustCompile(`(?im)^\s*#([A-Za-z0-9/_-]+)\s+(long|short|buy|sell)\b`)
	hashtagEntry    = regexp.MustCompile(`(?im)^\s*entry(?:\s*(?:zone|price))?\s*[:=]?\s*([\d.,]+(?:\s*[-–~]\s*[\d.,]+)?)`)
	hashtagStop     = regexp.MustCompile(`(?im)^\s*(?:sl|stop(?:[\s-]*loss)?)\s*[:=]?\s*([\d.,]+)`)
	hashtagTargets  = regexp.MustCompile(`(?im)^\s*(?:targets?|tps?|take[\s-]*profits?)\s*[:=]?\s*([\d.,\s/;–~-]+)$`)
	hashtagLeverage = regexp.MustCompile(`(?im)\blev(?:erage)?\s*[:=]?\s*x?\s*(\d+)\s*x?\b`)
)

func (p *HashtagParser) Parse(text string, src domain.SignalSource) (*domain.TradingSignal, error) {
	if !LooksLikeSignal(text) {
		return nil, ErrNotASignal
	}
	head := hashtagHeader.FindStringSubmatch(text)
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

	em := hashtagEntry.FindStringSubmatch(text)
	if em == nil {
		return nil, fmt.Errorf("%w: missing entry", ErrUnrecognizedFormat)
	}
	if sig.EntryPrice, err = parseEntry(em[1]); err != nil {
		return nil, fmt.Errorf("%w: entry: %v", ErrUnrecognizedFormat, err)
	}

	if sm := hashtagStop.FindStringSubmatch(text); sm != nil {
		if sig.StopLoss, err = parsePrice(sm[1]); err != nil {
			return nil, fmt.Errorf("%w: stop: %v", ErrUnrecognizedFormat, err)
		}
	}

	tm := hashtagTargets.FindStringSubmatch(text)
	if tm == nil {
		return nil, fmt.Errorf("%w: missing targets", ErrUnrecognizedFormat)
	}
	if sig.Targets, err = parseTargets(tm[1]); err != nil {
		return nil, fmt.Errorf("%w: targets: %v", ErrUnrecognizedFormat, err)
	}

	if lm := hashtagLeverage.FindStringSubmatch(text); lm != nil {
		sig.Leverage, _ = strconv.Atoi(lm[1])
	}
	if sig.Leverage <= 0 {
		sig.Leverage = p.defaultLeverage
	}
	return sig, nil
}
