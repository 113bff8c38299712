// Package config loads and validates the bot configuration. Settings are
// layered: appsettings.json, then appsettings.user.json when present, then
// environment variables with "__" as the nesting separator
// (e.g. TRADING__MAXLEVERAGE=20 overrides trading.maxLeverage).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/web3guy0/signalbot/internal/domain"
)

type ExchangeConfig struct {
	Name       string `mapstructure:"name"` // binance | bybit | bitget
	APIKey     string `mapstructure:"apiKey"`
	APISecret  string `mapstructure:"apiSecret"`
	Passphrase string `mapstructure:"passphrase"` // bitget only
	Testnet    bool   `mapstructure:"testnet"`
	QuoteAsset string `mapstructure:"quoteAsset"`
}

type TelegramConfig struct {
	BotToken       string  `mapstructure:"botToken"`
	AdminChatID    int64   `mapstructure:"adminChatId"`
	AllowedUserIDs []int64 `mapstructure:"allowedUserIds"`
}

type ChannelConfig struct {
	ID     int64  `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Parser string `mapstructure:"parser"`
}

type SizingConfig struct {
	Mode            string  `mapstructure:"mode"` // FixedAmount | RiskPercent | FixedMargin
	FixedAmount     float64 `mapstructure:"fixedAmount"`
	RiskPercent     float64 `mapstructure:"riskPercent"`
	FixedMargin     float64 `mapstructure:"fixedMargin"`
	MinPositionSize float64 `mapstructure:"minPositionSize"`
	MaxPositionSize float64 `mapstructure:"maxPositionSize"`
	// MaxPositionPercent caps the notional at this share of account equity;
	// 0 disables the cap. The effective cap is the smaller of this and
	// maxPositionSize.
	MaxPositionPercent float64 `mapstructure:"maxPositionPercent"`
}

type DuplicateConfig struct {
	SameDirection         string        `mapstructure:"sameDirection"`     // Ignore | Close
	OppositeDirection     string        `mapstructure:"oppositeDirection"` // Ignore | Close | Flip
	MinTimeBetweenSignals time.Duration `mapstructure:"minTimeBetweenSignals"`
}

type TradingConfig struct {
	DefaultLeverage            int             `mapstructure:"defaultLeverage"`
	MaxLeverage                int             `mapstructure:"maxLeverage"`
	MarginType                 string          `mapstructure:"marginType"`   // Isolated | Cross
	StopLossMode               string          `mapstructure:"stopLossMode"` // FromSignal | Calculate
	StopLossPercent            float64         `mapstructure:"stopLossPercent"`
	SafeLiquidationDistancePct float64         `mapstructure:"safeLiquidationDistancePct"`
	MaxPriceDeviationPercent   float64         `mapstructure:"maxPriceDeviationPercent"`
	DeviationAction            string          `mapstructure:"deviationAction"` // Skip | EnterAtMarket | EnterAndAdjustTargets
	MoveStopToBreakeven        bool            `mapstructure:"moveStopToBreakeven"`
	TargetClosePercents        []float64       `mapstructure:"targetClosePercents"`
	MaxTargets                 int             `mapstructure:"maxTargets"`
	Duplicates                 DuplicateConfig `mapstructure:"duplicates"`
	DryRun                     bool            `mapstructure:"dryRun"`
}

type CooldownConfig struct {
	AfterStopLoss                 time.Duration `mapstructure:"afterStopLoss"`
	AfterLiquidation              time.Duration `mapstructure:"afterLiquidation"`
	LongCooldown                  time.Duration `mapstructure:"longCooldown"`
	LossesForLongCooldown         int           `mapstructure:"lossesForLongCooldown"`
	WinsToResetLossCounter        int           `mapstructure:"winsToResetLossCounter"`
	ReduceSizeAfterLosses         bool          `mapstructure:"reduceSizeAfterLosses"`
	SizeMultiplierAfterOneLoss    float64       `mapstructure:"sizeMultiplierAfterOneLoss"`
	SizeMultiplierAfterTwoLosses  float64       `mapstructure:"sizeMultiplierAfterTwoLosses"`
	SizeMultiplierAfterMoreLosses float64       `mapstructure:"sizeMultiplierAfterMoreLosses"`
}

type PersistenceConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"` // sqlite path or postgres:// URL
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Config struct {
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Channels    []ChannelConfig   `mapstructure:"channels"`
	Trading     TradingConfig     `mapstructure:"trading"`
	Sizing      SizingConfig      `mapstructure:"sizing"`
	Cooldown    CooldownConfig    `mapstructure:"cooldown"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// Load reads the layered configuration rooted at dir.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")

	v.SetConfigFile(filepath.Join(dir, "appsettings.json"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read appsettings.json: %w", err)
	}
	userFile := filepath.Join(dir, "appsettings.user.json")
	if _, err := os.Stat(userFile); err == nil {
		v.SetConfigFile(userFile)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merge appsettings.user.json: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.quoteAsset", "USDT")
	v.SetDefault("trading.defaultLeverage", 5)
	v.SetDefault("trading.maxLeverage", 20)
	v.SetDefault("trading.marginType", "Isolated")
	v.SetDefault("trading.stopLossMode", "FromSignal")
	v.SetDefault("trading.stopLossPercent", 2.0)
	v.SetDefault("trading.safeLiquidationDistancePct", 5.0)
	v.SetDefault("trading.maxPriceDeviationPercent", 1.0)
	v.SetDefault("trading.deviationAction", "Skip")
	v.SetDefault("trading.moveStopToBreakeven", true)
	v.SetDefault("trading.maxTargets", 6)
	v.SetDefault("trading.duplicates.sameDirection", "Ignore")
	v.SetDefault("trading.duplicates.oppositeDirection", "Ignore")
	v.SetDefault("trading.duplicates.minTimeBetweenSignals", "5m")
	v.SetDefault("sizing.mode", "RiskPercent")
	v.SetDefault("sizing.riskPercent", 1.0)
	v.SetDefault("sizing.minPositionSize", 10.0)
	v.SetDefault("sizing.maxPositionSize", 0.0)
	v.SetDefault("sizing.maxPositionPercent", 0.0)
	v.SetDefault("cooldown.afterStopLoss", "30m")
	v.SetDefault("cooldown.afterLiquidation", "4h")
	v.SetDefault("cooldown.longCooldown", "12h")
	v.SetDefault("cooldown.lossesForLongCooldown", 3)
	v.SetDefault("cooldown.winsToResetLossCounter", 2)
	v.SetDefault("cooldown.reduceSizeAfterLosses", true)
	v.SetDefault("cooldown.sizeMultiplierAfterOneLoss", 0.75)
	v.SetDefault("cooldown.sizeMultiplierAfterTwoLosses", 0.5)
	v.SetDefault("cooldown.sizeMultiplierAfterMoreLosses", 0.25)
	v.SetDefault("persistence.dataDir", "data")
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.dsn", "data/journal.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", true)
}

// Validate rejects configurations the bot must not boot with.
func (c *Config) Validate() error {
	switch c.Exchange.Name {
	case "binance", "bybit", "bitget":
	default:
		return fmt.Errorf("exchange.name: unsupported exchange %q", c.Exchange.Name)
	}
	if !c.Trading.DryRun {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange: apiKey and apiSecret are required outside dry-run")
		}
		if c.Exchange.Name == "bitget" && c.Exchange.Passphrase == "" {
			return fmt.Errorf("exchange: bitget requires a passphrase")
		}
	}
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.botToken is required")
	}
	if c.Telegram.AdminChatID == 0 {
		return fmt.Errorf("telegram.adminChatId is required")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("channels: at least one signal channel is required")
	}
	for i, ch := range c.Channels {
		if ch.ID == 0 && ch.Name == "" {
			return fmt.Errorf("channels[%d]: id or name is required", i)
		}
		if ch.Parser == "" {
			return fmt.Errorf("channels[%d]: parser is required", i)
		}
	}
	if c.Trading.DefaultLeverage < 1 || c.Trading.MaxLeverage < 1 {
		return fmt.Errorf("trading: leverage values must be >= 1")
	}
	if c.Trading.DefaultLeverage > c.Trading.MaxLeverage {
		return fmt.Errorf("trading: defaultLeverage %d exceeds maxLeverage %d",
			c.Trading.DefaultLeverage, c.Trading.MaxLeverage)
	}
	if _, err := c.MarginType(); err != nil {
		return err
	}
	slMode, err := c.StopLossMode()
	if err != nil {
		return err
	}
	if slMode == domain.StopCalculated && c.Trading.StopLossPercent <= 0 {
		return fmt.Errorf("trading.stopLossPercent must be positive in Calculate mode")
	}
	if _, err := c.DeviationAction(); err != nil {
		return err
	}
	if _, err := c.SameDirectionPolicy(); err != nil {
		return err
	}
	if _, err := c.OppositeDirectionPolicy(); err != nil {
		return err
	}
	if c.Trading.MaxPriceDeviationPercent < 0 {
		return fmt.Errorf("trading.maxPriceDeviationPercent must not be negative")
	}
	sum := 0.0
	for _, p := range c.Trading.TargetClosePercents {
		if p <= 0 {
			return fmt.Errorf("trading.targetClosePercents: entries must be positive")
		}
		sum += p
	}
	if len(c.Trading.TargetClosePercents) > 0 && (sum < 99.99 || sum > 100.01) {
		return fmt.Errorf("trading.targetClosePercents must sum to 100, got %.2f", sum)
	}
	mode, err := c.SizingMode()
	if err != nil {
		return err
	}
	switch mode {
	case domain.SizeFixedAmount:
		if c.Sizing.FixedAmount <= 0 {
			return fmt.Errorf("sizing.fixedAmount must be positive")
		}
	case domain.SizeRiskPercent:
		if c.Sizing.RiskPercent <= 0 || c.Sizing.RiskPercent > 100 {
			return fmt.Errorf("sizing.riskPercent must be in (0,100]")
		}
	case domain.SizeFixedMargin:
		if c.Sizing.FixedMargin <= 0 {
			return fmt.Errorf("sizing.fixedMargin must be positive")
		}
	}
	if c.Sizing.MaxPositionPercent < 0 || c.Sizing.MaxPositionPercent > 100 {
		return fmt.Errorf("sizing.maxPositionPercent must be in [0,100]")
	}
	return nil
}

func (c *Config) MarginType() (domain.MarginType, error) {
	switch domain.MarginType(c.Trading.MarginType) {
	case domain.MarginIsolated, domain.MarginCross:
		return domain.MarginType(c.Trading.MarginType), nil
	}
	return "", fmt.Errorf("trading.marginType: unknown value %q", c.Trading.MarginType)
}

func (c *Config) StopLossMode() (domain.StopLossMode, error) {
	switch domain.StopLossMode(c.Trading.StopLossMode) {
	case domain.StopFromSignal, domain.StopCalculated:
		return domain.StopLossMode(c.Trading.StopLossMode), nil
	}
	return "", fmt.Errorf("trading.stopLossMode: unknown value %q", c.Trading.StopLossMode)
}

func (c *Config) DeviationAction() (domain.DeviationAction, error) {
	switch domain.DeviationAction(c.Trading.DeviationAction) {
	case domain.DeviationSkip, domain.DeviationEnterAtMarket, domain.DeviationAdjustTargets:
		return domain.DeviationAction(c.Trading.DeviationAction), nil
	}
	return "", fmt.Errorf("trading.deviationAction: unknown value %q", c.Trading.DeviationAction)
}

func (c *Config) SizingMode() (domain.SizingMode, error) {
	switch domain.SizingMode(c.Sizing.Mode) {
	case domain.SizeFixedAmount, domain.SizeRiskPercent, domain.SizeFixedMargin:
		return domain.SizingMode(c.Sizing.Mode), nil
	}
	return "", fmt.Errorf("sizing.mode: unknown value %q", c.Sizing.Mode)
}

func (c *Config) SameDirectionPolicy() (domain.DuplicatePolicy, error) {
	switch p := domain.DuplicatePolicy(c.Trading.Duplicates.SameDirection); p {
	case domain.DuplicateIgnore, domain.DuplicateClose:
		return p, nil
	case "Add", "Increase":
		return "", fmt.Errorf("trading.duplicates.sameDirection: policy %q is not supported, use Ignore or Close", p)
	}
	return "", fmt.Errorf("trading.duplicates.sameDirection: unknown value %q", c.Trading.Duplicates.SameDirection)
}

func (c *Config) OppositeDirectionPolicy() (domain.DuplicatePolicy, error) {
	switch domain.DuplicatePolicy(c.Trading.Duplicates.OppositeDirection) {
	case domain.DuplicateIgnore, domain.DuplicateClose, domain.DuplicateFlip:
		return domain.DuplicatePolicy(c.Trading.Duplicates.OppositeDirection), nil
	}
	return "", fmt.Errorf("trading.duplicates.oppositeDirection: unknown value %q", c.Trading.Duplicates.OppositeDirection)
}

// TargetClosePercentsDecimal returns the configured split, or nil when the
// equal-split default should apply.
func (c *Config) TargetClosePercentsDecimal() []decimal.Decimal {
	if len(c.Trading.TargetClosePercents) == 0 {
		return nil
	}
	out := make([]decimal.Decimal, len(c.Trading.TargetClosePercents))
	for i, p := range c.Trading.TargetClosePercents {
		out[i] = decimal.NewFromFloat(p)
	}
	return out
}
