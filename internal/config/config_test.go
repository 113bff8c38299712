package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const baseSettings = `{
  "exchange": {"name": "binance", "apiKey": "k", "apiSecret": "s"},
  "telegram": {"botToken": "t", "adminChatId": 42, "allowedUserIds": [42]},
  "channels": [{"id": -1001234567890, "name": "alpha", "parser": "hashtag"}],
  "trading": {"maxLeverage": 25, "duplicates": {"minTimeBetweenSignals": "10m"}},
  "sizing": {"mode": "RiskPercent", "riskPercent": 2.0}
}`

func writeSettings(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "appsettings.json", baseSettings)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Trading.MaxLeverage != 25 {
		t.Errorf("maxLeverage = %d, want 25", cfg.Trading.MaxLeverage)
	}
	if cfg.Trading.DefaultLeverage != 5 {
		t.Errorf("defaultLeverage default = %d, want 5", cfg.Trading.DefaultLeverage)
	}
	if cfg.Trading.Duplicates.MinTimeBetweenSignals != 10*time.Minute {
		t.Errorf("minTimeBetweenSignals = %v", cfg.Trading.Duplicates.MinTimeBetweenSignals)
	}
	if cfg.Cooldown.AfterStopLoss != 30*time.Minute {
		t.Errorf("cooldown.afterStopLoss default = %v", cfg.Cooldown.AfterStopLoss)
	}
	if cfg.Channels[0].ID != -1001234567890 {
		t.Errorf("channel id = %d", cfg.Channels[0].ID)
	}
}

func TestUserFileOverridesBase(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "appsettings.json", baseSettings)
	writeSettings(t, dir, "appsettings.user.json", `{"trading": {"maxLeverage": 10}}`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Trading.MaxLeverage != 10 {
		t.Errorf("maxLeverage = %d, want user override 10", cfg.Trading.MaxLeverage)
	}
}

func TestEnvOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "appsettings.json", baseSettings)
	t.Setenv("TRADING__MAXLEVERAGE", "15")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Trading.MaxLeverage != 15 {
		t.Errorf("maxLeverage = %d, want env override 15", cfg.Trading.MaxLeverage)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad exchange", `{
			"exchange": {"name": "kraken", "apiKey": "k", "apiSecret": "s"},
			"telegram": {"botToken": "t", "adminChatId": 1},
			"channels": [{"id": 1, "parser": "hashtag"}]}`},
		{"missing keys outside dry-run", `{
			"exchange": {"name": "binance"},
			"telegram": {"botToken": "t", "adminChatId": 1},
			"channels": [{"id": 1, "parser": "hashtag"}]}`},
		{"no channels", `{
			"exchange": {"name": "binance", "apiKey": "k", "apiSecret": "s"},
			"telegram": {"botToken": "t", "adminChatId": 1},
			"channels": []}`},
		{"channel without parser", `{
			"exchange": {"name": "binance", "apiKey": "k", "apiSecret": "s"},
			"telegram": {"botToken": "t", "adminChatId": 1},
			"channels": [{"id": 1}]}`},
		{"default leverage above max", `{
			"exchange": {"name": "binance", "apiKey": "k", "apiSecret": "s"},
			"telegram": {"botToken": "t", "adminChatId": 1},
			"channels": [{"id": 1, "parser": "hashtag"}],
			"trading": {"defaultLeverage": 30, "maxLeverage": 20}}`},
		{"close percents not summing to 100", `{
			"exchange": {"name": "binance", "apiKey": "k", "apiSecret": "s"},
			"telegram": {"botToken": "t", "adminChatId": 1},
			"channels": [{"id": 1, "parser": "hashtag"}],
			"trading": {"targetClosePercents": [50, 30]}}`},
		{"unknown deviation action", `{
			"exchange": {"name": "binance", "apiKey": "k", "apiSecret": "s"},
			"telegram": {"botToken": "t", "adminChatId": 1},
			"channels": [{"id": 1, "parser": "hashtag"}],
			"trading": {"deviationAction": "Chase"}}`},
		{"unsupported duplicate policy Add", `{
			"exchange": {"name": "binance", "apiKey": "k", "apiSecret": "s"},
			"telegram": {"botToken": "t", "adminChatId": 1},
			"channels": [{"id": 1, "parser": "hashtag"}],
			"trading": {"duplicates": {"sameDirection": "Add"}}}`},
		{"max position percent above 100", `{
			"exchange": {"name": "binance", "apiKey": "k", "apiSecret": "s"},
			"telegram": {"botToken": "t", "adminChatId": 1},
			"channels": [{"id": 1, "parser": "hashtag"}],
			"sizing": {"maxPositionPercent": 150}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSettings(t, dir, "appsettings.json", tc.body)
			if _, err := Load(dir); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestCloseDuplicatePolicyAccepted(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "appsettings.json", `{
		"exchange": {"name": "binance", "apiKey": "k", "apiSecret": "s"},
		"telegram": {"botToken": "t", "adminChatId": 1},
		"channels": [{"id": 1, "parser": "hashtag"}],
		"trading": {"duplicates": {"sameDirection": "Close", "oppositeDirection": "Close"}}}`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p, err := cfg.SameDirectionPolicy(); err != nil || p != "Close" {
		t.Errorf("same-direction policy = %q err=%v", p, err)
	}
	if p, err := cfg.OppositeDirectionPolicy(); err != nil || p != "Close" {
		t.Errorf("opposite-direction policy = %q err=%v", p, err)
	}
}

func TestDryRunAllowsMissingKeys(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "appsettings.json", `{
		"exchange": {"name": "binance"},
		"telegram": {"botToken": "t", "adminChatId": 1},
		"channels": [{"id": 1, "parser": "hashtag"}],
		"trading": {"dryRun": true}}`)
	if _, err := Load(dir); err != nil {
		t.Fatalf("load dry-run: %v", err)
	}
}
