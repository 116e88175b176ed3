// Package config loads realtime_trade.toml and the per-symbol info
// TOML files, and the .env secrets used by the alert senders.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the decoded shape of realtime_trade.toml.
type Config struct {
	Pyne     PyneConfig     `toml:"pyne"`
	Realtime RealtimeConfig `toml:"realtime"`
	Webhook  WebhookConfig  `toml:"webhook"`

	// path is kept so the webapi's read/mutate webhook-config handler
	// knows where to write this Config back to.
	path string
}

type PyneConfig struct {
	NoLogo bool `toml:"no_logo"`
}

type RealtimeConfig struct {
	Provider        string `toml:"provider"`
	Exchange        string `toml:"exchange"`
	Symbol          string `toml:"symbol"`
	Timeframe       string `toml:"timeframe"`
	ScriptName      string `toml:"script_name"`
	HistorySince    string `toml:"history_since"`
	DataServiceAddr string `toml:"data_service_addr"`
	Enabled         bool   `toml:"enabled"`
}

type WebhookConfig struct {
	Enabled              bool   `toml:"enabled"`
	TelegramNotification bool   `toml:"telegram_notification"`
	URL                  string `toml:"url"`
}

// Secrets holds the Telegram bot credentials, loaded from the process
// environment (optionally populated by a .env file via godotenv).
type Secrets struct {
	BotToken string
	ChatID   string
}

// Load reads and decodes path into a Config, validating the required
// [realtime] keys the way the original CLI surface does: any missing
// required key is a fatal startup error.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	c.path = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the [realtime] provider, exchange, symbol and
// timeframe keys are set. It does not check script_name or whether the
// script file exists.
func (c *Config) Validate() error {
	r := c.Realtime
	var missing []string
	if r.Provider == "" {
		missing = append(missing, "provider")
	}
	if r.Exchange == "" {
		missing = append(missing, "exchange")
	}
	if r.Symbol == "" {
		missing = append(missing, "symbol")
	}
	if r.Timeframe == "" {
		missing = append(missing, "timeframe")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required [realtime] keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Save writes c back to the TOML file it was loaded from, used by the
// webhook-config API endpoint to persist mutations.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config: Save called on a Config not loaded from a file")
	}
	f, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", c.path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode %s: %w", c.path, err)
	}
	return nil
}

// LoadSecrets reads BOT_TOKEN / CHAT_ID from the environment, loading
// a .env file first via godotenv if present (a missing .env is not an
// error: the variables may already be set in the process environment).
func LoadSecrets(envPath string) Secrets {
	_ = godotenv.Load(envPath)
	return Secrets{
		BotToken: os.Getenv("BOT_TOKEN"),
		ChatID:   os.Getenv("CHAT_ID"),
	}
}

// SymbolInfo is the decoded per-symbol `.toml` file sitting beside the
// canonical bar file, regenerated from the provider whenever missing.
type SymbolInfo struct {
	Provider    string  `toml:"provider"`
	Exchange    string  `toml:"exchange"`
	Symbol      string  `toml:"symbol"`
	Timeframe   string  `toml:"timeframe"`
	PriceScale  int     `toml:"price_scale"`
	MinMove     float64 `toml:"min_move"`
	MinQty      float64 `toml:"min_qty"`
}

// LoadSymbolInfo reads a symbol info TOML file.
func LoadSymbolInfo(path string) (*SymbolInfo, error) {
	var si SymbolInfo
	if _, err := toml.DecodeFile(path, &si); err != nil {
		return nil, fmt.Errorf("config: decode symbol info %s: %w", path, err)
	}
	return &si, nil
}

// SaveSymbolInfo writes si to path.
func SaveSymbolInfo(path string, si *SymbolInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(si); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}

// ResolveHistorySince resolves the `history_since` string to an
// absolute UTC timestamp. An empty string, or a value that parses to a
// date in the future, falls through to the default window: two months
// before now, or one month at the 1-minute timeframe (open question
// (iii): resolved by falling through to the default window, matching
// the original implementation).
func ResolveHistorySince(historySince string, oneMinute bool, now time.Time) time.Time {
	def := now.AddDate(0, -2, 0)
	if oneMinute {
		def = now.AddDate(0, -1, 0)
	}
	if historySince == "" {
		return def
	}
	if t, err := time.ParseInLocation("2006-01-02", historySince, time.UTC); err == nil {
		if t.After(now) {
			return def
		}
		return t
	}
	if days, err := strconv.Atoi(historySince); err == nil {
		t := now.AddDate(0, 0, -days)
		if t.After(now) {
			return def
		}
		return t
	}
	return def
}

// CanonicalFileStem builds the stem shared by the canonical bar file
// and its symbol-info TOML: {provider}_{EXCHANGE}_{SYMBOL}_{tf}, with
// the exchange uppercased and slashes/colons in the symbol replaced by
// underscores.
func CanonicalFileStem(provider, exchange, symbol, tfKey string) string {
	sym := strings.NewReplacer("/", "_", ":", "_").Replace(symbol)
	return fmt.Sprintf("%s_%s_%s_%s", provider, strings.ToUpper(exchange), sym, tfKey)
}

// CanonicalFilePath joins dataDir with the canonical .ohlcv file name.
func CanonicalFilePath(dataDir, stem string) string {
	return filepath.Join(dataDir, stem+".ohlcv")
}

// SymbolInfoPath joins dataDir with the symbol info .toml file name.
func SymbolInfoPath(dataDir, stem string) string {
	return filepath.Join(dataDir, stem+".toml")
}

// PlotCSVPath joins outputDir with the plot CSV file name derived from
// the script's file stem.
func PlotCSVPath(outputDir, scriptStem string) string {
	return filepath.Join(outputDir, scriptStem+".csv")
}

// ScriptHashPath returns the .script_hash.csv path beside scriptPath.
func ScriptHashPath(scriptPath string) string {
	return filepath.Join(filepath.Dir(scriptPath), ".script_hash.csv")
}
