package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
)

// Config holds every runtime setting. Keys map 1:1 to environment variables.
type Config struct {
	TelegramBotToken  string `mapstructure:"telegram_bot_token"`
	AnnounceChannelID int64  `mapstructure:"announce_channel_id"`
	DiscussionChatID  int64  `mapstructure:"discussion_chat_id"`

	PollInterval          time.Duration `mapstructure:"poll_interval"`
	FirstPollDelay        time.Duration `mapstructure:"first_poll_delay"`
	Workers               int           `mapstructure:"workers"`
	UnitTimeout           time.Duration `mapstructure:"unit_timeout"`
	UnavailableAlertAfter int           `mapstructure:"unavailable_alert_after"`

	PriceSources      string        `mapstructure:"price_sources"`
	PriceMaxStaleness time.Duration `mapstructure:"price_max_staleness"`
	CoinGeckoBaseURL  string        `mapstructure:"coingecko_base_url"`
	AlpacaKeyID       string        `mapstructure:"apca_api_key_id"`
	AlpacaSecretKey   string        `mapstructure:"apca_api_secret_key"`

	DefaultQuote string `mapstructure:"default_quote"`
	EntryRule    string `mapstructure:"entry_rule"`

	StoreDriver string `mapstructure:"store_driver"`
	StateFile   string `mapstructure:"state_file"`
	SQLitePath  string `mapstructure:"sqlite_path"`

	Port        int           `mapstructure:"port"`
	EmitQueue   int           `mapstructure:"emit_queue"`
	EmitTimeout time.Duration `mapstructure:"emit_timeout"`

	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	MaxLogSizeMB  int    `mapstructure:"max_log_size_mb"`
	MaxLogBackups int    `mapstructure:"max_log_backups"`

	Version string `mapstructure:"-"`
}

var defaults = map[string]any{
	"telegram_bot_token":      "",
	"announce_channel_id":     0,
	"discussion_chat_id":      0,
	"poll_interval":           "60s",
	"first_poll_delay":        "10s",
	"workers":                 8,
	"unit_timeout":            "15s",
	"unavailable_alert_after": 5,
	"price_sources":           "binance,coingecko",
	"price_max_staleness":     "30s",
	"coingecko_base_url":      "https://api.coingecko.com/api/v3",
	"apca_api_key_id":         "",
	"apca_api_secret_key":     "",
	"default_quote":           "USDT",
	"entry_rule":              "reach",
	"store_driver":            "json",
	"state_file":              "trades.json",
	"sqlite_path":             "trades.db",
	"port":                    10000,
	"emit_queue":              256,
	"emit_timeout":            "5s",
	"log_level":               "info",
	"log_file":                "watcher.log",
	"max_log_size_mb":         10,
	"max_log_backups":         3,
}

// secretKeys are masked when the configuration is printed.
var secretKeys = map[string]bool{
	"telegram_bot_token":  true,
	"apca_api_key_id":     true,
	"apca_api_secret_key": true,
}

// Load reads envFile (when present) into the process environment, then
// resolves every key from the environment with its default.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Warn().Str("file", envFile).Msg("No .env file found, using system environment variables")
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperr.WrapFatal("decode configuration", err)
	}
	cfg.DefaultQuote = strings.ToUpper(strings.TrimSpace(cfg.DefaultQuote))
	cfg.EntryRule = strings.ToLower(strings.TrimSpace(cfg.EntryRule))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return apperr.Fatalf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	case c.FirstPollDelay < 0:
		return apperr.Fatalf("FIRST_POLL_DELAY must not be negative, got %s", c.FirstPollDelay)
	case c.Workers <= 0:
		return apperr.Fatalf("WORKERS must be positive, got %d", c.Workers)
	case c.UnitTimeout <= 0:
		return apperr.Fatalf("UNIT_TIMEOUT must be positive, got %s", c.UnitTimeout)
	case c.UnavailableAlertAfter <= 0:
		return apperr.Fatalf("UNAVAILABLE_ALERT_AFTER must be positive, got %d", c.UnavailableAlertAfter)
	case c.PriceMaxStaleness <= 0:
		return apperr.Fatalf("PRICE_MAX_STALENESS must be positive, got %s", c.PriceMaxStaleness)
	case c.EntryRule != "reach" && c.EntryRule != "limit":
		return apperr.Fatalf("ENTRY_RULE must be reach or limit, got %q", c.EntryRule)
	case c.StoreDriver != "json" && c.StoreDriver != "sqlite":
		return apperr.Fatalf("STORE_DRIVER must be json or sqlite, got %q", c.StoreDriver)
	case c.DefaultQuote == "":
		return apperr.Fatalf("DEFAULT_QUOTE is empty")
	case c.Port <= 0 || c.Port > 65535:
		return apperr.Fatalf("PORT out of range: %d", c.Port)
	case c.EmitQueue <= 0:
		return apperr.Fatalf("EMIT_QUEUE must be positive, got %d", c.EmitQueue)
	case c.EmitTimeout <= 0:
		return apperr.Fatalf("EMIT_TIMEOUT must be positive, got %s", c.EmitTimeout)
	}

	known := map[string]bool{"binance": true, "alpaca": true, "coingecko": true}
	sources := c.Sources()
	if len(sources) == 0 {
		return apperr.Fatalf("PRICE_SOURCES is empty")
	}
	for _, s := range sources {
		if !known[s] {
			return apperr.Fatalf("PRICE_SOURCES: unknown source %q", s)
		}
		if s == "alpaca" && (c.AlpacaKeyID == "" || c.AlpacaSecretKey == "") {
			return apperr.Fatalf("PRICE_SOURCES includes alpaca but APCA_API_KEY_ID or APCA_API_SECRET_KEY is missing")
		}
	}
	return nil
}

// ValidateBot additionally requires the Telegram settings used by "run".
func (c *Config) ValidateBot() error {
	var missing []string
	if c.TelegramBotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.AnnounceChannelID == 0 {
		missing = append(missing, "ANNOUNCE_CHANNEL_ID")
	}
	if c.DiscussionChatID == 0 {
		missing = append(missing, "DISCUSSION_CHAT_ID")
	}
	if len(missing) > 0 {
		return apperr.Fatalf("missing required environment variables: %v", missing)
	}
	return nil
}

// Sources returns PRICE_SOURCES in order, lowercased and without blanks.
func (c *Config) Sources() []string {
	var out []string
	for _, s := range strings.Split(c.PriceSources, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Print logs the resolved configuration with secrets masked.
func (c *Config) Print() {
	values := c.values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	log.Info().Msg("--- Configuration ---")
	for _, k := range keys {
		val := values[k]
		if secretKeys[k] {
			val = Mask(val)
		}
		log.Info().Msgf("%s=%s", strings.ToUpper(k), val)
	}
	log.Info().Msg("---------------------")
}

// Mask hides all but the last 4 characters of a secret.
func Mask(val string) string {
	if val == "" {
		return ""
	}
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}

func (c *Config) values() map[string]string {
	return map[string]string{
		"telegram_bot_token":      c.TelegramBotToken,
		"announce_channel_id":     fmt.Sprint(c.AnnounceChannelID),
		"discussion_chat_id":      fmt.Sprint(c.DiscussionChatID),
		"poll_interval":           c.PollInterval.String(),
		"first_poll_delay":        c.FirstPollDelay.String(),
		"workers":                 fmt.Sprint(c.Workers),
		"unit_timeout":            c.UnitTimeout.String(),
		"unavailable_alert_after": fmt.Sprint(c.UnavailableAlertAfter),
		"price_sources":           c.PriceSources,
		"price_max_staleness":     c.PriceMaxStaleness.String(),
		"coingecko_base_url":      c.CoinGeckoBaseURL,
		"apca_api_key_id":         c.AlpacaKeyID,
		"apca_api_secret_key":     c.AlpacaSecretKey,
		"default_quote":           c.DefaultQuote,
		"entry_rule":              c.EntryRule,
		"store_driver":            c.StoreDriver,
		"state_file":              c.StateFile,
		"sqlite_path":             c.SQLitePath,
		"port":                    fmt.Sprint(c.Port),
		"emit_queue":              fmt.Sprint(c.EmitQueue),
		"emit_timeout":            c.EmitTimeout.String(),
		"log_level":               c.LogLevel,
		"log_file":                c.LogFile,
		"max_log_size_mb":         fmt.Sprint(c.MaxLogSizeMB),
		"max_log_backups":         fmt.Sprint(c.MaxLogBackups),
	}
}

// ReadVersion returns the trimmed content of path, or "v0.0.0-dev".
func ReadVersion(path string) string {
	version, err := os.ReadFile(path)
	if err != nil {
		return "v0.0.0-dev"
	}
	if v := strings.TrimSpace(string(version)); v != "" {
		return v
	}
	return "v0.0.0-dev"
}
