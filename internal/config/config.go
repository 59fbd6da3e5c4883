// Package config loads service settings from defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the resolved service configuration.
type Config struct {
	Port           string
	DatabaseURL    string // PostgreSQL; empty selects BuntDB or memory
	RedisURL       string // read cache in front of PostgreSQL
	BuntPath       string // embedded store file; ":memory:" is allowed
	TelegramToken  string // empty disables the bot
	DexScreenerURL string
	QuoteTimeout   time.Duration
	InitialBalance decimal.Decimal
	CacheTTL       time.Duration
	LogLevel       slog.Level
}

var defaults = map[string]any{
	"port":            "8080",
	"database_url":    "",
	"redis_url":       "",
	"bunt_path":       "",
	"telegram_token":  "",
	"dexscreener_url": "https://api.dexscreener.com",
	"quote_timeout":   "10s",
	"initial_balance": "10",
	"cache_ttl":       "30s",
	"log_level":       "info",
}

// Load reads path (skipped when empty) and overlays environment variables
// named after the upper-cased keys, e.g. DATABASE_URL or QUOTE_TIMEOUT.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{
		Port:           v.GetString("port"),
		DatabaseURL:    v.GetString("database_url"),
		RedisURL:       v.GetString("redis_url"),
		BuntPath:       v.GetString("bunt_path"),
		TelegramToken:  v.GetString("telegram_token"),
		DexScreenerURL: v.GetString("dexscreener_url"),
		QuoteTimeout:   v.GetDuration("quote_timeout"),
		CacheTTL:       v.GetDuration("cache_ttl"),
	}

	balance, err := decimal.NewFromString(v.GetString("initial_balance"))
	if err != nil {
		return nil, fmt.Errorf("initial_balance: %w", err)
	}
	cfg.InitialBalance = balance

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if cfg.QuoteTimeout <= 0 {
		errs = append(errs, errors.New("quote_timeout must be positive"))
	}
	if !cfg.InitialBalance.IsPositive() {
		errs = append(errs, errors.New("initial_balance must be positive"))
	}
	if cfg.RedisURL != "" && cfg.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache_ttl must be positive when redis_url is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
