package config

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrInvalid is returned by Validate for out-of-range settings.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Indicators (comma or semicolon separated lengths)
	EMALengths string `envconfig:"EMA_1M_LENGTHS" default:"20"`
	EMASource  string `envconfig:"EMA_1M_SOURCE" default:"close"`
	ATRLengths string `envconfig:"ATR_1M_LENGTHS" default:"14"`

	// Paper strategies
	LookbackBars int     `envconfig:"LOOKBACK_BREAKOUT_BARS" default:"3"`
	ATRStopMult  float64 `envconfig:"ATR_STOP_MULT" default:"2"`
	TrailPct     float64 `envconfig:"TRAIL_PCT" default:"0.20"`
	Strategies   string  `envconfig:"PAPER_STRATEGIES" default:"early_momentum"`

	// Price watcher
	PollIntervalSec    float64 `envconfig:"PRICE_POLL_INTERVAL_SEC" default:"2"`
	BatchSize          int     `envconfig:"DEXSCREENER_BATCH_SIZE" default:"30"`
	MaxReqPerMin       int     `envconfig:"DEXSCREENER_MAX_REQ_PER_MIN" default:"300"`
	WatchRefreshSec    float64 `envconfig:"WATCH_REFRESH_SEC" default:"10"`
	DexScreenerURL     string  `envconfig:"DEXSCREENER_URL" default:"https://api.dexscreener.com"`
	RugCheckURL        string  `envconfig:"RUGCHECK_URL" default:"https://api.rugcheck.xyz"`
	MaxRiskScore       float64 `envconfig:"MAX_RISK_SCORE" default:"20"`
	TokenRetentionDays int     `envconfig:"TOKEN_RETENTION_DAYS" default:"7"`

	// New-pair feed
	SolanaStreamAPIKey string `envconfig:"SOLANASTREAM_API_KEY"`
	SolanaStreamURL    string `envconfig:"SOLANASTREAM_URL" default:"wss://api.solanastreaming.com/"`
	PairDEXes          string `envconfig:"PAIR_DEXES" default:"pumpswap,raydium"`

	// Infrastructure
	StoreDriver   string `envconfig:"STORE_DRIVER" default:"sqlite"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/memecoin_sniper.db"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	MetricsAddr   string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	// Alerts
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `envconfig:"TELEGRAM_CHAT_ID"`
	AlertWebhookURL  string `envconfig:"ALERT_WEBHOOK_URL"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the process cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.LookbackBars <= 0:
		return fmt.Errorf("LOOKBACK_BREAKOUT_BARS=%d: %w", c.LookbackBars, ErrInvalid)
	case c.ATRStopMult <= 0:
		return fmt.Errorf("ATR_STOP_MULT=%g: %w", c.ATRStopMult, ErrInvalid)
	case c.TrailPct <= 0 || c.TrailPct >= 1:
		return fmt.Errorf("TRAIL_PCT=%g: %w", c.TrailPct, ErrInvalid)
	case c.PollIntervalSec <= 0:
		return fmt.Errorf("PRICE_POLL_INTERVAL_SEC=%g: %w", c.PollIntervalSec, ErrInvalid)
	case c.BatchSize <= 0:
		return fmt.Errorf("DEXSCREENER_BATCH_SIZE=%d: %w", c.BatchSize, ErrInvalid)
	case c.MaxReqPerMin <= 0:
		return fmt.Errorf("DEXSCREENER_MAX_REQ_PER_MIN=%d: %w", c.MaxReqPerMin, ErrInvalid)
	case c.WatchRefreshSec <= 0:
		return fmt.Errorf("WATCH_REFRESH_SEC=%g: %w", c.WatchRefreshSec, ErrInvalid)
	case c.TokenRetentionDays <= 0:
		return fmt.Errorf("TOKEN_RETENTION_DAYS=%d: %w", c.TokenRetentionDays, ErrInvalid)
	}

	switch c.StoreDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("STORE_DRIVER=postgres requires POSTGRES_DSN: %w", ErrInvalid)
		}
	default:
		return fmt.Errorf("STORE_DRIVER=%q: %w", c.StoreDriver, ErrInvalid)
	}
	return nil
}

// EMALengthList parses EMA_1M_LENGTHS.
func (c *Config) EMALengthList() []int { return ParseLengths(c.EMALengths) }

// ATRLengthList parses ATR_1M_LENGTHS.
func (c *Config) ATRLengthList() []int { return ParseLengths(c.ATRLengths) }

// StrategyList splits PAPER_STRATEGIES on commas.
func (c *Config) StrategyList() []string { return splitList(c.Strategies) }

// DEXList returns the lower-cased allowed DEX ids for the new-pair feed.
func (c *Config) DEXList() []string {
	out := splitList(c.PairDEXes)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

func (c *Config) PollInterval() time.Duration { return seconds(c.PollIntervalSec) }

func (c *Config) WatchRefresh() time.Duration { return seconds(c.WatchRefreshSec) }

// Retention is how long a token may go unseen before it is pruned.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.TokenRetentionDays) * 24 * time.Hour
}

// ParseLengths parses a comma or semicolon separated list of positive
// integers. Invalid entries are logged and skipped.
func ParseLengths(s string) []int {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid length value: %q", p)
			continue
		}
		out = append(out, n)
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
