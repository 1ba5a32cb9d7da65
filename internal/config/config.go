package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/types"
)

// Config holds all configuration for the bot. Stakes and limits are in
// minor currency units.
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Venue API
	VenueAPIURL   string
	VenueWSURL    string
	VenueToken    string
	VenueDeviceID string

	// Trading
	Asset       string
	AccountType types.AccountKind
	DryRun      bool
	Debug       bool

	// Martingale defaults
	BaseStake       decimal.Decimal
	MaxSteps        int
	MultiplierKind  types.MultiplierKind
	MultiplierValue decimal.Decimal

	// Risk limits
	MaxStake        decimal.Decimal
	MaxTotalRisk    decimal.Decimal
	BreakerLosses   int
	BreakerDailyMax decimal.Decimal
	BreakerCooldown time.Duration

	// Reconciliation
	ResultTimeout time.Duration

	// Metrics
	MetricsAddr string

	// Database
	DatabaseDSN string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Venue API
		VenueAPIURL:   getEnv("VENUE_API_URL", "https://api.venue.example"),
		VenueWSURL:    getEnv("VENUE_WS_URL", "wss://ws.venue.example/echo"),
		VenueToken:    os.Getenv("VENUE_TOKEN"),
		VenueDeviceID: os.Getenv("VENUE_DEVICE_ID"),

		// Trading
		Asset:       getEnv("TRADING_ASSET", "EURUSD"),
		AccountType: types.AccountDemo,
		DryRun:      getEnvBool("DRY_RUN", true),
		Debug:       getEnvBool("DEBUG", false),

		// Martingale defaults
		BaseStake:       getEnvDecimal("BASE_STAKE", decimal.NewFromInt(1_400_000)),
		MaxSteps:        getEnvInt("MAX_STEPS", 3),
		MultiplierKind:  types.MultiplierFixed,
		MultiplierValue: getEnvDecimal("MULTIPLIER_VALUE", decimal.NewFromInt(2)),

		// Risk limits
		MaxStake:        getEnvDecimal("MAX_STAKE", decimal.NewFromInt(500_000_000)),
		MaxTotalRisk:    getEnvDecimal("MAX_TOTAL_RISK", decimal.NewFromInt(2_000_000_000)),
		BreakerLosses:   getEnvInt("BREAKER_MAX_LOSSES", 3),
		BreakerDailyMax: getEnvDecimal("BREAKER_MAX_DAILY_LOSS", decimal.NewFromInt(50_000_000)),
		BreakerCooldown: getEnvDuration("BREAKER_COOLDOWN", 30*time.Minute),

		// Reconciliation
		ResultTimeout: getEnvDuration("RESULT_TIMEOUT", 90*time.Second),

		// Metrics
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		// Database
		DatabaseDSN: getEnv("DATABASE_DSN", "data/betbot.db"),
	}

	if getEnv("ACCOUNT_TYPE", "demo") == "real" {
		cfg.AccountType = types.AccountReal
	}
	if getEnv("MULTIPLIER_KIND", "FIXED") == "PERCENTAGE" {
		cfg.MultiplierKind = types.MultiplierPercent
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Validate required fields
	if !cfg.DryRun && cfg.VenueToken == "" {
		return nil, fmt.Errorf("VENUE_TOKEN is required outside dry-run mode")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
