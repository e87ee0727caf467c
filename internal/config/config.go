// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	LogLevel     string
	HTTPAddr     string

	// TelegramBotToken enables the admin bot when set.
	TelegramBotToken   string
	AllowedUsers       []int64
	TelegramNotifyChat int64

	KeepaAPIKey            string
	KeepaBaseURL           string
	KeepaRequestsPerMinute int

	TaxRate      float64
	FixedFee     float64
	TickInterval time.Duration
	QueueBatch   int

	// DriverURL is the browser agent endpoint. Acquisition is disabled when empty.
	DriverURL          string
	AcquireInterval    time.Duration
	AcquireConcurrency int
}

var envKeys = map[string]string{
	"database_path":             "DATABASE_PATH",
	"log_level":                 "LOG_LEVEL",
	"http_addr":                 "HTTP_ADDR",
	"telegram_bot_token":        "TELEGRAM_BOT_TOKEN",
	"allowed_users":             "ALLOWED_USERS",
	"telegram_notify_chat":      "TELEGRAM_NOTIFY_CHAT",
	"keepa_api_key":             "KEEPA_API_KEY",
	"keepa_base_url":            "KEEPA_BASE_URL",
	"keepa_requests_per_minute": "KEEPA_REQUESTS_PER_MINUTE",
	"tax_rate":                  "TAX_RATE",
	"fixed_fee":                 "FIXED_FEE",
	"tick_interval":             "TICK_INTERVAL",
	"queue_batch":               "QUEUE_BATCH",
	"driver_url":                "DRIVER_URL",
	"acquire_interval":          "ACQUIRE_INTERVAL",
	"acquire_concurrency":       "ACQUIRE_CONCURRENCY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "./data/carminepf.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("keepa_base_url", "https://api.keepa.com")
	v.SetDefault("keepa_requests_per_minute", 20)
	v.SetDefault("tax_rate", 0.10)
	v.SetDefault("fixed_fee", 450.0)
	v.SetDefault("tick_interval", "1m")
	v.SetDefault("queue_batch", 3)
	v.SetDefault("acquire_interval", "30s")
	v.SetDefault("acquire_concurrency", 1)
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	setDefaults(v)

	allowed, err := parseUsers(v.GetString("allowed_users"))
	if err != nil {
		return nil, err
	}

	var notifyChat int64
	if raw := strings.TrimSpace(v.GetString("telegram_notify_chat")); raw != "" {
		notifyChat, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_NOTIFY_CHAT %q: %w", raw, err)
		}
	}

	tick, err := duration(v, "tick_interval")
	if err != nil {
		return nil, err
	}
	acquireEvery, err := duration(v, "acquire_interval")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabasePath:           v.GetString("database_path"),
		LogLevel:               v.GetString("log_level"),
		HTTPAddr:               v.GetString("http_addr"),
		TelegramBotToken:       v.GetString("telegram_bot_token"),
		AllowedUsers:           allowed,
		TelegramNotifyChat:     notifyChat,
		KeepaAPIKey:            v.GetString("keepa_api_key"),
		KeepaBaseURL:           v.GetString("keepa_base_url"),
		KeepaRequestsPerMinute: v.GetInt("keepa_requests_per_minute"),
		TaxRate:                v.GetFloat64("tax_rate"),
		FixedFee:               v.GetFloat64("fixed_fee"),
		TickInterval:           tick,
		QueueBatch:             v.GetInt("queue_batch"),
		DriverURL:              v.GetString("driver_url"),
		AcquireInterval:        acquireEvery,
		AcquireConcurrency:     v.GetInt("acquire_concurrency"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}
	if c.TaxRate < 0 || c.TaxRate >= 1 {
		return fmt.Errorf("TAX_RATE must be within [0, 1)")
	}
	if c.FixedFee <= 0 {
		return fmt.Errorf("FIXED_FEE must be positive")
	}
	if c.QueueBatch <= 0 {
		return fmt.Errorf("QUEUE_BATCH must be positive")
	}
	if c.KeepaRequestsPerMinute <= 0 {
		return fmt.Errorf("KEEPA_REQUESTS_PER_MINUTE must be positive")
	}
	if c.DriverURL != "" && (c.AcquireInterval <= 0 || c.AcquireConcurrency <= 0) {
		return fmt.Errorf("ACQUIRE_INTERVAL and ACQUIRE_CONCURRENCY must be positive")
	}
	return nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKeys[key], raw, err)
	}
	return d, nil
}

func parseUsers(raw string) ([]int64, error) {
	var users []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		users = append(users, uid)
	}
	return users, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	return len(c.AllowedUsers) == 0 || slices.Contains(c.AllowedUsers, userID)
}
