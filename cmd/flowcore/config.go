package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowcore server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	AgentTimeout      string `json:"agent_timeout"`
	WebhookTimeout    string `json:"webhook_timeout"`
	RetryClientErrors bool   `json:"retry_client_errors"`
	PollInterval      string `json:"poll_interval"`
	WarningCron       string `json:"warning_cron"`
	BreachCron        string `json:"breach_cron"`
	DefaultTier       string `json:"default_tier"`
}

func defaultConfig() Config {
	return Config{
		Host:              "",
		Port:              4400,
		DBPath:            filepath.Join(flowcoreDir(), "flowcore.db"),
		LogLevel:          "info",
		AgentTimeout:      "60s",
		WebhookTimeout:    "10s",
		RetryClientErrors: true,
		PollInterval:      "15s",
		WarningCron:       "*/30 * * * *",
		BreachCron:        "*/15 * * * *",
		DefaultTier:       "startup",
	}
}

func flowcoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcore"
	}
	return filepath.Join(home, ".flowcore")
}

func settingsPath() string {
	return filepath.Join(flowcoreDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWCORE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("FLOWCORE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("FLOWCORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWCORE_AGENT_TIMEOUT"); v != "" {
		cfg.AgentTimeout = v
	}
	if v := os.Getenv("FLOWCORE_WEBHOOK_TIMEOUT"); v != "" {
		cfg.WebhookTimeout = v
	}
	if v := os.Getenv("FLOWCORE_RETRY_CLIENT_ERRORS"); v != "" {
		cfg.RetryClientErrors = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWCORE_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("FLOWCORE_WARNING_CRON"); v != "" {
		cfg.WarningCron = v
	}
	if v := os.Getenv("FLOWCORE_BREACH_CRON"); v != "" {
		cfg.BreachCron = v
	}
	if v := os.Getenv("FLOWCORE_DEFAULT_TIER"); v != "" {
		cfg.DefaultTier = v
	}

	return cfg
}

func (c Config) duration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
