// Package config loads engine configuration from environment variables and
// the optional holdings file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/upfolio/portfolio-engine/internal/model"
	"github.com/upfolio/portfolio-engine/internal/ticker"
)

// Config holds all engine configuration values.
type Config struct {
	Port            string
	TickerBaseURL   string
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
	LogLevel        slog.Level
	DatabaseURL     string        // empty → in-memory snapshot store
	RedisURL        string        // empty → no snapshot cache
	CacheTTL        time.Duration // Redis entry lifetime
	CORSOrigins     []string
	Holdings        []model.Seed
}

// Load reads configuration from environment variables. Holdings come from
// HOLDINGS_FILE when set, otherwise DefaultHoldings.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		TickerBaseURL: getEnv("TICKER_BASE_URL", ticker.DefaultBaseURL),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		CORSOrigins:   parseList(getEnv("CORS_ORIGINS", "*")),
	}

	level, err := parseLogLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if cfg.RefreshInterval, err = parseDuration("REFRESH_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = parseDuration("REQUEST_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = parseDuration("CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	if path := os.Getenv("HOLDINGS_FILE"); path != "" {
		holdings, err := LoadHoldings(path)
		if err != nil {
			return nil, err
		}
		cfg.Holdings = holdings
	} else {
		cfg.Holdings = DefaultHoldings()
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: must be debug, info, warn, or error", s)
	}
}

func parseDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
