// Package config reads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var validBackends = []string{"sqlite", "memory"}

type Config struct {
	// HTTP server
	Port          int
	SecureCookies bool

	// Storage
	DataBackend string
	DBPath      string

	// Sessions
	JWTSecret            string
	SessionTTL           time.Duration
	SessionSweepInterval time.Duration

	// Ledger behavior
	TrackBudgetHistory bool
	StrictHandles      bool
	ConfirmTimeout     time.Duration

	// Cross-instance change feed; disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string

	// GitHub sign-in; disabled when GitHubClientID is empty
	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string

	LogLevel slog.Level
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are given) without overriding variables already set. Missing files are
// skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration from the environment. Unparsable values
// fall back to defaults; call Validate before use.
func Load() *Config {
	return &Config{
		Port:          getEnvInt("PORT", 8080),
		SecureCookies: getEnvBool("SECURE_COOKIES", false),

		DataBackend: getEnv("DATA_BACKEND", "sqlite"),
		DBPath:      getEnv("DB_PATH", "data/expenses.db"),

		JWTSecret:            getEnv("JWT_SECRET", ""),
		SessionTTL:           getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),

		TrackBudgetHistory: getEnvBool("LEDGER_BUDGET_HISTORY", true),
		StrictHandles:      getEnvBool("LEDGER_STRICT_HANDLES", true),
		ConfirmTimeout:     getEnvDuration("LEDGER_CONFIRM_TIMEOUT", 2*time.Second),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "expense-tracker.changes"),

		GitHubClientID:     getEnv("GITHUB_CLIENT_ID", ""),
		GitHubClientSecret: getEnv("GITHUB_CLIENT_SECRET", ""),
		GitHubCallbackURL:  getEnv("GITHUB_CALLBACK_URL", "http://localhost:8080/auth/github/callback"),

		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d: must be between 1 and 65535", c.Port))
	}

	if !slices.Contains(validBackends, c.DataBackend) {
		problems = append(problems, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}
	if c.DataBackend == "sqlite" && c.DBPath == "" {
		problems = append(problems, "DB_PATH cannot be empty when using the sqlite backend")
	}

	if len(c.JWTSecret) < 16 {
		problems = append(problems, "JWT_SECRET must be set to at least 16 characters")
	}
	if c.SessionTTL < time.Minute {
		problems = append(problems, fmt.Sprintf("invalid session TTL %v: must be at least 1 minute", c.SessionTTL))
	}
	if c.SessionSweepInterval < time.Second {
		problems = append(problems, fmt.Sprintf("invalid session sweep interval %v: must be at least 1 second", c.SessionSweepInterval))
	}

	if c.ConfirmTimeout < 0 {
		problems = append(problems, fmt.Sprintf("invalid confirm timeout %v: cannot be negative", c.ConfirmTimeout))
	}

	if c.AMQPURL != "" {
		if u, err := url.Parse(c.AMQPURL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL: %v", err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQPExchange == "" {
			problems = append(problems, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.GitHubClientID != "" && c.GitHubClientSecret == "" {
		problems = append(problems, "GITHUB_CLIENT_SECRET is required when GITHUB_CLIENT_ID is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// GitHubEnabled reports whether GitHub sign-in is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
