package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const maxHistoryLimit = 50

type Config struct {
	Store      string `env:"KAIRO_STORE" envDefault:"bbolt"`
	DBFile     string `env:"KAIRO_DB" envDefault:"kairo.db"`
	SQLitePath string `env:"KAIRO_SQLITE_PATH" envDefault:"kairo.sqlite"`

	AdminAddr string `env:"ADMIN_ADDR" envDefault:"localhost:8081"`
	APIAddr   string `env:"API_ADDR" envDefault:":8080"`
	BaseURL   string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	AuthSecret  string        `env:"AUTH_SECRET"`
	TokenExpiry time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`

	AdminUser         string `env:"ADMIN_USER" envDefault:"admin"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`
	// AdminPassword is only read by CLI commands talking to the admin API.
	AdminPassword string `env:"ADMIN_PASSWORD"`

	HistoryLimit   int `env:"HISTORY_LIMIT" envDefault:"50"`
	OutboundBuffer int `env:"OUTBOUND_BUFFER" envDefault:"256"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

func Load(cliMode bool) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	switch c.Store {
	case "bbolt", "sqlite":
	default:
		return fmt.Errorf("KAIRO_STORE must be bbolt or sqlite, got %q", c.Store)
	}

	if c.HistoryLimit < 1 || c.HistoryLimit > maxHistoryLimit {
		return fmt.Errorf("HISTORY_LIMIT must be between 1 and %d", maxHistoryLimit)
	}

	if c.OutboundBuffer < 1 {
		return fmt.Errorf("OUTBOUND_BUFFER must be greater than 0")
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// StorePath returns the database path of the selected store.
func (c *Config) StorePath() string {
	if c.Store == "sqlite" {
		return c.SQLitePath
	}
	return c.DBFile
}

// NewLogger builds the process logger. format is "text" or "json".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func parseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	return lvl, nil
}
