// Package config loads runtime configuration from the environment and from
// an optional YAML options file.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Config holds values read from the environment.
type Config struct {
	// SessionID is the connect.sid cookie. The --auth flag takes precedence.
	SessionID string `env:"REPLIT_SID"`

	// BaseURL is the Replit origin.
	BaseURL string `env:"REPLEXPORT_BASE_URL,default=https://replit.com"`

	// Logging
	LogFile      string `env:"REPLEXPORT_LOG_FILE"`
	LogLevelName string `env:"REPLEXPORT_LOG_LEVEL,default=INFO"`

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// LogLevel is parsed from LogLevelName.
	LogLevel slog.Level
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration through lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(os.TempDir(), "replexport.log")
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	return cfg, nil
}

// Validate reports configuration that cannot be used.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("config: base url is empty")
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
