// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full runtime configuration of the server process.
type Config struct {
	// Addr is the listen address of the HTTP server.
	Addr string `env:"DOCBRIDGE_ADDR,default=:8080"`

	// EndpointPath is the single MCP endpoint path.
	EndpointPath string `env:"DOCBRIDGE_MCP_PATH,default=/mcp"`

	// UpstreamBaseURL is the documentation API endpoint.
	UpstreamBaseURL string `env:"DOCBRIDGE_UPSTREAM_URL,default=https://context7.com/api"`

	// UpstreamAPIKey, when set, is sent with every upstream call.
	UpstreamAPIKey string `env:"DOCBRIDGE_UPSTREAM_API_KEY,default="`

	// MinimumTokens is the floor applied to get-library-docs token requests.
	MinimumTokens int `env:"DOCBRIDGE_MINIMUM_TOKENS,default=5000"`

	// KeepAliveInterval is the ping cadence on open notification streams.
	// Zero disables keep-alives.
	KeepAliveInterval time.Duration `env:"DOCBRIDGE_KEEPALIVE_INTERVAL,default=25s"`

	LogLevel  string `env:"DOCBRIDGE_LOG_LEVEL,default=info"`
	LogFormat string `env:"DOCBRIDGE_LOG_FORMAT,default=json"`
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if !strings.HasPrefix(c.EndpointPath, "/") {
		return nil, fmt.Errorf("DOCBRIDGE_MCP_PATH must start with /, got %q", c.EndpointPath)
	}
	if c.MinimumTokens < 1 {
		return nil, fmt.Errorf("DOCBRIDGE_MINIMUM_TOKENS must be positive, got %d", c.MinimumTokens)
	}
	return &c, nil
}

// Logger builds a slog.Logger per the configured level and format, writing
// to stderr.
func (c *Config) Logger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.LogFormat) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
}
