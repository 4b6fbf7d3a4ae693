// Package config loads the gateway's environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the gateway's environment-level configuration.
type Config struct {
	// PublicURL is the externally visible base URL, used as OAuth issuer
	// and resource identifier in discovery metadata.
	PublicURL string `env:"ATEAM_PUBLIC_URL,default=http://localhost:8787"`
	// APIURL is the A-Team platform API base URL.
	APIURL string `env:"ATEAM_API_URL,default=https://api.a-team.dev"`
	// DefaultTeam resolves legacy keys and the environment-credential path.
	DefaultTeam string `env:"ATEAM_DEFAULT_TEAM,default=default"`
	// APIKey is the optional process-wide default platform key.
	APIKey string `env:"ATEAM_API_KEY"`
	// OAuthDisabled turns off the whole delegated-authorization layer;
	// the gateway then runs on the environment credentials only.
	OAuthDisabled bool `env:"ATEAM_OAUTH_DISABLED,default=false"`
	// RelayMode selects the token relay strategy: best-effort or
	// hold-and-retry.
	RelayMode string `env:"ATEAM_RELAY_MODE,default=best-effort"`
	// TeamFallback lets a fresh unauthenticated session inherit the default
	// team's last proven credential. Disable when one gateway process
	// serves multiple teams.
	TeamFallback bool `env:"ATEAM_TEAM_FALLBACK,default=true"`
	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"ATEAM_LISTEN_ADDR,default=:8787"`
	// Transport selects http or stdio.
	Transport string `env:"ATEAM_TRANSPORT,default=http"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `env:"ATEAM_LOG_LEVEL,default=info"`
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	switch cfg.RelayMode {
	case "best-effort", "hold-and-retry":
	default:
		return nil, fmt.Errorf("ATEAM_RELAY_MODE must be best-effort or hold-and-retry, got %q", cfg.RelayMode)
	}
	switch cfg.Transport {
	case "http", "stdio":
	default:
		return nil, fmt.Errorf("ATEAM_TRANSPORT must be http or stdio, got %q", cfg.Transport)
	}
	return &cfg, nil
}

// SlogLevel maps the configured level name to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
