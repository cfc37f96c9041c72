// Package config provides application configuration management using environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Telegram  TelegramConfig
	Groups    GroupsConfig
	Soulink   SoulinkConfig
	OAuth     OAuthConfig
	Database  DatabaseConfig
	Agent     AgentConfig
	Episodes  EpisodesConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP/gRPC listener and update queue settings
type ServerConfig struct {
	Env       string `env:"APP_ENV" envDefault:"dev"`
	HTTPPort  string `env:"PORT" envDefault:"3000"`
	GRPCPort  string `env:"GRPC_PORT" envDefault:"50051"`
	Workers   int    `env:"WORKERS" envDefault:"4"`
	QueueSize int    `env:"QUEUE_SIZE" envDefault:"256"`
}

// TelegramConfig holds Bot API configuration
type TelegramConfig struct {
	BotToken      string `env:"BOT_TOKEN"`
	WebhookURL    string `env:"WEBHOOK_URL"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	APIBaseURL    string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
}

// GroupsConfig holds the raw group identifiers. They are parsed leniently by
// the membership package so that one bad entry never disables the others.
type GroupsConfig struct {
	PrimaryID  string `env:"GROUP_ID"`
	AllowedIDs string `env:"ALLOWED_GROUP_IDS"`
}

// SoulinkConfig holds the shared-group gate settings. AdminID is kept raw:
// an invalid value must deny at check time rather than fail startup.
type SoulinkConfig struct {
	Enabled bool   `env:"SOULINK_ENABLED" envDefault:"false"`
	AdminID string `env:"SOULINK_ADMIN_ID"`
}

// OAuthConfig holds the community API OAuth client configuration
type OAuthConfig struct {
	BaseURL           string   `env:"OAUTH_BASE_URL"`
	ClientID          string   `env:"OAUTH_CLIENT_ID"`
	ClientSecret      string   `env:"OAUTH_CLIENT_SECRET"`
	Scopes            []string `env:"OAUTH_SCOPES" envSeparator:" " envDefault:"read"`
	PKCEExpiryMinutes int      `env:"PKCE_EXPIRY_MINUTES" envDefault:"30"`
}

// DatabaseConfig holds database connection configuration. An empty
// ConnString runs the bot without persistence.
type DatabaseConfig struct {
	ConnString   string `env:"POSTGRES_CONN_STRING"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
}

// AgentConfig points at the external agent service
type AgentConfig struct {
	URL     string        `env:"AGENT_URL"`
	Timeout time.Duration `env:"AGENT_TIMEOUT" envDefault:"60s"`
}

// EpisodesConfig holds the knowledge-graph episode publisher settings
type EpisodesConfig struct {
	NATSURL string `env:"NATS_URL"`
	Subject string `env:"EPISODE_SUBJECT" envDefault:"towerbot.episodes"`
}

// RateLimitConfig holds per-user command throttling settings
type RateLimitConfig struct {
	RedisAddr     string        `env:"REDIS_ADDR"`
	CommandLimit  int           `env:"COMMAND_RATE_LIMIT" envDefault:"10"`
	CommandWindow time.Duration `env:"COMMAND_RATE_WINDOW" envDefault:"1m"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"towerbot"`
}

// Load loads configuration from environment variables
// It optionally loads from a .env file if it exists
func Load() (*Config, error) {
	// Try to load .env file (optional, ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.Telegram.WebhookURL = strings.TrimRight(cfg.Telegram.WebhookURL, "/")
	cfg.OAuth.BaseURL = strings.TrimRight(cfg.OAuth.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	if c.Telegram.WebhookURL == "" {
		return errors.New("WEBHOOK_URL is required")
	}
	if c.Server.HTTPPort == "" {
		return errors.New("PORT is required")
	}
	if c.Server.Workers <= 0 {
		return errors.New("WORKERS must be positive")
	}
	if c.Server.QueueSize <= 0 {
		return errors.New("QUEUE_SIZE must be positive")
	}
	if c.OAuth.PKCEExpiryMinutes <= 0 {
		return errors.New("PKCE_EXPIRY_MINUTES must be positive")
	}
	if c.RateLimit.CommandLimit <= 0 {
		return errors.New("COMMAND_RATE_LIMIT must be positive")
	}
	if c.RateLimit.CommandWindow <= 0 {
		return errors.New("COMMAND_RATE_WINDOW must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Logging.Format] {
		return errors.New("LOG_FORMAT must be one of: json, console")
	}

	return nil
}

// IsDev reports whether identities and message bodies may be logged verbatim.
func (c *Config) IsDev() bool {
	return c.Server.Env == "dev"
}

// GroupsConfigured reports whether any group restriction was requested.
func (c *Config) GroupsConfigured() bool {
	return strings.TrimSpace(c.Groups.PrimaryID) != "" || strings.TrimSpace(c.Groups.AllowedIDs) != ""
}

// OAuthEnabled reports whether the identity-linking flow is fully configured.
func (c *OAuthConfig) OAuthEnabled() bool {
	return c.BaseURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// OAuthPartial reports a half-filled client configuration, which is logged
// and treated as disabled.
func (c *OAuthConfig) OAuthPartial() bool {
	set := 0
	for _, v := range []string{c.BaseURL, c.ClientID, c.ClientSecret} {
		if v != "" {
			set++
		}
	}
	return set > 0 && set < 3
}

// PKCEExpiry returns how long a stored verifier stays usable
func (c *OAuthConfig) PKCEExpiry() time.Duration {
	return time.Duration(c.PKCEExpiryMinutes) * time.Minute
}

// RedirectURI returns the OAuth callback URL served by this process
func (c *Config) RedirectURI() string {
	return c.Telegram.WebhookURL + "/auth/callback"
}

// UpdatesURL returns the URL Telegram delivers updates to
func (c *Config) UpdatesURL() string {
	return c.Telegram.WebhookURL + "/platform-events"
}
