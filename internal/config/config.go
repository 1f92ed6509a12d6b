// Package config loads commander's settings from command-line flags and
// COMMANDER_* environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/azisaba/commander/auth"
	"github.com/azisaba/commander/internal/telemetry"
)

// EnvPrefix is prepended to every environment variable, e.g.
// COMMANDER_REDIS_URL for --redis-url.
const EnvPrefix = "COMMANDER"

// Storage backends.
const (
	StorageBolt     = "bbolt"
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Session stores. SessionStoreDefault keeps sessions next to users.
const (
	SessionStoreDefault = "storage"
	SessionStoreRedis   = "redis"
)

// Config holds every setting of the server and the operator commands.
type Config struct {
	Port         int    `mapstructure:"port"`
	DataDir      string `mapstructure:"data-dir"`
	Storage      string `mapstructure:"storage"`
	PostgresDSN  string `mapstructure:"postgres-dsn"`
	SessionStore string `mapstructure:"session-store"`
	RedisURL     string `mapstructure:"redis-url"`
	TLSCert      string `mapstructure:"tls-cert"`
	TLSKey       string `mapstructure:"tls-key"`

	SessionLength        time.Duration `mapstructure:"session-length"`
	TokenTimeout         time.Duration `mapstructure:"token-timeout"`
	BcryptCost           int           `mapstructure:"bcrypt-cost"`
	MaxTwoFactorAttempts int           `mapstructure:"max-2fa-attempts"`
	AdminGroup           string        `mapstructure:"admin-group"`
	UnderReviewGroup     string        `mapstructure:"under-review-group"`
	// TrustedProxies lists CIDRs or addresses whose forwarding headers are
	// honored. Comma separated when given through the environment.
	TrustedProxies []string `mapstructure:"trusted-proxies"`
	// AuditWebhookURL receives every audit event as JSON when set.
	AuditWebhookURL    string `mapstructure:"audit-webhook-url"`
	AuditWebhookHeader string `mapstructure:"audit-webhook-header"`
	// OTelEndpoint is the OTLP gRPC collector spans are exported to. Spans
	// are dropped when empty.
	OTelEndpoint string `mapstructure:"otel-endpoint"`
	OTelInsecure bool   `mapstructure:"otel-insecure"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	a := auth.DefaultConfig()
	return Config{
		Port:                 8443,
		DataDir:              "./data",
		Storage:              StorageBolt,
		SessionStore:         SessionStoreDefault,
		SessionLength:        a.SessionLength,
		TokenTimeout:         a.TokenTimeout,
		BcryptCost:           a.BcryptCost,
		MaxTwoFactorAttempts: a.MaxTwoFactorAttempts,
		AdminGroup:           a.AdminGroup,
		UnderReviewGroup:     a.UnderReviewGroup,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// RegisterStorageFlags adds the flags every command needs to reach the
// backing stores and to log.
func RegisterStorageFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("data-dir", d.DataDir, "Directory for persistent data (bbolt, sqlite)")
	fs.String("storage", d.Storage, "Storage backend: bbolt, memory, sqlite or postgres")
	fs.String("postgres-dsn", "", "PostgreSQL connection string (storage=postgres)")
	fs.String("session-store", d.SessionStore, "Where sessions live: storage or redis")
	fs.String("redis-url", "", "Redis URL (session-store=redis)")
	fs.Int("bcrypt-cost", d.BcryptCost, "bcrypt cost for new password hashes")
	fs.String("admin-group", d.AdminGroup, "Group whose members may manage users")
	fs.String("under-review-group", d.UnderReviewGroup, "Group whose members cannot log in")
	fs.String("log-level", d.LogLevel, "Log level: debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "Log format: json or text")
}

// RegisterServerFlags adds the flags used only by the server command.
func RegisterServerFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.IntP("port", "p", d.Port, "Port to listen on")
	fs.String("tls-cert", "", "Path to TLS certificate file")
	fs.String("tls-key", "", "Path to TLS key file")
	fs.Duration("session-length", d.SessionLength, "Lifetime of a login session")
	fs.Duration("token-timeout", d.TokenTimeout, "Upper bound on session token generation")
	fs.Int("max-2fa-attempts", d.MaxTwoFactorAttempts, "Wrong second-factor codes before a pending session is destroyed")
	fs.StringSlice("trusted-proxies", nil, "CIDRs of reverse proxies whose forwarding headers are trusted")
	fs.String("audit-webhook-url", "", "URL that receives audit events as JSON")
	fs.String("audit-webhook-header", "", `Extra header for webhook requests, as "Name: Value"`)
	fs.String("otel-endpoint", "", "OTLP gRPC collector (host:port) receiving traces")
	fs.Bool("otel-insecure", false, "Connect to the OTLP collector without TLS")
}

// Load resolves the configuration. Precedence: explicitly set flags, then
// COMMANDER_* environment variables, then defaults. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("port", d.Port)
	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("storage", d.Storage)
	v.SetDefault("postgres-dsn", "")
	v.SetDefault("session-store", d.SessionStore)
	v.SetDefault("redis-url", "")
	v.SetDefault("tls-cert", "")
	v.SetDefault("tls-key", "")
	v.SetDefault("session-length", d.SessionLength)
	v.SetDefault("token-timeout", d.TokenTimeout)
	v.SetDefault("bcrypt-cost", d.BcryptCost)
	v.SetDefault("max-2fa-attempts", d.MaxTwoFactorAttempts)
	v.SetDefault("admin-group", d.AdminGroup)
	v.SetDefault("under-review-group", d.UnderReviewGroup)
	v.SetDefault("trusted-proxies", []string{})
	v.SetDefault("audit-webhook-url", "")
	v.SetDefault("audit-webhook-header", "")
	v.SetDefault("otel-endpoint", "")
	v.SetDefault("otel-insecure", false)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that auth.Config does not cover.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageBolt, StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: postgres-dsn must be set when storage=postgres")
		}
	default:
		return fmt.Errorf("config: unknown storage %q", c.Storage)
	}

	switch c.SessionStore {
	case SessionStoreDefault:
	case SessionStoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: redis-url must be set when session-store=redis")
		}
	default:
		return fmt.Errorf("config: unknown session store %q", c.SessionStore)
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("config: tls-cert and tls-key must be set together")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return c.AuthConfig().Validate()
}

// TelemetryConfig returns the tracing settings.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		Endpoint:       c.OTelEndpoint,
		Insecure:       c.OTelInsecure,
		ServiceVersion: version,
	}
}

// AuthConfig converts the settings into the protocol configuration.
func (c *Config) AuthConfig() auth.Config {
	a := auth.DefaultConfig()
	a.SessionLength = c.SessionLength
	a.TokenTimeout = c.TokenTimeout
	a.BcryptCost = c.BcryptCost
	a.MaxTwoFactorAttempts = c.MaxTwoFactorAttempts
	a.AdminGroup = c.AdminGroup
	a.UnderReviewGroup = c.UnderReviewGroup
	return a
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger described by LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
