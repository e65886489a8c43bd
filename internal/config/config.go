// Package config defines runtime defaults, loading, and validation for the
// relay. Values come from built-in defaults, then an optional YAML file, then
// the environment, then (optionally) HashiCorp Vault.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a configuration the process must refuse to start with.
var ErrInvalid = errors.New("invalid configuration")

// Authentication modes.
const (
	AuthModeSecret = "secret"
	AuthModeToken  = "token"
)

// Duplicate login policies.
const (
	DuplicateEvict  = "evict"
	DuplicateReject = "reject"
)

// Config holds the relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Relay    RelayConfig    `yaml:"relay"`
	Logger   LoggerConfig   `yaml:"logger"`
	Presence PresenceConfig `yaml:"presence"`
	Vault    VaultConfig    `yaml:"vault"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	// TrustProxy honours X-Forwarded-For and X-Real-IP. Enable it only behind
	// a reverse proxy that overwrites those headers.
	TrustProxy bool `yaml:"trust_proxy" envconfig:"TRUST_PROXY"`
}

// GitHubConfig holds the OAuth application used to mint relay tokens.
type GitHubConfig struct {
	ClientID     string `yaml:"client_id" envconfig:"GITHUB_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" envconfig:"GITHUB_CLIENT_SECRET"`
}

// AuthConfig selects how connecting clients prove who they are.
type AuthConfig struct {
	Mode       string        `yaml:"mode" envconfig:"AUTH_MODE"`
	Secret     string        `yaml:"secret" envconfig:"RELAY_SECRET"`
	AllowedOrg string        `yaml:"allowed_org" envconfig:"ALLOWED_ORG"`
	TokenTTL   time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	Timeout    time.Duration `yaml:"timeout" envconfig:"AUTH_TIMEOUT"`
	GitHub     GitHubConfig  `yaml:"github"`
	// CallbackHosts lists the non-loopback hosts the login flow may redirect
	// a freshly minted token to.
	CallbackHosts []string `yaml:"callback_hosts" envconfig:"AUTH_CALLBACK_HOSTS"`
}

// RateLimitConfig defines per-connection envelope rate limiting.
type RateLimitConfig struct {
	Burst     int     `yaml:"burst" envconfig:"RATE_LIMIT_BURST"`
	PerSecond float64 `yaml:"per_second" envconfig:"RATE_LIMIT_PER_SECOND"`
}

// RelayConfig tunes connection handling.
type RelayConfig struct {
	DuplicatePolicy string          `yaml:"duplicate_policy" envconfig:"DUPLICATE_POLICY"`
	SendQueueSize   int             `yaml:"send_queue_size" envconfig:"SEND_QUEUE_SIZE"`
	MaxMessageSize  int64           `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`
	MaxViolations   int             `yaml:"max_violations" envconfig:"MAX_VIOLATIONS"`
	PongWait        time.Duration   `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	// SilentReplace suppresses the presence_change broadcast when an evicting
	// login replaces a connection for a user who is already online.
	SilentReplace bool `yaml:"silent_replace" envconfig:"SILENT_REPLACE"`
}

// LoggerConfig represents logger configuration.
type LoggerConfig struct {
	Level      string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format     string `yaml:"format" envconfig:"LOG_FORMAT"`
	OutputPath string `yaml:"output_path" envconfig:"LOG_OUTPUT_PATH"`
}

// RedisConfig enables the Redis presence mirror when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`
}

// NATSConfig enables the NATS presence mirror when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url" envconfig:"NATS_URL"`
	Subject string `yaml:"subject" envconfig:"NATS_SUBJECT"`
}

// PresenceConfig configures the optional presence mirror sinks.
type PresenceConfig struct {
	Redis RedisConfig `yaml:"redis"`
	NATS  NATSConfig  `yaml:"nats"`
}

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Mode:     AuthModeSecret,
			TokenTTL: 7 * 24 * time.Hour,
			Timeout:  10 * time.Second,
		},
		Relay: RelayConfig{
			DuplicatePolicy: DuplicateEvict,
			SendQueueSize:   256,
			MaxMessageSize:  64 * 1024,
			MaxViolations:   3,
			PongWait:        60 * time.Second,
			RateLimit: RateLimitConfig{
				Burst:     20,
				PerSecond: 10,
			},
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Presence: PresenceConfig{
			NATS: NATSConfig{Subject: "relay.presence"},
		},
		Vault: VaultConfig{
			Address:    "http://localhost:8200",
			SecretPath: "relay",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables, then Vault secrets when enabled. The
// result is validated; any failure wraps ErrInvalid.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", ErrInvalid, path, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("%w: environment: %v", ErrInvalid, err)
	}

	vaultClient, err := NewVaultClient(&cfg.Vault)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := ApplyVaultSecrets(ctx, cfg, vaultClient); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

// Validate reports the first problem that would prevent the relay from
// running correctly.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalid, c.Server.Port)
	}

	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	switch c.Auth.Mode {
	case AuthModeSecret:
		if c.Auth.Secret == "" {
			return fmt.Errorf("%w: RELAY_SECRET is required", ErrInvalid)
		}
	case AuthModeToken:
		if c.Auth.Secret == "" {
			return fmt.Errorf("%w: RELAY_SECRET is required to sign relay tokens", ErrInvalid)
		}
		if c.Auth.GitHub.ClientID == "" || c.Auth.GitHub.ClientSecret == "" {
			return fmt.Errorf("%w: GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET are required in token mode", ErrInvalid)
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("%w: token ttl must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalid, c.Auth.Mode)
	}

	if c.Auth.Timeout <= 0 {
		return fmt.Errorf("%w: auth timeout must be positive", ErrInvalid)
	}

	c.Relay.DuplicatePolicy = strings.ToLower(strings.TrimSpace(c.Relay.DuplicatePolicy))
	if c.Relay.DuplicatePolicy != DuplicateEvict && c.Relay.DuplicatePolicy != DuplicateReject {
		return fmt.Errorf("%w: unknown duplicate policy %q", ErrInvalid, c.Relay.DuplicatePolicy)
	}

	if c.Relay.SendQueueSize <= 0 {
		return fmt.Errorf("%w: send queue size must be positive", ErrInvalid)
	}
	if c.Relay.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalid)
	}
	if c.Relay.MaxViolations < 0 {
		return fmt.Errorf("%w: max violations must not be negative", ErrInvalid)
	}
	if c.Relay.PongWait <= 0 {
		return fmt.Errorf("%w: pong wait must be positive", ErrInvalid)
	}
	if c.Relay.RateLimit.Burst <= 0 || c.Relay.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("%w: rate limit burst and rate must be positive", ErrInvalid)
	}

	if c.Vault.Enabled && c.Vault.Address == "" {
		return fmt.Errorf("%w: vault address is required when vault is enabled", ErrInvalid)
	}

	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
