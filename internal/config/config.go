package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "CARECHAT_"

// PathEnvVar overrides the config file path
const PathEnvVar = EnvPrefix + "CONFIG"

// DefaultPaths are searched in order when PathEnvVar is unset
var DefaultPaths = []string{
	"carechat.yaml",
	"carechat.yml",
	"/etc/carechat/config.yaml",
}

// Config holds all application configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	Env string    `koanf:"env"` // "development" or "production"
	Log LogConfig `koanf:"log"`

	Client ClientConfig `koanf:"client"`
	Relay  RelayConfig  `koanf:"relay"`

	// Shared by the client transports and the relay backend
	Redis RedisConfig `koanf:"redis"`
	NATS  NATSConfig  `koanf:"nats"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or text
}

// ClientConfig configures chatctl and any other chat session
type ClientConfig struct {
	APIBaseURL string `koanf:"api_base_url"`
	WSURL      string `koanf:"ws_url"`
	Transport  string `koanf:"transport"` // websocket, redis or nats
	Token      string `koanf:"token"`

	PageSize       int           `koanf:"page_size"`
	TypingTimeout  time.Duration `koanf:"typing_timeout"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`

	RequestsPerMinute int           `koanf:"requests_per_minute"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`

	MetricsAddr string `koanf:"metrics_addr"` // empty disables
}

// RelayConfig configures chatrelay
type RelayConfig struct {
	Addr       string        `koanf:"addr"`
	Backend    string        `koanf:"backend"` // memory, redis or nats
	SigningKey string        `koanf:"signing_key"`
	TokenTTL   time.Duration `koanf:"token_ttl"`

	PublishRate  float64 `koanf:"publish_rate"` // frames per second per peer
	PublishBurst int     `koanf:"publish_burst"`

	// Browser origin allowed outside development
	AllowedOrigin string `koanf:"allowed_origin"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type NATSConfig struct {
	URL string `koanf:"url"`
}

// DevSigningKey is used when no key is configured in development
const DevSigningKey = "dev-signing-key-do-not-use-in-production!!"

func defaultConfig() *Config {
	return &Config{
		Env: "development",
		Log: LogConfig{Level: "info", Format: "json"},
		Client: ClientConfig{
			APIBaseURL:        "http://localhost:8080/api",
			WSURL:             "ws://localhost:8080/ws",
			Transport:         "websocket",
			PageSize:          50,
			TypingTimeout:     3 * time.Second,
			PollInterval:      30 * time.Second,
			InitialBackoff:    time.Second,
			MaxBackoff:        32 * time.Second,
			RequestsPerMinute: 600,
			RequestTimeout:    15 * time.Second,
		},
		Relay: RelayConfig{
			Addr:         "0.0.0.0:8080",
			Backend:      "memory",
			PublishRate:  20,
			PublishBurst: 40,
			TokenTTL:     time.Hour,
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		NATS:  NATSConfig{URL: "nats://127.0.0.1:4222"},
	}
}

// Load reads configuration in layers: defaults, then the YAML file, then
// CARECHAT_* environment variables. A .env file in the working directory
// is loaded into the environment first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return load(findConfigFile())
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if cfg.Relay.SigningKey == "" && cfg.IsDevelopment() {
		cfg.Relay.SigningKey = DevSigningKey
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps CARECHAT_CLIENT_PAGE_SIZE to client.page_size. Only the
// first underscore separates the section.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return key
	}
	return section + "." + rest
}

func findConfigFile() string {
	if path := os.Getenv(PathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Config) validate() error {
	switch c.Client.Transport {
	case "websocket", "redis", "nats":
	default:
		return fmt.Errorf("client.transport %q must be websocket, redis or nats", c.Client.Transport)
	}
	switch c.Relay.Backend {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("relay.backend %q must be memory, redis or nats", c.Relay.Backend)
	}

	if u, err := url.Parse(c.Client.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("client.api_base_url %q must be an http(s) URL", c.Client.APIBaseURL)
	}
	if c.Client.Transport == "websocket" {
		if u, err := url.Parse(c.Client.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("client.ws_url %q must be a ws(s) URL", c.Client.WSURL)
		}
	}

	if c.Client.PageSize <= 0 || c.Client.PageSize > 100 {
		return fmt.Errorf("client.page_size %d must be between 1 and 100", c.Client.PageSize)
	}
	if c.Client.TypingTimeout <= 0 || c.Client.PollInterval <= 0 {
		return errors.New("client.typing_timeout and client.poll_interval must be positive")
	}
	if c.Client.InitialBackoff <= 0 || c.Client.MaxBackoff < c.Client.InitialBackoff {
		return fmt.Errorf("client backoff %s..%s is not a valid range", c.Client.InitialBackoff, c.Client.MaxBackoff)
	}

	if c.Relay.SigningKey == "" {
		return errors.New("relay.signing_key is required in production")
	}
	if c.Relay.PublishRate <= 0 || c.Relay.PublishBurst <= 0 {
		return errors.New("relay.publish_rate and relay.publish_burst must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// SlogLevel returns the configured log level, defaulting to info
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger builds the process logger from the log section
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
