package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nesting uses a double underscore:
// TUNEGATE_PROVIDER__AGGREGATOR__API_KEY -> provider.aggregator.api_key.
const (
	EnvPrefix     = "TUNEGATE_"
	EnvConfigPath = "TUNEGATE_CONFIG"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Provider ProviderConfig `koanf:"provider"`
	Retry    RetryConfig    `koanf:"retry"`
	Resolver ResolverConfig `koanf:"resolver"`
	Cache    CacheConfig    `koanf:"cache"`
	NATS     NATSConfig     `koanf:"nats"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	ListenAddr    string   `koanf:"listen_addr"`
	APIKeys       []string `koanf:"api_keys"`
	CORSOrigins   []string `koanf:"cors_origins"`
	RateLimitRPS  float64  `koanf:"rate_limit_rps"`
	CallbackToken string   `koanf:"callback_token"`
}

type StoreConfig struct {
	Driver         string `koanf:"driver"`
	Path           string `koanf:"path"`
	URL            string `koanf:"url"`
	MaxConnections int    `koanf:"max_connections"`
}

type ProviderConfig struct {
	Active      string         `koanf:"active"`
	CallbackURL string         `koanf:"callback_url"`
	CallTimeout time.Duration  `koanf:"call_timeout"`
	Direct      EndpointConfig `koanf:"direct"`
	Aggregator  EndpointConfig `koanf:"aggregator"`
}

type EndpointConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	Model   string `koanf:"model"`
}

type RetryConfig struct {
	Attempts  int           `koanf:"attempts"`
	BaseDelay time.Duration `koanf:"base_delay"`
	MaxDelay  time.Duration `koanf:"max_delay"`
}

type ResolverConfig struct {
	GraceWindow      time.Duration `koanf:"grace_window"`
	EmptyURLRetries  int           `koanf:"empty_url_retries"`
	EmptyURLInterval time.Duration `koanf:"empty_url_interval"`
	SSEInterval      time.Duration `koanf:"sse_interval"`
}

type CacheConfig struct {
	Backend     string        `koanf:"backend"`
	TTL         time.Duration `koanf:"ttl"`
	TerminalTTL time.Duration `koanf:"terminal_ttl"`
	MaxEntries  int           `koanf:"max_entries"`
	RedisAddr   string        `koanf:"redis_addr"`
	RedisDB     int           `koanf:"redis_db"`
}

// NATSConfig enables terminal event publishing when URL is set.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads defaults, then the TOML file (if any), then environment overrides.
// An empty path falls back to $TUNEGATE_CONFIG.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	loadDefaults(k)

	if configPath == "" {
		configPath = os.Getenv(EnvConfigPath)
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", configPath, err)
		}
	}

	// Empty values are skipped so an exported-but-blank variable does not wipe the file.
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		if value == "" || key == EnvConfigPath {
			return "", nil
		}
		mapped := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
		return mapped, value
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.APIKeys = splitList(cfg.Server.APIKeys)
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ActiveEndpoint returns the endpoint settings of the configured provider. Unknown
// names resolve to the aggregator, matching the registry fallback.
func (c *Config) ActiveEndpoint() EndpointConfig {
	if c.Provider.Active == "direct" {
		return c.Provider.Direct
	}
	return c.Provider.Aggregator
}

func (c *Config) Validate() error {
	var errs []error

	if len(c.Server.APIKeys) == 0 {
		errs = append(errs, errors.New("server.api_keys must contain at least one key"))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, errors.New("server.rate_limit_rps must be >= 0"))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path must be set for the sqlite driver"))
		}
	case "postgres":
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url must be set for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be one of: sqlite, postgres", c.Store.Driver))
	}

	active := c.ActiveEndpoint()
	if active.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.%s.api_key must be set", c.activeName()))
	}
	if active.BaseURL == "" {
		errs = append(errs, fmt.Errorf("provider.%s.base_url must be set", c.activeName()))
	}
	if c.Provider.CallbackURL == "" {
		errs = append(errs, errors.New("provider.callback_url must be set; the vendor rejects submissions without it"))
	}
	if c.Provider.CallTimeout <= 0 {
		errs = append(errs, errors.New("provider.call_timeout must be > 0"))
	}

	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be > 0"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.base_delay must be > 0 and <= retry.max_delay"))
	}

	if c.Resolver.GraceWindow <= 0 {
		errs = append(errs, errors.New("resolver.grace_window must be > 0"))
	}
	if c.Resolver.EmptyURLRetries < 0 {
		errs = append(errs, errors.New("resolver.empty_url_retries must be >= 0"))
	}
	if c.Resolver.SSEInterval <= 0 {
		errs = append(errs, errors.New("resolver.sse_interval must be > 0"))
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr must be set for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q must be one of: memory, redis", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be > 0"))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "pretty" {
		errs = append(errs, fmt.Errorf("logging.format %q must be json or pretty", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func (c *Config) activeName() string {
	if c.Provider.Active == "direct" {
		return "direct"
	}
	return "aggregator"
}

// splitList accepts both TOML arrays and a single comma separated value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
