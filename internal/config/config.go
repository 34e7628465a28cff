package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/readwatch/offline-cache/internal/cache"
)

// Cache storage backends
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Cache     CacheConfig     `koanf:"cache" yaml:"cache"`
	Offline   OfflineConfig   `koanf:"offline" yaml:"offline"`
	Log       LogConfig       `koanf:"log" yaml:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port int `koanf:"port" yaml:"port" env:"READWATCH_PORT"`
	// Origin is the app served to direct (non-proxy) requests
	Origin  string      `koanf:"origin" yaml:"origin" env:"READWATCH_ORIGIN"`
	Timeout string      `koanf:"timeout" yaml:"timeout" env:"READWATCH_TIMEOUT"`
	HTTPS   HTTPSConfig `koanf:"https" yaml:"https"`
}

// HTTPSConfig controls interception of HTTPS traffic
type HTTPSConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled" env:"READWATCH_HTTPS_ENABLED"`
	// TransparentPort accepts raw TLS connections routed by SNI, 0 disables it
	TransparentPort int    `koanf:"transparent_port" yaml:"transparent_port" env:"READWATCH_HTTPS_TRANSPARENT_PORT"`
	CACertFile      string `koanf:"ca_cert_file" yaml:"ca_cert_file" env:"READWATCH_HTTPS_CA_CERT_FILE"`
	CAKeyFile       string `koanf:"ca_key_file" yaml:"ca_key_file" env:"READWATCH_HTTPS_CA_KEY_FILE"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	Backend string       `koanf:"backend" yaml:"backend" env:"READWATCH_CACHE_BACKEND"`
	Folder  string       `koanf:"folder" yaml:"folder" env:"READWATCH_CACHE_FOLDER"`
	Redis   RedisConfig  `koanf:"redis" yaml:"redis"`
	SQLite  SQLiteConfig `koanf:"sqlite" yaml:"sqlite"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr" yaml:"addr" env:"READWATCH_REDIS_ADDR"`
	Password string `koanf:"password" yaml:"password" env:"READWATCH_REDIS_PASSWORD"`
	DB       int    `koanf:"db" yaml:"db" env:"READWATCH_REDIS_DB"`
	Prefix   string `koanf:"prefix" yaml:"prefix" env:"READWATCH_REDIS_PREFIX"`
}

type SQLiteConfig struct {
	Path string `koanf:"path" yaml:"path" env:"READWATCH_SQLITE_PATH"`
}

// OfflineConfig describes the cache generation and its request policy
type OfflineConfig struct {
	// Version names the cache generation; change it whenever seeds or policy change
	Version       string   `koanf:"version" yaml:"version" env:"READWATCH_CACHE_VERSION"`
	SeedURLs      []string `koanf:"seed_urls" yaml:"seed_urls" env:"READWATCH_SEED_URLS" envSeparator:","`
	ExcludedPaths []string `koanf:"excluded_paths" yaml:"excluded_paths" env:"READWATCH_EXCLUDED_PATHS" envSeparator:","`
	ShellURL      string   `koanf:"shell_url" yaml:"shell_url" env:"READWATCH_SHELL_URL"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" env:"READWATCH_LOG_LEVEL"`
	Format string `koanf:"format" yaml:"format" env:"READWATCH_LOG_FORMAT"`
}

// TelemetryConfig enables OTLP tracing when Endpoint is set
type TelemetryConfig struct {
	Endpoint    string `koanf:"endpoint" yaml:"endpoint" env:"READWATCH_OTEL_ENDPOINT"`
	ServiceName string `koanf:"service_name" yaml:"service_name" env:"READWATCH_OTEL_SERVICE_NAME"`
}

// Default returns the configuration used for every unset key
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			Timeout: "30s",
		},
		Cache: CacheConfig{
			Backend: BackendMemory,
			Folder:  "./cache",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "readwatch"},
			SQLite:  SQLiteConfig{Path: "./cache/offline-cache.db"},
		},
		Offline: OfflineConfig{
			Version:       "readwatch-v1",
			SeedURLs:      []string{"/", "/profile"},
			ExcludedPaths: []string{"/api/"},
			ShellURL:      "/",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "readwatch-offline",
		},
	}
}

// Load loads configuration from a YAML file on top of the defaults, then
// applies environment overrides
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return &config, nil
}

// GetTimeout parses and returns the upstream timeout
func (c *Config) GetTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Server.Timeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.Timeout == "" {
		return fmt.Errorf("server timeout is required")
	}

	if _, err := c.GetTimeout(); err != nil {
		return fmt.Errorf("invalid server timeout format: %w", err)
	}

	if c.Server.Origin != "" {
		u, err := url.Parse(c.Server.Origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("origin must be an absolute http(s) URL, got: %s", c.Server.Origin)
		}
	}

	if p := c.Server.HTTPS.TransparentPort; p < 0 || p > 65535 {
		return fmt.Errorf("invalid transparent HTTPS port: %d", p)
	}

	if (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("CA certificate and key must be configured together")
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendDisk:
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required")
		}
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case BackendSQLite:
		if c.Cache.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("cache backend must be one of memory, disk, redis, sqlite, got: %s", c.Cache.Backend)
	}

	if c.Offline.Version == "" {
		return fmt.Errorf("offline cache version is required")
	}

	if err := cache.ValidateName(c.Offline.Version); err != nil {
		return fmt.Errorf("invalid offline cache version: %w", err)
	}

	if len(c.Offline.SeedURLs) == 0 {
		return fmt.Errorf("at least one seed URL is required")
	}

	for _, seed := range c.Offline.SeedURLs {
		if strings.HasPrefix(seed, "/") {
			if c.Server.Origin == "" {
				return fmt.Errorf("seed URL %s is relative but no origin is configured", seed)
			}
			continue
		}
		u, err := url.Parse(seed)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("seed URL must be a path or an absolute http(s) URL, got: %s", seed)
		}
	}

	if !strings.HasPrefix(c.Offline.ShellURL, "/") {
		return fmt.Errorf("shell URL must be a path, got: %s", c.Offline.ShellURL)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be 'text' or 'json', got: %s", c.Log.Format)
	}

	return nil
}

// ResolvedSeedURLs returns the seed URLs made absolute against the origin
func (c *Config) ResolvedSeedURLs() ([]string, error) {
	var base *url.URL
	if c.Server.Origin != "" {
		u, err := url.Parse(c.Server.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin: %w", err)
		}
		base = u
	}

	resolved := make([]string, 0, len(c.Offline.SeedURLs))
	for _, seed := range c.Offline.SeedURLs {
		u, err := url.Parse(seed)
		if err != nil {
			return nil, fmt.Errorf("invalid seed URL %s: %w", seed, err)
		}
		if !u.IsAbs() {
			if base == nil {
				return nil, fmt.Errorf("seed URL %s is relative but no origin is configured", seed)
			}
			u = base.ResolveReference(u)
		}
		resolved = append(resolved, u.String())
	}
	return resolved, nil
}

// Dump renders the configuration as YAML, with secrets masked
func (c *Config) Dump() ([]byte, error) {
	masked := *c
	if masked.Cache.Redis.Password != "" {
		masked.Cache.Redis.Password = "********"
	}
	return yamlv3.Marshal(&masked)
}
