// Package config loads slink client configuration from a YAML file with
// SLINK_* environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds all client configuration.
type Config struct {
	// Server is the slink origin, e.g. https://slink.example.com.
	Server ServerConfig `yaml:"server"`

	Socket  SocketConfig  `yaml:"socket"`
	Cache   CacheConfig   `yaml:"cache"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig locates the server and bounds request/response calls.
type ServerConfig struct {
	BaseURL        string `yaml:"base_url"`
	RequestTimeout string `yaml:"request_timeout"`
}

// SocketConfig tunes push subscriptions.
type SocketConfig struct {
	ReconnectDelay    string `yaml:"reconnect_delay"`
	DialTimeout       string `yaml:"dial_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"` // empty disables pings
}

// CacheConfig configures the Redis snapshot cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	TTL     string `yaml:"ttl"`
}

// MirrorConfig configures the NATS store-change mirror.
type MirrorConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the endpoint
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // console output instead of JSON
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: "30s",
		},
		Socket: SocketConfig{
			ReconnectDelay: "1s",
			DialTimeout:    "10s",
		},
		Cache: CacheConfig{
			Addr: "localhost:6379",
			TTL:  "24h",
		},
		Mirror: MirrorConfig{
			URL: "nats://localhost:4222",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Development: true,
		},
	}
}

// Load reads path, falling back to the defaults when it does not exist, and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SLINK_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("SLINK_REQUEST_TIMEOUT"); v != "" {
		c.Server.RequestTimeout = v
	}
	if v := os.Getenv("SLINK_RECONNECT_DELAY"); v != "" {
		c.Socket.ReconnectDelay = v
	}
	if v := os.Getenv("SLINK_HEARTBEAT_INTERVAL"); v != "" {
		c.Socket.HeartbeatInterval = v
	}
	if v := os.Getenv("SLINK_REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
		c.Cache.Enabled = true
	}
	if v := os.Getenv("SLINK_NATS_URL"); v != "" {
		c.Mirror.URL = v
		c.Mirror.Enabled = true
	}
	if v := os.Getenv("SLINK_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("SLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SLINK_LOG_DEVELOPMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Development = b
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server base_url %q: want http(s)://host", c.Server.BaseURL)
	}

	durations := map[string]string{
		"server.request_timeout":    c.Server.RequestTimeout,
		"socket.reconnect_delay":    c.Socket.ReconnectDelay,
		"socket.dial_timeout":       c.Socket.DialTimeout,
		"socket.heartbeat_interval": c.Socket.HeartbeatInterval,
		"cache.ttl":                 c.Cache.TTL,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("invalid %s %q", name, v)
		}
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache enabled without an addr")
	}
	if c.Mirror.Enabled && c.Mirror.URL == "" {
		return fmt.Errorf("mirror enabled without a url")
	}
	return nil
}

// GetRequestTimeout returns the per-request budget.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Server.RequestTimeout, 30*time.Second)
}

// GetReconnectDelay returns the wait between subscription reconnects.
func (c *Config) GetReconnectDelay() time.Duration {
	return parseDuration(c.Socket.ReconnectDelay, time.Second)
}

// GetDialTimeout returns the subscription dial budget.
func (c *Config) GetDialTimeout() time.Duration {
	return parseDuration(c.Socket.DialTimeout, 10*time.Second)
}

// GetHeartbeatInterval returns the ping interval, zero when disabled.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return parseDuration(c.Socket.HeartbeatInterval, 0)
}

// GetCacheTTL returns how long cached snapshots live.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDuration(c.Cache.TTL, 24*time.Hour)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NewLogger builds the zap logger the configuration asks for. Production
// output is JSON with severity/message keys.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	if c.Logging.Development {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		return cfg.Build()
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.MessageKey = "message"
	encoderConfig.LevelKey = "severity"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig = encoderConfig
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
