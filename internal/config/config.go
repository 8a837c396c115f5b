// Package config loads the server settings from a per-mode YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      Server      `mapstructure:"server"`
	Store       Store       `mapstructure:"store"`
	Performance Performance `mapstructure:"performance"`
	ACS         ACS         `mapstructure:"acs"`
}

type Server struct {
	Host     string `mapstructure:"host"`
	Port     uint16 `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type Store struct {
	Path       string `mapstructure:"path"`
	TTLSeconds uint64 `mapstructure:"ttl_seconds"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	Pool       Pool   `mapstructure:"pool"`
}

type Pool struct {
	MaxSize int `mapstructure:"max_size"`
	MinIdle int `mapstructure:"min_idle"`
}

type Performance struct {
	RateLimitPerSecond int    `mapstructure:"rate_limit_per_second"`
	ClientTimeoutMs    uint64 `mapstructure:"client_timeout_ms"`
	KeepAliveSeconds   uint64 `mapstructure:"keep_alive_seconds"`
}

type ACS struct {
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
	// BaseURL overrides the externally visible server base; derived
	// from host and port when empty.
	BaseURL string `mapstructure:"base_url"`
}

// Load reads config/<RUN_MODE>.yaml (default "development") and
// applies APP_-prefixed environment overrides with "__" as the
// nesting separator, e.g. APP_SERVER__PORT=9090.
func Load() (*Config, error) {
	runMode := os.Getenv("RUN_MODE")
	if runMode == "" {
		runMode = "development"
	}

	v := viper.New()
	v.SetConfigName(runMode)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("store.path", "data/transactions.db")
	v.SetDefault("store.ttl_seconds", 1800)
	v.SetDefault("store.key_prefix", "3ds:txn")
	v.SetDefault("store.pool.max_size", 10)
	v.SetDefault("store.pool.min_idle", 2)
	v.SetDefault("performance.rate_limit_per_second", 100)
	v.SetDefault("performance.client_timeout_ms", 60000)
	v.SetDefault("performance.keep_alive_seconds", 60)
	v.SetDefault("acs.cert_path", "certs/acs-cert.pem")
	v.SetDefault("acs.key_path", "certs/acs-private-key.pem")
	v.SetDefault("acs.base_url", "")

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Defaults and environment overrides still apply without a file.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return errors.New("server port must be greater than 0")
	}
	if c.Store.TTLSeconds == 0 {
		return errors.New("store TTL must be greater than 0")
	}
	if c.Store.Pool.MaxSize <= 0 {
		return errors.New("store pool max_size must be greater than 0")
	}
	if c.Store.Pool.MinIdle > c.Store.Pool.MaxSize {
		return errors.New("store pool min_idle cannot be greater than max_size")
	}
	return nil
}

func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BaseURL is the externally reachable server base used in ACS URLs
// and template substitutions.
func (c *Config) BaseURL() string {
	if c.ACS.BaseURL != "" {
		return strings.TrimSuffix(c.ACS.BaseURL, "/")
	}
	return "http://" + c.ServerAddress()
}

func (c *Config) StoreTTL() time.Duration {
	return time.Duration(c.Store.TTLSeconds) * time.Second
}
