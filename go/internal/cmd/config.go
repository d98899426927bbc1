package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/megillah-live/reader/go/internal/livesync"
	"github.com/megillah-live/reader/go/internal/livesync/transport"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables read from the optional YAML file at CONFIG_PATH.
// Zero values keep the defaults.
type Config struct {
	LiveSync struct {
		ThrottleInterval time.Duration `yaml:"throttle_interval"`
		SuppressWindow   time.Duration `yaml:"suppress_window"`
		ScrollMargin     int           `yaml:"scroll_margin"`
		SmoothScroll     *bool         `yaml:"smooth_scroll"`
		ChannelPrefix    string        `yaml:"channel_prefix"`
	} `yaml:"livesync"`

	Gateway struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
		MaxMessageSize int64    `yaml:"max_message_size"`
	} `yaml:"gateway"`

	Redis transport.RedisConfig `yaml:"redis"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// loadConfigFromEnv reads CONFIG_PATH when set, otherwise returns an empty config
func loadConfigFromEnv() (*Config, error) {
	path := getEnv("CONFIG_PATH", "")
	if path == "" {
		return &Config{}, nil
	}
	return loadConfig(path)
}

// liveSyncConfig overlays the file's tunables on the defaults
func (c *Config) liveSyncConfig() livesync.Config {
	cfg := livesync.DefaultConfig()
	ls := c.LiveSync
	if ls.ThrottleInterval > 0 {
		cfg.ThrottleInterval = ls.ThrottleInterval
	}
	if ls.SuppressWindow > 0 {
		cfg.Arbiter.SuppressWindow = ls.SuppressWindow
	}
	if ls.ScrollMargin > 0 {
		cfg.Arbiter.Margin = ls.ScrollMargin
	}
	if ls.SmoothScroll != nil {
		cfg.Arbiter.Smooth = *ls.SmoothScroll
	}
	if ls.ChannelPrefix != "" {
		cfg.ChannelPrefix = ls.ChannelPrefix
	}
	return cfg
}

// redisConfig overlays the file and REDIS_* variables on the defaults
func (c *Config) redisConfig() transport.RedisConfig {
	cfg := transport.DefaultRedisConfig()
	r := c.Redis
	if r.Address != "" {
		cfg.Address = r.Address
	}
	if r.Password != "" {
		cfg.Password = r.Password
	}
	if r.DB != 0 {
		cfg.DB = r.DB
	}
	if r.PoolSize > 0 {
		cfg.PoolSize = r.PoolSize
	}
	if r.ReadTimeout > 0 {
		cfg.ReadTimeout = r.ReadTimeout
	}
	if r.WriteTimeout > 0 {
		cfg.WriteTimeout = r.WriteTimeout
	}

	cfg.Address = getEnv("REDIS_ADDR", cfg.Address)
	cfg.Password = getEnv("REDIS_PASSWORD", cfg.Password)
	cfg.DB = getEnvAsInt("REDIS_DB", cfg.DB)
	return cfg
}

// transportConfig selects the live-sync transport from LIVESYNC_TRANSPORT
func (c *Config) transportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.Driver = strings.ToLower(getEnv("LIVESYNC_TRANSPORT", transport.DriverNATS))
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.Redis = c.redisConfig()
	return cfg
}

// allowedOrigins merges the file's origins with the comma separated ALLOWED_ORIGINS
func (c *Config) allowedOrigins() []string {
	origins := append([]string(nil), c.Gateway.AllowedOrigins...)
	for _, o := range strings.Split(getEnv("ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
