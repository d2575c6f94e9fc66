// Package config holds the toolkit configuration: pool sizing, reconnect
// backoff, and logging. Values come from defaults, optionally overridden
// by a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blepool/retry"
)

// Config holds application configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" default:"info"`

	// MaxConnections bounds the pool.
	MaxConnections int `yaml:"max_connections" default:"5"`

	// AutoReconnect re-dials peripherals that drop unexpectedly.
	AutoReconnect bool `yaml:"auto_reconnect" default:"true"`

	// ConnectTimeout bounds each dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`

	// Retry shapes reconnect and operation backoff.
	Retry retry.Config `yaml:"retry"`
}

// Default returns the configuration with all default values applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	if cfg.MaxConnections < 1 {
		return nil, fmt.Errorf("config %q: max_connections %d, need at least 1", path, cfg.MaxConnections)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalYAML decodes the config, accepting a Go duration string for
// connect_timeout. Absent fields keep their current values, so decoding
// over a defaults-filled config behaves as an overlay.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		LogLevel       string        `yaml:"log_level"`
		MaxConnections *int          `yaml:"max_connections"`
		AutoReconnect  *bool         `yaml:"auto_reconnect"`
		ConnectTimeout string        `yaml:"connect_timeout"`
		Retry          *retry.Config `yaml:"retry"`
	}
	raw.Retry = &c.Retry
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
	if raw.MaxConnections != nil {
		c.MaxConnections = *raw.MaxConnections
	}
	if raw.AutoReconnect != nil {
		c.AutoReconnect = *raw.AutoReconnect
	}
	if raw.ConnectTimeout != "" {
		d, err := time.ParseDuration(raw.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("connect_timeout: %w", err)
		}
		c.ConnectTimeout = d
	}
	return nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
