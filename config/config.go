// Package config loads the server configuration from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pixperk/roomchat/registry"
	"github.com/pixperk/roomchat/relay"
	"github.com/pixperk/roomchat/transport"
)

const (
	DefaultPort = 8888
	DefaultAddr = ":8888"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Transport  string `yaml:"transport"`
	WSPath     string `yaml:"ws_path"`

	Capacity    int `yaml:"capacity"`
	RelayBuffer int `yaml:"relay_buffer"`

	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ForceWait       time.Duration `yaml:"force_wait"` // grace after force-closing leftover connections

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

func Default() *Config {
	return &Config{
		ListenAddr:      DefaultAddr,
		Transport:       string(transport.TCP),
		WSPath:          transport.DefaultWSPath,
		Capacity:        registry.DefaultCapacity,
		RelayBuffer:     relay.DefaultBuffer,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		ForceWait:       time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is empty", ErrInvalid)
	}
	if _, err := transport.ParseKind(c.Transport); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be at least 1, got %d", ErrInvalid, c.Capacity)
	}
	if c.RelayBuffer < 1 {
		return fmt.Errorf("%w: relay_buffer must be at least 1, got %d", ErrInvalid, c.RelayBuffer)
	}
	if c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0 || c.ForceWait <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalid, c.LogFormat)
	}
	return nil
}

// TransportKind returns the validated transport.
func (c *Config) TransportKind() transport.Kind {
	k, err := transport.ParseKind(c.Transport)
	if err != nil {
		return transport.TCP
	}
	return k
}
