// Package config centralises runtime configuration helpers for mindrill
// services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerSettings configures the orchestration side.
type ServerSettings struct {
	ListenAddr         string        `yaml:"listenAddr"`
	CleanupInterval    time.Duration `yaml:"cleanupInterval"`
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`
	InputQueueSize     int           `yaml:"inputQueueSize"`
	WorkerIdleTimeout  time.Duration `yaml:"workerIdleTimeout"`
	// InputRatePerSec throttles process_input messages per connection.
	InputRatePerSec float64 `yaml:"inputRatePerSec"`
	InputBurst      int     `yaml:"inputBurst"`
}

// ClientSettings configures the viewer-side sync client.
type ClientSettings struct {
	ServerURL            string        `yaml:"serverUrl"`
	ReconnectMaxAttempts int           `yaml:"reconnectMaxAttempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnectBaseDelay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnectMaxDelay"`
	WatchdogWarn         time.Duration `yaml:"watchdogWarn"`
	WatchdogDisconnect   time.Duration `yaml:"watchdogDisconnect"`
	OutboundQueueSize    int           `yaml:"outboundQueueSize"`
}

// BusSettings configures the in-process event bus.
type BusSettings struct {
	QueueSize int `yaml:"queueSize"`
}

// Settings contains the mindrill configuration tree loaded from defaults and
// overrides.
type Settings struct {
	Server ServerSettings `yaml:"server"`
	Client ClientSettings `yaml:"client"`
	Bus    BusSettings    `yaml:"bus"`
	// Verbose switches debug logging on.
	Verbose bool `yaml:"verbose"`
}

// Default returns the default mindrill configuration.
func Default() Settings {
	return Settings{
		Server: ServerSettings{
			ListenAddr:         ":7410",
			CleanupInterval:    30 * time.Second,
			SessionIdleTimeout: 5 * time.Minute,
			InputQueueSize:     64,
			WorkerIdleTimeout:  5 * time.Second,
			InputRatePerSec:    50,
			InputBurst:         20,
		},
		Client: ClientSettings{
			ServerURL:            "ws://localhost:7410/ws",
			ReconnectMaxAttempts: 10,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    5 * time.Second,
			WatchdogWarn:         5 * time.Second,
			WatchdogDisconnect:   10 * time.Second,
			OutboundQueueSize:    128,
		},
		Bus:     BusSettings{QueueSize: 1024},
		Verbose: false,
	}
}

// LoadFile reads a YAML settings file over the given base configuration.
func LoadFile(path string, base Settings) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv loads configuration values from environment variables, overriding
// the provided settings.
func FromEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("MINDRILL_LISTEN_ADDR")); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("MINDRILL_CLEANUP_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.CleanupInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("MINDRILL_SESSION_IDLE_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.SessionIdleTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("MINDRILL_SERVER_URL")); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MINDRILL_RECONNECT_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Client.ReconnectMaxAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MINDRILL_VERBOSE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Verbose = b
		}
	}
	return cfg
}

// Option mutates settings during construction.
type Option func(*Settings)

// WithListenAddr overrides the server listen address.
func WithListenAddr(addr string) Option {
	return func(s *Settings) {
		if addr != "" {
			s.Server.ListenAddr = addr
		}
	}
}

// WithServerURL overrides the client's server URL.
func WithServerURL(url string) Option {
	return func(s *Settings) {
		if url != "" {
			s.Client.ServerURL = url
		}
	}
}

// New builds settings from defaults, the environment, and options, in that
// order.
func New(opts ...Option) Settings {
	cfg := FromEnv(Default())
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
