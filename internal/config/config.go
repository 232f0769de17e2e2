// Package config loads the ktunnel YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/ktunnel/internal/backoff"
	"github.com/luciancaetano/ktunnel/internal/log"
	"github.com/luciancaetano/ktunnel/internal/tunnel"
	"github.com/luciancaetano/ktunnel/internal/websocket"
)

// Config is the root of the configuration file.
type Config struct {
	Endpoint  string                    `yaml:"endpoint"`
	Log       log.Config                `yaml:"log"`
	Reconnect ReconnectConfig           `yaml:"reconnect"`
	RateLimit websocket.RateLimitConfig `yaml:"rate_limit"`
	Dial      websocket.DialConfig      `yaml:"dial"`
	Server    ServerConfig              `yaml:"server"`
	Session   SessionConfig             `yaml:"session"`
}

// ReconnectConfig controls automatic reconnection.
type ReconnectConfig struct {
	Enabled        bool `yaml:"enabled"`
	backoff.Policy `yaml:",inline"`
}

// ServerConfig configures `ktunnel serve`.
type ServerConfig struct {
	Addr      string                    `yaml:"addr"`
	Path      string                    `yaml:"path"`
	RateLimit websocket.RateLimitConfig `yaml:"rate_limit"`
}

// SessionConfig holds the session service endpoints.
type SessionConfig struct {
	LoginURL   string `yaml:"login_url"`
	RequestURL string `yaml:"request_url"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: log.DefaultConfig(),
		Reconnect: ReconnectConfig{
			Enabled: true,
			Policy:  backoff.Default(),
		},
		RateLimit: *websocket.NoRateLimit(),
		Dial:      *websocket.DefaultDialConfig(),
		Server: ServerConfig{
			Addr:      ":8080",
			Path:      websocket.DefaultPath,
			RateLimit: *websocket.DefaultRateLimitConfig(),
		},
	}
}

// Load reads path on top of Default and validates the result. An empty
// path returns the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Endpoint != "" {
		if err := validateWebSocketURL(c.Endpoint); err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); c.Log.Level != "" && err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if err := c.Reconnect.Policy.Validate(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if err := validateRateLimit(c.RateLimit); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := validateRateLimit(c.Server.RateLimit); err != nil {
		return fmt.Errorf("server.rate_limit: %w", err)
	}
	if c.Dial.PingInterval > 0 && c.Dial.ReadTimeout > 0 && c.Dial.PingInterval >= c.Dial.ReadTimeout {
		return errors.New("dial: ping_interval must be shorter than read_timeout")
	}
	if c.Server.Path != "" && !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with /", c.Server.Path)
	}
	return nil
}

// TunnelOptions builds the tunnel client options described by c.
func (c *Config) TunnelOptions(logger logrus.FieldLogger) tunnel.Options {
	rl := c.RateLimit
	dial := c.Dial
	return tunnel.Options{
		Reconnect:     c.Reconnect.Enabled,
		Policy:        c.Reconnect.Policy,
		EmitRateLimit: &rl,
		Dialer:        websocket.NewDialer(&dial),
		Logger:        logger,
	}
}

// ServerOptions builds the server configuration described by c.
func (c *Config) ServerOptions(logger logrus.FieldLogger) *websocket.ServerConfig {
	rl := c.Server.RateLimit
	dial := c.Dial
	return &websocket.ServerConfig{
		Addr:            c.Server.Addr,
		Path:            c.Server.Path,
		RateLimitConfig: &rl,
		Timeouts:        &dial,
		Logger:          logger,
	}
}

func validateWebSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q is not ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateRateLimit(rl websocket.RateLimitConfig) error {
	if !rl.Enabled {
		return nil
	}
	if rl.MessagesPerSecond <= 0 {
		return errors.New("messages_per_second must be positive")
	}
	if rl.Burst <= 0 {
		return errors.New("burst must be positive")
	}
	return nil
}
