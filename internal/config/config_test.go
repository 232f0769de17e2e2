package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/ktunnel/internal/backoff"
	"github.com/luciancaetano/ktunnel/internal/log"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ktunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, backoff.DefaultMaxAttempts, cfg.Reconnect.MaxAttempts)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.True(t, cfg.Server.RateLimit.Enabled)
}

func TestLoadEmptyPath(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
endpoint: wss://tunnel.example.com/ws
log:
  level: debug
  format: json
reconnect:
  enabled: true
  initial_delay: 250ms
  max_delay: 10s
  multiplier: 1.5
  jitter: 0.1
  max_attempts: 0
rate_limit:
  enabled: true
  messages_per_second: 20
  burst: 40
dial:
  handshake_timeout: 3s
server:
  addr: 127.0.0.1:9000
session:
  login_url: https://api.example.com/login
  request_url: https://api.example.com/user
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://tunnel.example.com/ws", cfg.Endpoint)
	assert.Equal(t, log.Config{Level: "debug", Format: "json", Output: "stderr"}, cfg.Log)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxDelay)
	assert.InDelta(t, 1.5, cfg.Reconnect.Multiplier, 1e-9)
	assert.Zero(t, cfg.Reconnect.MaxAttempts)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.EqualValues(t, 20, cfg.RateLimit.MessagesPerSecond)
	assert.Equal(t, 3*time.Second, cfg.Dial.HandshakeTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, 60*time.Second, cfg.Dial.ReadTimeout)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "https://api.example.com/login", cfg.Session.LoginURL)
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "endpoit: ws://x/ws\n"},
		{"bad duration", "reconnect:\n  initial_delay: soon\n"},
		{"http endpoint", "endpoint: http://x/ws\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"jitter out of range", "reconnect:\n  jitter: 2\n"},
		{"max below initial", "reconnect:\n  initial_delay: 5s\n  max_delay: 1s\n"},
		{"zero rate", "rate_limit:\n  enabled: true\n  burst: 1\n"},
		{"ping after read timeout", "dial:\n  read_timeout: 5s\n  ping_interval: 10s\n"},
		{"relative server path", "server:\n  path: ws\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestTunnelOptions(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Reconnect.Enabled = false
	cfg.Reconnect.MaxAttempts = 9

	opts := cfg.TunnelOptions(log.Nop())
	assert.False(t, opts.Reconnect)
	assert.Equal(t, 9, opts.Policy.MaxAttempts)
	assert.NotNil(t, opts.Dialer)
	require.NotNil(t, opts.EmitRateLimit)

	// options keep their own copy
	cfg.RateLimit.Enabled = true
	assert.False(t, opts.EmitRateLimit.Enabled)
}

func TestServerOptions(t *testing.T) {
	t.Parallel()

	cfg := Default()
	srv := cfg.ServerOptions(log.Nop())
	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, "/ws", srv.Path)
	require.NotNil(t, srv.RateLimitConfig)
	assert.True(t, srv.RateLimitConfig.Enabled)
	require.NotNil(t, srv.Timeouts)
}
