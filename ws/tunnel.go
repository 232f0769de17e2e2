// Package ws is the public entry point: tunnel clients, the tunnel server,
// configuration loading and the session requester.
package ws

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/luciancaetano/ktunnel"
	"github.com/luciancaetano/ktunnel/internal/backoff"
	"github.com/luciancaetano/ktunnel/internal/config"
	"github.com/luciancaetano/ktunnel/internal/log"
	"github.com/luciancaetano/ktunnel/internal/session"
	"github.com/luciancaetano/ktunnel/internal/tunnel"
	"github.com/luciancaetano/ktunnel/internal/websocket"
)

type Config = config.Config
type Policy = backoff.Policy
type Dialer = websocket.Dialer
type DialConfig = websocket.DialConfig
type Socket = websocket.Socket
type SocketHandlers = websocket.Handlers

type Session = session.Session
type SessionStore = session.Store
type Requester = session.Requester
type RequestOptions = session.RequestOptions

// Session errors returned by Requester.
var (
	ErrLoginFailed    = session.ErrLoginFailed
	ErrSessionExpired = session.ErrSessionExpired
)

// Option customizes NewTunnel.
type Option func(*tunnelOptions)

type tunnelOptions struct {
	cfg    *config.Config
	logger logrus.FieldLogger
	dialer websocket.Dialer
	edits  []func(*tunnel.Options)
}

// WithConfig takes reconnect, rate limit and dial settings from cfg. The
// endpoint in cfg is used when NewTunnel gets an empty one.
func WithConfig(cfg *Config) Option {
	return func(o *tunnelOptions) { o.cfg = cfg }
}

// WithLogger sets the logger. Tunnels are silent by default.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *tunnelOptions) { o.logger = logger }
}

// WithDialer replaces the gorilla dialer, mostly for tests.
func WithDialer(d Dialer) Option {
	return func(o *tunnelOptions) { o.dialer = d }
}

// WithReconnect turns automatic reconnection on or off.
func WithReconnect(enabled bool) Option {
	return func(o *tunnelOptions) {
		o.edits = append(o.edits, func(opts *tunnel.Options) { opts.Reconnect = enabled })
	}
}

// WithPolicy sets the reconnect backoff policy.
func WithPolicy(p Policy) Option {
	return func(o *tunnelOptions) {
		o.edits = append(o.edits, func(opts *tunnel.Options) { opts.Policy = p })
	}
}

// WithStateObserver is called on every state transition with the state lock
// held. It must not call back into the tunnel.
func WithStateObserver(fn func(from, to ktunnel.State)) Option {
	return func(o *tunnelOptions) {
		o.edits = append(o.edits, func(opts *tunnel.Options) { opts.OnStateChange = fn })
	}
}

// NewTunnel creates a tunnel for endpoint. It does not connect until Open.
//
// Example:
//
//	tunnel := ws.NewTunnel("wss://example.com/ws", ws.WithLogger(logger))
//	tunnel.On("speak", onSpeak)
//	if err := tunnel.Open(ctx); err != nil {
//	    return err
//	}
//	defer tunnel.Close()
func NewTunnel(endpoint string, opts ...Option) ktunnel.Tunnel {
	var o tunnelOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = config.Default()
	}
	if endpoint == "" {
		endpoint = cfg.Endpoint
	}

	logger := o.logger
	if logger == nil {
		logger = log.Nop()
	}

	topts := cfg.TunnelOptions(logger)
	if o.dialer != nil {
		topts.Dialer = o.dialer
	}
	for _, edit := range o.edits {
		edit(&topts)
	}

	return tunnel.New(endpoint, topts)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultPolicy returns the default reconnect policy.
func DefaultPolicy() Policy {
	return backoff.Default()
}

// NewDialer returns the gorilla based socket dialer. A nil cfg uses the
// default timeouts.
func NewDialer(cfg *DialConfig) Dialer {
	return websocket.NewDialer(cfg)
}

// NewSessionStore returns an empty session store.
func NewSessionStore() *SessionStore {
	return session.NewStore()
}

// NewRequester returns a requester logging in at loginURL. A nil client uses
// http.DefaultClient.
func NewRequester(loginURL string, store *SessionStore, client *http.Client, logger logrus.FieldLogger) *Requester {
	return &session.Requester{
		LoginURL:   loginURL,
		Store:      store,
		HTTPClient: client,
		Logger:     logger,
	}
}
