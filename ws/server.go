package ws

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/luciancaetano/ktunnel/internal/websocket"
)

type Server = websocket.Server
type Client = websocket.Client
type ClientStats = websocket.ClientStats
type HandlerFn = websocket.HandlerFn
type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnClientDisconnectFn
type ServerConfig = *websocket.ServerConfig

// DefaultPath is the path servers upgrade on unless configured otherwise.
const DefaultPath = websocket.DefaultPath

// NewServer creates a tunnel server. Register handlers with On before
// calling Start, or mount Handler on an existing mux.
//
// Example:
//
//	server := ws.NewServer(ws.NewServerConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil))
//	server.On("speak", func(client *ws.Client, payload json.RawMessage) {
//	    _ = server.Broadcast(ctx, "speak", payload)
//	})
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
func NewServer(cfg ServerConfig) *Server {
	return websocket.NewServer(cfg)
}

// NewServerConfig builds a server configuration.
//
// Parameters:
//   - addr: The listen address (e.g., ":8080" or "localhost:8080")
//   - rateLimitConfig: Per-client rate limit. Use DefaultRateLimitConfig() or NoRateLimit()
//   - checkOrigin: Origin validation. Use AllOrigins() to allow all (dev only)
//   - onConnect: Optional, called after the handshake and before the first frame is read
//   - onDisconnect: Optional, called once the client is gone
func NewServerConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	return &websocket.ServerConfig{
		Addr:               addr,
		RateLimitConfig:    rateLimitConfig,
		CheckOrigin:        checkOrigin,
		OnConnect:          onConnect,
		OnClientDisconnect: onDisconnect,
	}
}

// NewServerFromConfig builds a server from the server section of cfg.
func NewServerFromConfig(cfg *Config, logger logrus.FieldLogger) *Server {
	return websocket.NewServer(cfg.ServerOptions(logger))
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
