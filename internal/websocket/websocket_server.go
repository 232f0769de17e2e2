package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/ktunnel"
	"github.com/luciancaetano/ktunnel/internal/log"
	"github.com/luciancaetano/ktunnel/internal/protocol"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after the handshake completes and before the read
// loop starts. It runs synchronously; long work delays the client's frames.
type OnConnectFn = func(client *Client)

// OnClientDisconnectFn is called once a client is gone. voluntary is true
// when the connection was closed from this side (Stop, CloseClient, rate
// limit) and false when the peer dropped.
type OnClientDisconnectFn = func(client *Client, voluntary bool)

// HandlerFn handles one inbound frame. Handlers for a client run on that
// client's read goroutine, in arrival order.
type HandlerFn = func(client *Client, payload json.RawMessage)

// DefaultPath is the path the server upgrades on.
const DefaultPath = "/ws"

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr               string
	Path               string
	RateLimitConfig    *RateLimitConfig
	CheckOrigin        CheckOriginFn
	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn
	Timeouts           *DialConfig
	Logger             logrus.FieldLogger
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a client can send per second
	MessagesPerSecond rate.Limit `json:"messages_per_second" yaml:"messages_per_second"`
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int `json:"burst" yaml:"burst"`
	// Enabled determines if rate limiting is active
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// newLimiter returns nil when rate limiting is disabled.
func (c *RateLimitConfig) newLimiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// Server accepts tunnel connections and routes their frames to handlers
// registered by event name.
type Server struct {
	addr     string
	path     string
	server   *http.Server
	listener net.Listener
	clients  sync.Map // map[string]*Client
	handlers sync.Map // map[string]HandlerFn

	rateLimitConfig *RateLimitConfig
	timeouts        *DialConfig
	log             logrus.FieldLogger

	mu           sync.RWMutex
	running      bool
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnClientDisconnectFn
}

// NewServer creates a server. A nil RateLimitConfig uses
// DefaultRateLimitConfig; an empty Path uses DefaultPath.
func NewServer(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Server{
		addr:            cfg.Addr,
		path:            cfg.Path,
		rateLimitConfig: cfg.RateLimitConfig,
		timeouts:        cfg.Timeouts.withDefaults(),
		log:             cfg.Logger,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnClientDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Handler returns the HTTP handler serving the upgrade path. It can be
// mounted on any mux or httptest server without calling Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ktunnel.ErrServerAlreadyRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("tunnel server stopped")
		}
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("tunnel server listening")
	return nil
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			_ = client.CloseWithCode(ctx, websocket.CloseGoingAway, "server stopping")
		}
		return true
	})

	return srv.Shutdown(ctx)
}

// On registers the handler for frames named event, replacing any previous one.
func (s *Server) On(event string, handler HandlerFn) {
	s.handlers.Store(event, handler)
}

// handleWebSocket upgrades the request and runs the client's read loop
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.rateLimitConfig, s.timeouts)
	s.clients.Store(client.ID(), client)

	go s.handleClient(client)
}

// handleClient reads frames from a connected client until it goes away
func (s *Server) handleClient(client *Client) {
	logger := s.log.WithFields(logrus.Fields{
		"client_id":   client.ID(),
		"remote_addr": client.RemoteAddr(),
	})

	defer func() {
		voluntary := client.Context().Err() == context.Canceled

		s.clients.Delete(client.ID())
		if s.onDisconnect != nil {
			s.onDisconnect(client, voluntary)
		}
		_ = client.Close(context.Background())
		logger.WithField("voluntary", voluntary).Debug("client disconnected")
	}()

	client.conn.SetReadLimit(protocol.MaxFrameSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(s.timeouts.ReadTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(s.timeouts.ReadTimeout))
	})

	logger.Debug("client connected")
	if s.onConnect != nil {
		s.onConnect(client)
	}

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithError(err).Warn("unexpected websocket close")
			}
			return
		}

		_ = client.conn.SetReadDeadline(time.Now().Add(s.timeouts.ReadTimeout))

		if !client.allowFrame() {
			logger.Warn("rate limit exceeded")
			_ = client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "Rate limit exceeded")
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			logger.WithError(err).Warn("closing client after malformed frame")
			_ = client.CloseWithCode(context.Background(), websocket.CloseProtocolError, ktunnel.ErrMsgMalformedFrame)
			return
		}

		s.dispatch(client, frame)
	}
}

// dispatch runs the handler registered for the frame's event.
// Frames without a handler are ignored.
func (s *Server) dispatch(client *Client, frame protocol.Frame) {
	handler, ok := s.handlers.Load(frame.Event)
	if !ok {
		return
	}
	if fn, ok := handler.(HandlerFn); ok {
		fn(client, frame.Payload)
	}
}

// GetClient returns a client by ID
func (s *Server) GetClient(id string) (*Client, bool) {
	if client, ok := s.clients.Load(id); ok {
		return client.(*Client), true
	}
	return nil, false
}

// Clients returns the currently connected clients.
func (s *Server) Clients() []*Client {
	var out []*Client
	s.clients.Range(func(_, value interface{}) bool {
		out = append(out, value.(*Client))
		return true
	})
	return out
}

// SendTo sends a frame to one client.
func (s *Server) SendTo(ctx context.Context, clientID, event string, payload any) error {
	client, ok := s.GetClient(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ktunnel.ErrClientNotFound, clientID)
	}
	return client.Send(ctx, event, payload)
}

// CloseClient closes one client's connection with the given code.
func (s *Server) CloseClient(ctx context.Context, clientID string, code int, reason string) error {
	client, ok := s.GetClient(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ktunnel.ErrClientNotFound, clientID)
	}
	return client.CloseWithCode(ctx, code, reason)
}

// Broadcast sends a frame to every connected client. The frame is encoded
// once; delivery failures to single clients are logged and skipped.
func (s *Server) Broadcast(ctx context.Context, event string, payload any) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	s.clients.Range(func(_, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			if err := client.SendFrame(ctx, data); err != nil {
				s.log.WithField("client_id", client.ID()).WithError(err).Debug("broadcast skipped client")
			}
		}
		return true
	})
	return nil
}
