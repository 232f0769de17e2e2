package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/ktunnel"
	"github.com/luciancaetano/ktunnel/internal/protocol"
)

// Handlers receives the callbacks of one Socket. They run on the socket's
// own goroutine; implementations must not block for long.
//
// After Open, a socket reports either OnOpen, any number of OnMessage and
// then OnClose, or OnError followed by OnClose. OnClose is reported exactly
// once, including when the socket is closed locally.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Socket is the raw socket primitive the tunnel drives: asynchronous open,
// queued send, close and event callbacks.
type Socket interface {
	// ID returns a unique identifier for this connection attempt.
	ID() string

	// Open starts connecting in the background. It must be called once.
	Open(ctx context.Context)

	// Send queues data as one text message. Returns ErrConnectionClosed if
	// the socket is not open.
	Send(ctx context.Context, data []byte) error

	// Close closes the socket with a normal closure. Closing twice is a no-op.
	Close() error
}

// Dialer creates sockets. Every call returns a fresh, unopened Socket.
type Dialer interface {
	NewSocket(endpoint string, handlers Handlers) Socket
}

// DialConfig holds the client socket timeouts.
type DialConfig struct {
	// HandshakeTimeout bounds the opening handshake
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	// WriteTimeout bounds every frame and ping write
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// ReadTimeout is the time allowed between messages or pongs
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
	// PingInterval must be shorter than ReadTimeout
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	// SendBuffer is the number of outbound messages queued per socket
	SendBuffer int `json:"send_buffer" yaml:"send_buffer"`
	// Header is sent with the handshake request
	Header http.Header `json:"-" yaml:"-"`
}

// DefaultDialConfig returns the default socket configuration.
func DefaultDialConfig() *DialConfig {
	return &DialConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     54 * time.Second,
		SendBuffer:       256,
	}
}

// withDefaults returns a copy of cfg with zero values replaced by defaults.
func (cfg *DialConfig) withDefaults() *DialConfig {
	def := DefaultDialConfig()
	if cfg == nil {
		return def
	}

	out := *cfg
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = def.ReadTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = def.PingInterval
	}
	if out.SendBuffer <= 0 {
		out.SendBuffer = def.SendBuffer
	}
	return &out
}

// GorillaDialer opens sockets with github.com/gorilla/websocket.
type GorillaDialer struct {
	cfg    *DialConfig
	dialer *websocket.Dialer
}

// NewDialer creates a dialer. A nil cfg uses DefaultDialConfig.
func NewDialer(cfg *DialConfig) *GorillaDialer {
	cfg = cfg.withDefaults()
	return &GorillaDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// NewSocket implements Dialer.
func (d *GorillaDialer) NewSocket(endpoint string, handlers Handlers) Socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		id:       uuid.New().String(),
		endpoint: endpoint,
		cfg:      d.cfg,
		dialer:   d.dialer,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
		sendCh:   make(chan []byte, d.cfg.SendBuffer),
	}
}

type socket struct {
	id       string
	endpoint string
	cfg      *DialConfig
	dialer   *websocket.Dialer
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte

	mu            sync.RWMutex
	conn          *websocket.Conn
	closed        bool
	closedLocally bool
	finishOnce    sync.Once
}

func (s *socket) ID() string {
	return s.id
}

func (s *socket) Open(ctx context.Context) {
	go s.run(ctx)
}

func (s *socket) run(ctx context.Context) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, resp, err := s.dialer.DialContext(dialCtx, s.endpoint, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.fail(fmt.Errorf("%w: dial %s: %v", ktunnel.ErrConnection, s.endpoint, err))
		s.finish(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		s.finish(websocket.CloseNormalClosure, "")
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.writePump(conn)

	if s.handlers.OnOpen != nil {
		s.handlers.OnOpen()
	}

	code, reason := s.readPump(conn)
	s.finish(code, reason)
}

// Send queues data for the write pump. It never holds the lock while
// waiting for room in the queue; a dead write pump cancels s.ctx.
func (s *socket) Send(ctx context.Context, data []byte) error {
	s.mu.RLock()
	open := !s.closed && s.conn != nil
	s.mu.RUnlock()
	if !open {
		return ktunnel.ErrConnectionClosed
	}

	select {
	case <-s.ctx.Done():
		return ktunnel.ErrConnectionClosed
	default:
	}

	select {
	case s.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ktunnel.ErrConnectionClosed
	}
}

func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closedLocally = true
	s.shutdownLocked()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		// Still dialing: run observes the cancelled context and finishes.
		return nil
	}

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return conn.Close()
}

func (s *socket) shutdownLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
}

func (s *socket) fail(err error) {
	s.mu.RLock()
	local := s.closedLocally
	s.mu.RUnlock()

	if !local && s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *socket) finish(code int, reason string) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.shutdownLocked()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if s.handlers.OnClose != nil {
			s.handlers.OnClose(code, reason)
		}
	})
}

// readPump delivers inbound messages until the connection fails and
// returns the close code to report.
func (s *socket) readPump(conn *websocket.Conn) (int, string) {
	conn.SetReadLimit(protocol.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code, closeErr.Text
			}

			s.mu.RLock()
			local := s.closedLocally
			s.mu.RUnlock()
			if local {
				return websocket.CloseNormalClosure, ""
			}

			s.fail(fmt.Errorf("%w: read: %v", ktunnel.ErrConnection, err))
			return websocket.CloseAbnormalClosure, err.Error()
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(data)
		}
	}
}

// writePump pumps messages from the send channel to the websocket connection
// until the socket is shut down or a write fails.
func (s *socket) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			// Close owns the close handshake
			return

		case message := <-s.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.abort(conn)
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.abort(conn)
				return
			}
		}
	}
}

// abort wakes blocked senders and unblocks readPump, which reports the
// failure.
func (s *socket) abort(conn *websocket.Conn) {
	s.cancel()
	_ = conn.Close()
}
