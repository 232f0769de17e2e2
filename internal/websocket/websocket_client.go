package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/ktunnel"
	"github.com/luciancaetano/ktunnel/internal/protocol"
)

// Client is one tunnel connection accepted by the Server.
type Client struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan []byte
	pumpDone   chan struct{}
	timeouts   *DialConfig

	mu     sync.RWMutex
	closed bool

	limiter   *rate.Limiter // nil when rate limiting is disabled
	framesIn  atomic.Int64
	framesOut atomic.Int64
}

// ClientStats counts frames exchanged with one client.
type ClientStats struct {
	FramesIn  int64
	FramesOut int64
}

// NewClient wraps an upgraded connection and starts its write pump.
// timeouts supplies the write timeout, ping interval and queue size;
// nil uses DefaultDialConfig.
func NewClient(conn *websocket.Conn, remoteAddr string, rateLimitConfig *RateLimitConfig, timeouts *DialConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	timeouts = timeouts.withDefaults()

	client := &Client{
		id:         uuid.New().String(),
		conn:       conn,
		remoteAddr: remoteAddr,
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, timeouts.SendBuffer),
		pumpDone:   make(chan struct{}),
		timeouts:   timeouts,
		limiter:    rateLimitConfig.newLimiter(),
	}

	go client.writePump()

	return client
}

// ID returns the uuid assigned on accept.
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address.
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context is cancelled when the connection closes.
func (c *Client) Context() context.Context {
	return c.ctx
}

// Stats returns the frame counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
	}
}

// Send encodes a named frame and queues it for delivery.
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return c.SendFrame(ctx, data)
}

// SendFrame queues an already encoded frame. Broadcasts encode once and
// share the bytes between clients.
func (c *Client) SendFrame(ctx context.Context, data []byte) error {
	if !c.IsAlive() {
		return ktunnel.ErrConnectionClosed
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ktunnel.ErrConnectionClosed
	case <-c.pumpDone:
		return ktunnel.ErrConnectionClosed
	}
}

// Close closes the connection with a normal closure.
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close frame with code and reason, then closes the
// connection. The tunnel on the other side treats anything it did not
// initiate as a drop and reconnects.
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)

	return c.conn.Close()
}

// IsAlive reports whether the connection is still open.
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// allowFrame counts an inbound frame and applies the rate limit.
func (c *Client) allowFrame() bool {
	c.framesIn.Add(1)
	return c.limiter == nil || c.limiter.Allow()
}

// writePump drains the send queue until the client is closed. A failed
// write closes the connection, which ends the read loop in handleClient.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.timeouts.PingInterval)
	defer func() {
		ticker.Stop()
		close(c.pumpDone)
	}()

	for {
		select {
		case frame := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = c.conn.Close()
				return
			}
			c.framesOut.Add(1)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}

		case <-c.ctx.Done():
			// CloseWithCode owns the close handshake
			return
		}
	}
}
