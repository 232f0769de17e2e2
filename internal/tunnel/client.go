// Package tunnel implements the reconnecting tunnel client: the connection
// state machine, frame routing and lifecycle events.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/ktunnel"
	"github.com/luciancaetano/ktunnel/internal/backoff"
	"github.com/luciancaetano/ktunnel/internal/eventbus"
	"github.com/luciancaetano/ktunnel/internal/log"
	"github.com/luciancaetano/ktunnel/internal/protocol"
	"github.com/luciancaetano/ktunnel/internal/websocket"
)

// Options configures a Client. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// Reconnect enables automatic reconnection after unexpected drops.
	Reconnect bool
	// Policy computes retry delays and the attempt limit.
	Policy backoff.Policy
	// EmitRateLimit throttles Emit; nil or disabled means unlimited.
	EmitRateLimit *websocket.RateLimitConfig
	// Dialer creates the sockets. Defaults to a gorilla dialer.
	Dialer websocket.Dialer
	// Logger defaults to a discarding logger.
	Logger logrus.FieldLogger
	// OnStateChange observes every transition. It runs with the state lock
	// held and must not call back into the client.
	OnStateChange func(from, to ktunnel.State)
}

// DefaultOptions returns reconnecting options with the default policy.
func DefaultOptions() Options {
	return Options{
		Reconnect: true,
		Policy:    backoff.Default(),
	}
}

// Client is a tunnel over one logical connection. See ktunnel.Tunnel.
type Client struct {
	endpoint string
	opts     Options
	dialer   websocket.Dialer
	bus      *eventbus.Bus
	log      logrus.FieldLogger
	limiter  *rate.Limiter

	mu           sync.RWMutex
	state        ktunnel.State
	sock         websocket.Socket
	gen          uint64
	attempts     int
	closedByUser bool
	everOpened   bool
	lastErr      error
	timer        *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc

	queue    *taskQueue
	done     chan struct{}
	doneOnce sync.Once
}

var _ ktunnel.Tunnel = (*Client)(nil)

// New creates an idle client for endpoint.
func New(endpoint string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.NewDialer(nil)
	}

	logger := opts.Logger.WithField("endpoint", endpoint)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		endpoint: endpoint,
		opts:     opts,
		dialer:   opts.Dialer,
		bus:      eventbus.New(logger),
		log:      logger,
		state:    ktunnel.StateIdle,
		ctx:      ctx,
		cancel:   cancel,
		queue:    newTaskQueue(),
		done:     make(chan struct{}),
	}

	if opts.EmitRateLimit != nil && opts.EmitRateLimit.Enabled {
		c.limiter = rate.NewLimiter(opts.EmitRateLimit.MessagesPerSecond, opts.EmitRateLimit.Burst)
	}
	return c
}

// Endpoint returns the address the client connects to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Open starts the event loop and the first connection attempt.
// ctx supplies values for the sockets; its cancellation does not close the
// tunnel, use Close for that.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != ktunnel.StateIdle {
		c.mu.Unlock()
		return ktunnel.ErrAlreadyOpened
	}
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.setStateLocked(ktunnel.StateConnecting)
	c.mu.Unlock()

	go c.loop()
	c.post(c.connect)
	return nil
}

// Close closes the tunnel. Pending retries are cancelled, the current socket
// is closed and close is the last event delivered.
func (c *Client) Close() error {
	c.mu.Lock()
	switch c.state {
	case ktunnel.StateClosed:
		c.mu.Unlock()
		return nil
	case ktunnel.StateIdle:
		c.closedByUser = true
		c.setStateLocked(ktunnel.StateClosed)
		c.cancel()
		c.mu.Unlock()
		c.queue.stop()
		c.closeDone()
		return nil
	}

	c.closedByUser = true
	c.gen++ // every queued task of the old socket is now inert
	c.stopTimerLocked()
	sock := c.sock
	c.sock = nil
	c.setStateLocked(ktunnel.StateClosed)
	c.cancel()
	c.mu.Unlock()

	var err error
	if sock != nil {
		err = sock.Close()
		c.log.WithField("conn_id", sock.ID()).Debug("socket closed by caller")
	}

	c.post(func() {
		c.bus.Dispatch(ktunnel.Event{Name: ktunnel.EventClose, Origin: ktunnel.OriginLifecycle})
		c.queue.stop()
	})
	return err
}

// IsActive reports whether the tunnel is open.
func (c *Client) IsActive() bool {
	return c.State() == ktunnel.StateOpen
}

// State returns the current state.
func (c *Client) State() ktunnel.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempts returns the number of retries scheduled since the last
// successful open.
func (c *Client) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// Done is closed when the client reached CLOSED and delivered its final event.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// On registers listener for event.
func (c *Client) On(event string, listener ktunnel.Listener) ktunnel.Subscription {
	return c.bus.On(event, listener)
}

// Once registers listener for the next occurrence of event only.
func (c *Client) Once(event string, listener ktunnel.Listener) ktunnel.Subscription {
	return c.bus.Once(event, listener)
}

// Off removes a registration.
func (c *Client) Off(sub ktunnel.Subscription) {
	c.bus.Off(sub)
}

// Emit writes one frame. It fails with ErrNotConnected unless the tunnel is
// open, and writes nothing in that case.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	if !c.IsActive() {
		return ktunnel.ErrNotConnected
	}

	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	c.mu.RLock()
	sock := c.sock
	open := c.state == ktunnel.StateOpen
	c.mu.RUnlock()
	if !open || sock == nil {
		return ktunnel.ErrNotConnected
	}

	if err := sock.Send(ctx, data); err != nil {
		if errors.Is(err, ktunnel.ErrConnectionClosed) {
			return ktunnel.ErrNotConnected
		}
		return err
	}
	return nil
}

func (c *Client) post(task func()) {
	c.queue.push(task)
}

// loop runs every task of this client, one at a time.
func (c *Client) loop() {
	defer c.closeDone()

	for {
		<-c.queue.wake
		c.drain()
		if c.queue.isStopped() {
			c.drain()
			return
		}
	}
}

func (c *Client) drain() {
	for {
		task, ok := c.queue.next()
		if !ok {
			return
		}
		task()
	}
}

func (c *Client) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// connect replaces the socket with a fresh one and opens it.
func (c *Client) connect() {
	c.mu.Lock()
	if c.closedByUser || c.state != ktunnel.StateConnecting {
		c.mu.Unlock()
		return
	}

	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}

	c.gen++
	gen := c.gen
	c.lastErr = nil
	sock := c.dialer.NewSocket(c.endpoint, websocket.Handlers{
		OnOpen: func() {
			c.post(func() { c.handleOpen(gen) })
		},
		OnMessage: func(data []byte) {
			c.post(func() { c.handleMessage(gen, data) })
		},
		OnError: func(err error) {
			c.post(func() { c.handleError(gen, err) })
		},
		OnClose: func(code int, reason string) {
			c.post(func() { c.handleClose(gen, code, reason) })
		},
	})
	c.sock = sock
	ctx := c.ctx
	c.mu.Unlock()

	c.log.WithField("conn_id", sock.ID()).Debug("connecting")
	sock.Open(ctx)
}

func (c *Client) handleOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != ktunnel.StateConnecting {
		c.mu.Unlock()
		return
	}

	name := ktunnel.EventConnect
	if c.everOpened {
		name = ktunnel.EventReconnect
	}
	c.everOpened = true
	c.attempts = 0
	c.setStateLocked(ktunnel.StateOpen)
	connID := c.sock.ID()
	c.mu.Unlock()

	c.log.WithField("conn_id", connID).Info("tunnel open")
	c.emitLifecycle(gen, ktunnel.Event{Name: name})
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	if !c.current(gen, ktunnel.StateOpen) {
		return
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		c.log.WithError(err).WithField("size", len(data)).Warn("dropping inbound frame")
		return
	}

	c.bus.Dispatch(ktunnel.Event{
		Name:    frame.Event,
		Origin:  ktunnel.OriginRemote,
		Payload: frame.Payload,
	})
}

func (c *Client) handleError(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.lastErr = err
	c.log.WithError(err).Debug("socket error")
}

// handleClose decides between retrying and giving up after a socket went
// away without the caller asking for it.
func (c *Client) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.closedByUser {
		c.mu.Unlock()
		return
	}

	prev := c.state
	c.sock = nil
	cause := c.lastErr
	if cause == nil {
		cause = fmt.Errorf("%w: socket closed (code %d) %s", ktunnel.ErrConnection, code, reason)
	}
	logger := c.log.WithFields(logrus.Fields{"code": code, "state": prev.String()})

	if !c.opts.Reconnect {
		c.setStateLocked(ktunnel.StateClosed)
		c.cancel()
		c.mu.Unlock()

		logger.WithError(cause).Info("tunnel closed, reconnect disabled")
		if prev == ktunnel.StateOpen {
			c.emitTerminal(ktunnel.Event{Name: ktunnel.EventClose})
		} else {
			c.emitTerminal(ktunnel.Event{Name: ktunnel.EventError, Err: cause})
		}
		return
	}

	delay, ok := c.opts.Policy.Next(c.attempts)
	if !ok {
		attempts := c.attempts
		c.setStateLocked(ktunnel.StateClosed)
		c.cancel()
		c.mu.Unlock()

		err := fmt.Errorf("%w after %d attempts: %w", ktunnel.ErrExhaustedRetries, attempts, cause)
		logger.WithError(err).Error("giving up on tunnel")
		c.emitTerminal(ktunnel.Event{Name: ktunnel.EventError, Err: err})
		return
	}

	c.attempts++
	attempt := c.attempts
	c.setStateLocked(ktunnel.StateReconnecting)
	c.timer = time.AfterFunc(delay, func() {
		c.post(func() { c.retry(gen) })
	})
	c.mu.Unlock()

	logger.WithError(cause).WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Warn("tunnel dropped, reconnecting")
	c.emitLifecycle(gen, ktunnel.Event{Name: ktunnel.EventReconnecting, Attempt: attempt})
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closedByUser || c.state != ktunnel.StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setStateLocked(ktunnel.StateConnecting)
	c.mu.Unlock()

	c.connect()
}

// current reports whether gen is the live socket and the state matches.
func (c *Client) current(gen uint64, state ktunnel.State) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gen == c.gen && c.state == state
}

// emitLifecycle dispatches ev unless a Close superseded gen meanwhile.
func (c *Client) emitLifecycle(gen uint64, ev ktunnel.Event) {
	c.mu.RLock()
	stale := gen != c.gen || c.closedByUser
	c.mu.RUnlock()
	if stale {
		return
	}

	ev.Origin = ktunnel.OriginLifecycle
	c.bus.Dispatch(ev)
}

// emitTerminal dispatches the final event and stops the loop.
func (c *Client) emitTerminal(ev ktunnel.Event) {
	ev.Origin = ktunnel.OriginLifecycle
	c.bus.Dispatch(ev)
	c.queue.stop()
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) setStateLocked(to ktunnel.State) {
	from := c.state
	if !validTransition(from, to) {
		c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Error("invalid state transition")
		return
	}
	c.state = to
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}
