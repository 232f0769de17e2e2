package tunnel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/ktunnel"
	"github.com/luciancaetano/ktunnel/internal/backoff"
	"github.com/luciancaetano/ktunnel/internal/websocket"
)

const waitTimeout = 2 * time.Second

// fakeDialer hands out fakeSockets and reports every opened one.
type fakeDialer struct {
	mu     sync.Mutex
	count  int
	opened chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeSocket, 64)}
}

func (d *fakeDialer) NewSocket(endpoint string, handlers websocket.Handlers) websocket.Socket {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.count++
	s := &fakeSocket{
		id:       fmt.Sprintf("fake-%d", d.count),
		handlers: handlers,
		dialer:   d,
	}
	return s
}

// next waits for the next socket the client opens.
func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.opened:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a socket to open")
		return nil
	}
}

// expectNoSocket fails if a socket is opened within d.
func (d *fakeDialer) expectNoSocket(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case s := <-d.opened:
		t.Fatalf("unexpected socket %s opened", s.id)
	case <-time.After(wait):
	}
}

type fakeSocket struct {
	id       string
	handlers websocket.Handlers
	dialer   *fakeDialer

	mu        sync.Mutex
	connected bool
	closed    bool
	sent      [][]byte
	closeOnce sync.Once
}

func (s *fakeSocket) ID() string { return s.id }

func (s *fakeSocket) Open(ctx context.Context) {
	s.dialer.opened <- s
}

func (s *fakeSocket) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closed {
		return ktunnel.ErrConnectionClosed
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.connected = false
	s.mu.Unlock()
	s.reportClose(1000, "")
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// accept completes the handshake.
func (s *fakeSocket) accept() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.handlers.OnOpen()
}

// refuse fails the handshake.
func (s *fakeSocket) refuse() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.handlers.OnError(fmt.Errorf("%w: connection refused", ktunnel.ErrConnection))
	s.reportClose(1006, "refused")
}

// drop simulates the peer going away.
func (s *fakeSocket) drop() {
	s.mu.Lock()
	s.closed = true
	s.connected = false
	s.mu.Unlock()
	s.reportClose(1006, "dropped")
}

func (s *fakeSocket) deliver(data string) {
	s.handlers.OnMessage([]byte(data))
}

func (s *fakeSocket) reportClose(code int, reason string) {
	s.closeOnce.Do(func() { s.handlers.OnClose(code, reason) })
}

// recorder collects dispatched events.
type recorder struct {
	events chan ktunnel.Event
}

func record(c *Client, names ...string) *recorder {
	r := &recorder{events: make(chan ktunnel.Event, 128)}
	names = append(names,
		ktunnel.EventConnect,
		ktunnel.EventClose,
		ktunnel.EventReconnecting,
		ktunnel.EventReconnect,
		ktunnel.EventError,
	)
	for _, name := range names {
		c.On(name, func(e ktunnel.Event) { r.events <- e })
	}
	return r
}

func (r *recorder) expect(t *testing.T, name string) ktunnel.Event {
	t.Helper()
	select {
	case e := <-r.events:
		require.Equal(t, name, e.Name, "unexpected event %+v", e)
		return e
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %q", name)
		return ktunnel.Event{}
	}
}

func (r *recorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("unexpected event %q (%s)", e.Name, e.Origin)
	case <-time.After(wait):
	}
}

func fastPolicy(maxAttempts int) backoff.Policy {
	return backoff.Policy{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  maxAttempts,
	}
}

func newTestClient(t *testing.T, mutate func(*Options)) (*Client, *fakeDialer) {
	t.Helper()

	dialer := newFakeDialer()
	opts := DefaultOptions()
	opts.Policy = fastPolicy(3)
	opts.Dialer = dialer
	if mutate != nil {
		mutate(&opts)
	}

	c := New("ws://tunnel.test/ws", opts)
	t.Cleanup(func() { _ = c.Close() })
	return c, dialer
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client did not finish")
	}
}
