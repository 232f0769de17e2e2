package ws_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/ktunnel"
	"github.com/luciancaetano/ktunnel/ws"
)

// TestStressConcurrentTunnels opens many tunnels against one server and has
// every tunnel speak to all others.
func TestStressConcurrentTunnels(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	const (
		numTunnels        = 100
		messagesPerTunnel = 5
	)

	server := ws.NewServer(ws.NewServerConfig("", &ws.RateLimitConfig{
		MessagesPerSecond: 1000,
		Burst:             2000,
		Enabled:           true,
	}, ws.AllOrigins(), nil, nil))
	server.On("speak", func(_ *ws.Client, payload json.RawMessage) {
		_ = server.Broadcast(context.Background(), "speak", payload)
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + ws.DefaultPath

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var (
		received atomic.Int64
		opened   sync.WaitGroup
		tunnels  = make([]ktunnel.Tunnel, numTunnels)
	)

	opened.Add(numTunnels)
	for i := range tunnels {
		tunnel := ws.NewTunnel(url)
		var once sync.Once
		tunnel.On(ktunnel.EventConnect, func(ktunnel.Event) { once.Do(opened.Done) })
		tunnel.On("speak", func(ktunnel.Event) { received.Add(1) })
		require.NoError(t, tunnel.Open(ctx))
		tunnels[i] = tunnel
	}
	defer func() {
		for _, tunnel := range tunnels {
			_ = tunnel.Close()
		}
	}()

	waitGroup(t, &opened, 30*time.Second)
	require.Eventually(t, func() bool { return len(server.Clients()) == numTunnels }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	var senders sync.WaitGroup
	var sent atomic.Int64
	for i, tunnel := range tunnels {
		i, tunnel := i, tunnel
		senders.Add(1)
		go func() {
			defer senders.Done()
			for j := 0; j < messagesPerTunnel; j++ {
				if err := tunnel.Emit(ctx, "speak", map[string]string{"word": fmt.Sprintf("%d-%d", i, j)}); err == nil {
					sent.Add(1)
				}
			}
		}()
	}
	senders.Wait()

	want := sent.Load() * numTunnels
	assert.Eventually(t, func() bool { return received.Load() >= want*95/100 }, 30*time.Second, 50*time.Millisecond,
		"received %d of %d broadcast frames", received.Load(), want)

	t.Logf("tunnels=%d sent=%d received=%d duration=%v", numTunnels, sent.Load(), received.Load(), time.Since(start))
}

func waitGroup(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for tunnels")
	}
}
