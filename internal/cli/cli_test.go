package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/ktunnel"
	"github.com/luciancaetano/ktunnel/internal/log"
	"github.com/luciancaetano/ktunnel/ws"
)

const waitTimeout = 3 * time.Second

// syncBuffer is a bytes.Buffer safe for the concurrent writes of listeners.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, out *syncBuffer, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), text)
	}, waitTimeout, 5*time.Millisecond, "output never contained %q:\n%s", text, out.String())
}

// run executes the command tree in the background and returns its result.
func run(ctx context.Context, in io.Reader, out *syncBuffer, args ...string) <-chan error {
	root := NewRootCommand(in, out, io.Discard)
	root.SetArgs(args)

	result := make(chan error, 1)
	go func() { result <- root.ExecuteContext(ctx) }()
	return result
}

func wait(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("command did not return")
		return nil
	}
}

func echoServer(t *testing.T) string {
	t.Helper()
	server := ws.NewServer(ws.NewServerConfig("", ws.NoRateLimit(), ws.AllOrigins(), nil, nil))
	registerEcho(server, log.Nop())

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + ws.DefaultPath
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ktunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	err := wait(t, run(context.Background(), strings.NewReader(""), &out, "version"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ktunnel "+Version)
}

func TestOpenSendsInputLines(t *testing.T) {
	t.Parallel()

	url := echoServer(t)
	in, stdin := io.Pipe()
	var out syncBuffer

	result := run(context.Background(), in, &out, "open", url, "--log-level", "error")
	waitFor(t, &out, "connected")

	_, err := io.WriteString(stdin, "hello\n\n")
	require.NoError(t, err)
	waitFor(t, &out, "speak: hello")

	require.NoError(t, stdin.Close())
	require.NoError(t, wait(t, result))
	assert.Contains(t, out.String(), "closed")
}

func TestOpenStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	url := echoServer(t)
	in, stdin := io.Pipe()
	t.Cleanup(func() { _ = stdin.Close() })
	var out syncBuffer

	ctx, cancel := context.WithCancel(context.Background())
	result := run(ctx, in, &out, "open", url)
	waitFor(t, &out, "connected")

	cancel()
	require.NoError(t, wait(t, result))
	assert.Contains(t, out.String(), "closed")
}

func TestOpenRequiresEndpoint(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	err := wait(t, run(context.Background(), strings.NewReader(""), &out, "open"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint")
}

func TestOpenReportsGivingUp(t *testing.T) {
	t.Parallel()

	url := strings.TrimSuffix(echoServer(t), ws.DefaultPath) + "/nowhere"
	cfg := writeConfig(t, `
reconnect:
  enabled: true
  initial_delay: 1ms
  max_delay: 5ms
  multiplier: 2
  max_attempts: 1
`)
	in, stdin := io.Pipe()
	t.Cleanup(func() { _ = stdin.Close() })
	var out syncBuffer

	err := wait(t, run(context.Background(), in, &out, "open", url, "--config", cfg))
	require.ErrorIs(t, err, ktunnel.ErrExhaustedRetries)
	assert.Contains(t, out.String(), "reconnecting (attempt 1)")
	assert.Contains(t, out.String(), "error:")
}

func TestOpenRejectsBadConfig(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	err := wait(t, run(context.Background(), strings.NewReader(""), &out,
		"open", "ws://localhost/ws", "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestServeEchoesSpeak(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out syncBuffer
	result := run(ctx, strings.NewReader(""), &out, "serve", "--addr", addr, "--log-level", "error")

	// The tunnel retries until the server is listening.
	tunnel := ws.NewTunnel("ws://"+addr+ws.DefaultPath, ws.WithPolicy(ws.Policy{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  50,
	}))
	defer tunnel.Close()

	opened := make(chan struct{}, 2)
	words := make(chan string, 4)
	tunnel.On(ktunnel.EventConnect, func(ktunnel.Event) { opened <- struct{}{} })
	tunnel.On(ktunnel.EventReconnect, func(ktunnel.Event) { opened <- struct{}{} })
	tunnel.On(SpeakEvent, func(e ktunnel.Event) {
		var msg Speak
		if e.Decode(&msg) == nil {
			words <- msg.Word
		}
	})
	require.NoError(t, tunnel.Open(ctx))

	select {
	case <-opened:
	case <-time.After(waitTimeout):
		t.Fatal("tunnel never opened")
	}

	require.NoError(t, tunnel.Emit(ctx, SpeakEvent, Speak{Word: "ping"}))
	select {
	case w := <-words:
		assert.Equal(t, "ping", w)
	case <-time.After(waitTimeout):
		t.Fatal("no echo")
	}

	cancel()
	require.NoError(t, wait(t, result))
}

func TestRequest(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"session":{"id":"u-1","skey":"k-1"}}`)
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-Id") != "u-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"user":"alice"}`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	t.Run("with login", func(t *testing.T) {
		t.Parallel()

		var out syncBuffer
		err := wait(t, run(context.Background(), strings.NewReader(""), &out,
			"request", ts.URL+"/user", "--login", "--login-url", ts.URL+"/login"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"user":"alice"}`, out.String())
	})

	t.Run("without session", func(t *testing.T) {
		t.Parallel()

		var out syncBuffer
		err := wait(t, run(context.Background(), strings.NewReader(""), &out, "request", ts.URL+"/user"))
		require.ErrorIs(t, err, ws.ErrSessionExpired)
		assert.Empty(t, out.String())
	})

	t.Run("url from config", func(t *testing.T) {
		t.Parallel()

		cfg := writeConfig(t, "session:\n  login_url: "+ts.URL+"/login\n  request_url: "+ts.URL+"/user\n")
		var out syncBuffer
		err := wait(t, run(context.Background(), strings.NewReader(""), &out, "request", "--login", "--config", cfg))
		require.NoError(t, err)
		assert.Contains(t, out.String(), "alice")
	})
}
