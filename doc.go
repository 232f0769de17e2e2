// Package ktunnel provides a persistent, auto-reconnecting WebSocket tunnel for
// exchanging named messages with a server.
//
// A tunnel wraps one logical connection. It opens a WebSocket, tracks the
// connection through its lifecycle, detects unexpected drops, reconnects with
// exponential backoff and layers a named-message publish/subscribe protocol on
// top of the raw socket.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/ktunnel"
//	    "github.com/luciancaetano/ktunnel/ws"
//	)
//
//	tunnel := ws.NewTunnel("ws://localhost:8080/ws")
//
//	// Lifecycle events
//	tunnel.On(ktunnel.EventConnect, func(ktunnel.Event) { log.Println("connected") })
//	tunnel.On(ktunnel.EventReconnecting, func(e ktunnel.Event) { log.Println("retry", e.Attempt) })
//	tunnel.On(ktunnel.EventError, func(e ktunnel.Event) { log.Println("error:", e.Err) })
//
//	// Messages pushed by the server
//	tunnel.On("speak", func(e ktunnel.Event) {
//	    var msg struct{ Word string `json:"word"` }
//	    if err := e.Decode(&msg); err == nil {
//	        log.Println(msg.Word)
//	    }
//	})
//
//	tunnel.Open(ctx)
//
//	if tunnel.IsActive() {
//	    tunnel.Emit(ctx, "speak", map[string]string{"word": "hi"})
//	}
//
// # Protocol Format
//
// Every message is one WebSocket text message holding a JSON object:
//
//	{"event": "speak", "payload": {"word": "hi"}}
//
// The payload is any JSON value. Maximum frame size: 10MB. Malformed frames
// are dropped and logged; they never close the connection.
//
// # Lifecycle
//
//	IDLE -> CONNECTING -> OPEN -> (RECONNECTING <-> CONNECTING)* -> CLOSED
//
// The tunnel emits connect on the first successful open, reconnecting (with
// the attempt number) before every retry, reconnect when a retry succeeds,
// error when the reconnect policy gives up and close when the caller closes
// the tunnel. A closed tunnel is terminal.
//
// # Reconnection
//
// Delays grow exponentially from InitialDelay up to MaxDelay with optional
// jitter. The attempt counter resets after every successful open. After
// MaxAttempts consecutive failures the tunnel moves to CLOSED and emits error
// with ErrExhaustedRetries.
//
// # Concurrency
//
// Each tunnel runs one event loop goroutine. Socket callbacks, retry timers
// and listener dispatch all run on it, so listeners for one tunnel never run
// concurrently. Listeners may call Emit, On, Off and Close. A panicking
// listener is recovered and does not stop the remaining listeners.
//
// # Important
//
//   - Check IsActive before Emit, or handle ErrNotConnected
//   - Do not block inside listeners; they hold up the event loop
//   - The tunnel adds no transport security; use wss:// endpoints
package ktunnel
