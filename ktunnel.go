package ktunnel

import (
	"context"
	"encoding/json"
	"fmt"
)

// State is the connection state of a Tunnel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Origin tells where a dispatched Event came from.
type Origin int

const (
	// OriginLifecycle marks events generated by the tunnel itself
	// (connect, close, reconnecting, reconnect, error).
	OriginLifecycle Origin = iota
	// OriginRemote marks events decoded from an inbound frame.
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "lifecycle"
}

// Event is the value delivered to listeners.
//
// Lifecycle events and remote frames share one name space. A server may push
// a frame named "close"; listeners that care can tell the two apart through
// Origin.
type Event struct {
	Name   string
	Origin Origin

	// Payload is the raw JSON payload of a remote frame. Empty for
	// lifecycle events.
	Payload json.RawMessage

	// Attempt is set on "reconnecting" events.
	Attempt int

	// Err is set on "error" events.
	Err error
}

// Decode unmarshals the event payload into v. An empty payload decodes as
// JSON null and leaves v unchanged.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal(nullPayload, v)
	}
	return json.Unmarshal(e.Payload, v)
}

var nullPayload = json.RawMessage("null")

// Listener receives dispatched events.
type Listener func(Event)

// Subscription identifies one listener registration.
type Subscription interface {
	// Event returns the event name the listener was registered for.
	Event() string

	// Cancel removes the registration. Cancelling twice is a no-op.
	Cancel()
}

// Tunnel is a persistent bidirectional connection to a remote endpoint that
// survives transient drops by reconnecting.
//
// Example usage:
//
//	tunnel := ws.NewTunnel("ws://localhost:8080/ws")
//
//	tunnel.On(ktunnel.EventConnect, func(ktunnel.Event) { log.Println("connected") })
//	tunnel.On("speak", func(e ktunnel.Event) {
//	    var msg struct{ Word string `json:"word"` }
//	    _ = e.Decode(&msg)
//	})
//
//	if err := tunnel.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer tunnel.Close()
type Tunnel interface {
	// Open starts connecting. It returns immediately; the outcome is
	// reported through the connect, reconnecting and error events.
	//
	// Returns ErrAlreadyOpened if Open was called before.
	Open(ctx context.Context) error

	// Close closes the tunnel for good. Pending retries are cancelled and
	// the only event delivered afterwards is close.
	Close() error

	// IsActive reports whether the tunnel is open and Emit can succeed.
	IsActive() bool

	// State returns the current connection state.
	State() State

	// On registers a listener for the named event. Listeners run in
	// registration order on the tunnel's event loop.
	On(event string, listener Listener) Subscription

	// Off removes a registration made with On.
	Off(sub Subscription)

	// Emit sends a named message with a JSON-encodable payload.
	//
	// Returns ErrNotConnected if the tunnel is not open; nothing is written
	// in that case.
	Emit(ctx context.Context, event string, payload any) error

	// Done is closed once the tunnel reached its terminal state and the
	// final lifecycle event was delivered.
	Done() <-chan struct{}
}
