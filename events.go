package ktunnel

import "errors"

// Lifecycle event names. They are generated by the tunnel and delivered
// through the same listeners as remote frames.
const (
	EventConnect      = "connect"
	EventClose        = "close"
	EventReconnecting = "reconnecting"
	EventReconnect    = "reconnect"
	EventError        = "error"
)

// IsLifecycleEvent reports whether name is one of the reserved lifecycle
// event names.
func IsLifecycleEvent(name string) bool {
	switch name {
	case EventConnect, EventClose, EventReconnecting, EventReconnect, EventError:
		return true
	}
	return false
}

// Standard error messages
const (
	// Tunnel errors
	ErrMsgNotConnected     = "tunnel is not connected"
	ErrMsgAlreadyOpened    = "tunnel already opened"
	ErrMsgConnection       = "connection failed"
	ErrMsgExhaustedRetries = "reconnect attempts exhausted"
	ErrMsgInvalidEvent     = "event name must not be empty"

	// Protocol errors
	ErrMsgMalformedFrame  = "malformed frame"
	ErrMsgFailedToEncode  = "failed to encode frame"
	ErrMsgPayloadTooLarge = "payload too large"

	// Server errors
	ErrMsgClientNotFound       = "client not found"
	ErrMsgConnectionClosed     = "client connection is closed"
	ErrMsgContextCancelled     = "client context cancelled"
	ErrMsgServerAlreadyRunning = "server already running"
)

var (
	// ErrNotConnected is returned by Emit while the tunnel is not open.
	ErrNotConnected = errors.New(ErrMsgNotConnected)

	// ErrAlreadyOpened is returned by Open on a tunnel that was opened before.
	ErrAlreadyOpened = errors.New(ErrMsgAlreadyOpened)

	// ErrConnection wraps socket failures: dial errors and unexpected drops.
	ErrConnection = errors.New(ErrMsgConnection)

	// ErrExhaustedRetries is delivered with the error event once the
	// reconnect policy gives up.
	ErrExhaustedRetries = errors.New(ErrMsgExhaustedRetries)

	// ErrInvalidEvent is returned by Emit for an empty event name.
	ErrInvalidEvent = errors.New(ErrMsgInvalidEvent)

	// ErrMalformedFrame is reported when inbound data cannot be decoded.
	ErrMalformedFrame = errors.New(ErrMsgMalformedFrame)

	// ErrConnectionClosed is returned when writing to a closed socket.
	ErrConnectionClosed = errors.New(ErrMsgConnectionClosed)

	// ErrClientNotFound is returned by the server for unknown client ids.
	ErrClientNotFound = errors.New(ErrMsgClientNotFound)

	// ErrServerAlreadyRunning is returned by Server.Start when called twice.
	ErrServerAlreadyRunning = errors.New(ErrMsgServerAlreadyRunning)
)
