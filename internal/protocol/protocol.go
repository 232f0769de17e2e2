package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/luciancaetano/ktunnel"
)

// MaxFrameSize is the largest encoded frame accepted in either direction.
const MaxFrameSize = 10 * 1024 * 1024

// Frame is one wire unit: an event name and its JSON payload.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes event and payload into a frame.
// A json.RawMessage payload is written as is. A nil payload leaves the
// payload field out.
func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ktunnel.ErrInvalidEvent
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ktunnel.ErrMsgFailedToEncode, err)
	}

	out, err := json.Marshal(Frame{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ktunnel.ErrMsgFailedToEncode, err)
	}

	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("%s: frame size %d exceeds maximum %d bytes", ktunnel.ErrMsgPayloadTooLarge, len(out), MaxFrameSize)
	}
	return out, nil
}

// Decode parses data into a Frame. Any failure wraps ktunnel.ErrMalformedFrame.
// An explicit null payload is kept as null.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame size %d exceeds maximum %d bytes", ktunnel.ErrMalformedFrame, len(data), MaxFrameSize)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ktunnel.ErrMalformedFrame, err)
	}

	if frame.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ktunnel.ErrMalformedFrame)
	}

	return frame, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
