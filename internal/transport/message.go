package transport

import "encoding/json"

// Frame is the envelope for every message crossing the signaling socket, in
// both directions. Event selects the handler; Data is decoded by the
// subscriber into its typed payload. Payload evolution is additive-only.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame for event.
func NewFrame(event string, payload any) (*Frame, error) {
	if payload == nil {
		return &Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Event: event, Data: data}, nil
}

// State describes the transport connection lifecycle.
type State int

const (
	StateConnected State = iota
	StateDisconnected
	StateConnectError
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateConnectError:
		return "connect-error"
	default:
		return "unknown"
	}
}

// StateChange is delivered to state subscribers on every transition.
// Reason is set for disconnects, Err and Attempt for failed (re)connects.
type StateChange struct {
	State   State
	Reason  string
	Err     error
	Attempt int
}

// Handler receives the raw payload of a subscribed event.
type Handler func(data json.RawMessage)

// StateHandler receives connection-state notifications.
type StateHandler func(change StateChange)
