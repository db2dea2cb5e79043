package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the single frame shape used in both directions: an event
// name plus an opaque payload decoded by whoever handles the event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps data in an envelope for event and returns the marshalled
// frame. data may be nil for events that carry no payload.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a raw frame into an envelope. Frames without an event
// name are rejected; payloads are left raw for the handler to bind.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrBadEnvelope)
	}
	return &env, nil
}

// Bind unmarshals the envelope payload into v. Deletes carry a bare id
// string as their payload, so v may be *string as well as a struct.
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrBadEnvelope, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrBadEnvelope, e.Event, err)
	}
	return nil
}
