// Package protocol is the wire contract between the controller, its
// workers and viewer clients.
//
// Every message is an Envelope {type, version, payload, timestamp}. The
// set of message kinds is closed: each Kind has exactly one payload type,
// registered in this package, and anything else is rejected when decoded.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the only envelope version this build speaks.
const Version = "v1"

var (
	ErrMalformed          = errors.New("malformed envelope")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrUnknownType        = errors.New("unknown message type")
	ErrUnexpectedKind     = errors.New("message kind not accepted on this connection")
)

// IsProtocolError reports whether err is a rejected message rather than a
// transport failure. Protocol errors leave the session open.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrUnexpectedKind)
}

// Envelope is the transport frame.
type Envelope struct {
	Type      Kind            `json:"type"`
	Version   string          `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Payload is implemented by every registered message body.
type Payload interface {
	Kind() Kind
}

// NewEnvelope wraps p, stamped with now in epoch milliseconds.
func NewEnvelope(p Payload, now time.Time) (Envelope, error) {
	kind := p.Kind()
	if _, ok := registry[kind]; !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{
		Type:      kind,
		Version:   Version,
		Payload:   body,
		Timestamp: now.UnixMilli(),
	}, nil
}

// Encode returns the JSON frame for p.
func Encode(p Payload, now time.Time) ([]byte, error) {
	env, err := NewEnvelope(p, now)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses and validates a frame. It fails closed: a missing field, a
// non-string type, a wrong version or an unregistered type is an error.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, name := range []string{"type", "version", "payload", "timestamp"} {
		if raw, ok := fields[name]; !ok || isNull(raw) {
			return Envelope{}, fmt.Errorf("%w: missing %q", ErrMalformed, name)
		}
	}

	var env Envelope
	var typ string
	if err := json.Unmarshal(fields["type"], &typ); err != nil {
		return Envelope{}, fmt.Errorf("%w: type is not a string", ErrMalformed)
	}
	if err := json.Unmarshal(fields["version"], &env.Version); err != nil {
		return Envelope{}, fmt.Errorf("%w: version is not a string", ErrMalformed)
	}
	if err := json.Unmarshal(fields["timestamp"], &env.Timestamp); err != nil {
		return Envelope{}, fmt.Errorf("%w: timestamp is not an integer", ErrMalformed)
	}
	payload := bytes.TrimSpace(fields["payload"])
	if len(payload) == 0 || payload[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}
	env.Type = Kind(typ)
	env.Payload = payload

	if env.Version != Version {
		return env, fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}
	if _, ok := registry[env.Type]; !ok {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// Body decodes the payload into the registered type for the envelope's
// kind and returns it as a pointer (for example *WorkerRegister).
func (e Envelope) Body() (Payload, error) {
	newPayload, ok := registry[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	p := newPayload()
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	if v, ok := p.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
		}
	}
	return p, nil
}

// DecodeBody is Decode followed by Body.
func DecodeBody(data []byte) (Envelope, Payload, error) {
	env, err := Decode(data)
	if err != nil {
		return env, nil, err
	}
	p, err := env.Body()
	return env, p, err
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
