package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind discriminates the two chunk message variants on the wire.
type Kind string

const (
	KindData Kind = "data"
	KindStop Kind = "stop"
)

// Status values sent by the browser extension before "kind" existed.
const (
	legacyStatusStream  = "stream"
	legacyStatusStopped = "stopped"
)

// ErrInvalidMessage is the parent of every decode failure. Callers treat it as
// a client error: nothing reached the registry.
var ErrInvalidMessage = errors.New("invalid chunk message")

var (
	ErrMalformed      = fmt.Errorf("%w: malformed envelope", ErrInvalidMessage)
	ErrInvalidPayload = fmt.Errorf("%w: invalid payload encoding", ErrInvalidMessage)
	ErrUnknownKind    = fmt.Errorf("%w: unknown message kind", ErrInvalidMessage)
	ErrMissingSession = fmt.Errorf("%w: session id is required", ErrInvalidMessage)
)

// SessionID is an opaque per-tab identifier. On the wire it may arrive as a
// JSON string or as a JSON number (the extension sends numeric tab ids).
type SessionID string

// UnmarshalJSON accepts both `"7"` and `7`.
func (s *SessionID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = SessionID(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("session id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(num.String(), 10, 64); err != nil {
		return fmt.Errorf("session id must be an integer: %w", err)
	}
	*s = SessionID(num.String())
	return nil
}

// ChunkMessage is the JSON body of one ingestion request.
//
// The current field names are sessionId/payload/kind. The legacy aliases
// tabId/data/status are still accepted on decode.
type ChunkMessage struct {
	Name      string    `json:"name"`
	SessionID SessionID `json:"sessionId,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Payload   string    `json:"payload,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`

	TabID  SessionID `json:"tabId,omitempty"`
	Data   string    `json:"data,omitempty"`
	Status string    `json:"status,omitempty"`
}

// Message is the decoded, tagged form of a ChunkMessage: either Data or Stop.
type Message interface {
	Session() string
	Kind() Kind
}

// Data carries one slice of encoded media for a session.
type Data struct {
	SessionID string
	Name      string
	Timestamp int64
	Payload   []byte
}

// Session returns the session id.
func (d Data) Session() string { return d.SessionID }

// Kind returns KindData.
func (d Data) Kind() Kind { return KindData }

// Stop is the terminal message of a session.
type Stop struct {
	SessionID string
}

// Session returns the session id.
func (s Stop) Session() string { return s.SessionID }

// Kind returns KindStop.
func (s Stop) Kind() Kind { return KindStop }

// Decode parses a request body into a Data or Stop message.
// All failures wrap ErrInvalidMessage.
func Decode(body []byte) (Message, error) {
	var raw ChunkMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw.Resolve()
}

// Resolve converts the wire form into a Message, folding in legacy aliases.
func (m ChunkMessage) Resolve() (Message, error) {
	kind, err := m.resolveKind()
	if err != nil {
		return nil, err
	}

	sessionID := string(m.SessionID)
	if sessionID == "" {
		sessionID = string(m.TabID)
	}
	if sessionID == "" {
		return nil, ErrMissingSession
	}

	if kind == KindStop {
		return Stop{SessionID: sessionID}, nil
	}

	encoded := m.Payload
	if encoded == "" {
		encoded = m.Data
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return Data{
		SessionID: sessionID,
		Name:      m.Name,
		Timestamp: m.Timestamp,
		Payload:   payload,
	}, nil
}

func (m ChunkMessage) resolveKind() (Kind, error) {
	switch {
	case m.Kind != "":
		switch m.Kind {
		case KindData, KindStop:
			return m.Kind, nil
		}
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	case m.Status == legacyStatusStream:
		return KindData, nil
	case m.Status == legacyStatusStopped:
		return KindStop, nil
	case m.Status != "":
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, m.Status)
	default:
		return "", fmt.Errorf("%w: kind is required", ErrUnknownKind)
	}
}

// Encode builds the wire form of a message. name and timestamp are carried
// on Stop as well so the receiver can log them.
func Encode(msg Message, name string, timestamp int64) ChunkMessage {
	out := ChunkMessage{
		Name:      name,
		SessionID: SessionID(msg.Session()),
		Timestamp: timestamp,
		Kind:      msg.Kind(),
	}
	if d, ok := msg.(Data); ok {
		out.Payload = base64.StdEncoding.EncodeToString(d.Payload)
		if d.Name != "" {
			out.Name = d.Name
		}
		if d.Timestamp != 0 {
			out.Timestamp = d.Timestamp
		}
	}
	return out
}
