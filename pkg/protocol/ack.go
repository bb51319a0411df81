package protocol

import "github.com/google/uuid"

// Ack statuses.
const (
	AckReceived = "received"
	AckError    = "error"
)

// Error codes carried in a rejecting Ack. They mirror the receiver's error
// taxonomy so non-HTTP transports can report the same classes.
const (
	CodeValidation = "validation"
	CodeState      = "state"
	CodeIO         = "io"
	CodeConfig     = "config"
)

// Ack is the small acknowledgment body returned for every chunk message.
type Ack struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	// Bytes is the session's running byte count after this message.
	Bytes   int64  `json:"bytes,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the ack accepted the message.
func (a Ack) OK() bool {
	return a.Status == AckReceived
}

// NewRequestID returns a fresh identifier for one ingestion request.
func NewRequestID() string {
	return uuid.NewString()
}
