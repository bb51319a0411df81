package recorder

import (
	"errors"

	"github.com/sheerbytes/streamrec/pkg/protocol"
)

// Code returns the wire error code for err. Decode failures count as
// validation errors.
func Code(err error) string {
	if errors.Is(err, protocol.ErrInvalidMessage) {
		return protocol.CodeValidation
	}
	switch KindOf(err) {
	case KindValidation:
		return protocol.CodeValidation
	case KindState:
		return protocol.CodeState
	case KindConfig:
		return protocol.CodeConfig
	default:
		return protocol.CodeIO
	}
}

// AckFor builds the acknowledgment for one ingest call.
func AckFor(requestID string, res Result, err error) protocol.Ack {
	if err != nil {
		return protocol.Ack{
			Status:    protocol.AckError,
			RequestID: requestID,
			SessionID: res.SessionID,
			Code:      Code(err),
			Message:   err.Error(),
		}
	}
	return protocol.Ack{
		Status:    protocol.AckReceived,
		RequestID: requestID,
		SessionID: res.SessionID,
		Bytes:     res.Bytes,
	}
}
