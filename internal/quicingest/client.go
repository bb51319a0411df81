package quicingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/streamrec/pkg/protocol"
)

const maxAckBytes = 64 * 1024

// RejectedError is returned when the receiver acknowledges with an error.
type RejectedError struct {
	Ack protocol.Ack
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("receiver rejected message (%s): %s", e.Ack.Code, e.Ack.Message)
}

// Client sends chunk messages over one QUIC connection. It implements
// capture.Transport.
type Client struct {
	conn   *quic.Conn
	logger *slog.Logger

	// Name and Timestamp are attached to Stop messages, which carry neither.
	Name      string
	Timestamp int64
}

// Dial connects to a receiver's QUIC listener.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), DefaultClientConfig())
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return &Client{conn: conn, logger: logger}, nil
}

// Send delivers one message on a fresh stream and waits for its ack.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	name, ts := c.Name, c.Timestamp
	if d, ok := msg.(protocol.Data); ok {
		name, ts = d.Name, d.Timestamp
	}
	body, err := json.Marshal(protocol.Encode(msg, name, ts))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	ack, err := c.roundTrip(ctx, body)
	if err != nil {
		return err
	}
	if !ack.OK() {
		return &RejectedError{Ack: ack}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, body []byte) (protocol.Ack, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	// Closing cancels the stream if ctx ends mid-exchange.
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()

	if _, err := stream.Write(body); err != nil {
		return protocol.Ack{}, fmt.Errorf("write message: %w", err)
	}
	if err := stream.Close(); err != nil {
		return protocol.Ack{}, fmt.Errorf("close send side: %w", err)
	}

	resp, err := io.ReadAll(io.LimitReader(stream, maxAckBytes))
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("read ack: %w", err)
	}
	var ack protocol.Ack
	if err := json.Unmarshal(resp, &ack); err != nil {
		return protocol.Ack{}, fmt.Errorf("parse ack: %w", err)
	}
	return ack, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "client closing")
}
