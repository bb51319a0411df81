package clienthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sheerbytes/streamrec/pkg/protocol"
)

// IngestPath is the receiver's chunk ingestion endpoint.
const IngestPath = "/api/recordings"

const maxAckBytes = 64 * 1024

// RejectedError is returned when the receiver answers with a non-202 status.
type RejectedError struct {
	StatusCode int
	Ack        protocol.Ack
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Ack.Message != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Ack.Code, e.Ack.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Client posts chunk messages to a receiver over HTTP. It implements
// capture.Transport.
type Client struct {
	url        string
	httpClient *http.Client

	// Name and Timestamp are attached to Stop messages, which carry neither.
	Name      string
	Timestamp int64
}

// New creates a client for the receiver at serverURL.
func New(serverURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        normalizeURL(serverURL) + IngestPath,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func normalizeURL(serverURL string) string {
	serverURL = strings.TrimRight(serverURL, "/")
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	return serverURL
}

// Send delivers one message and waits for the receiver's acknowledgment.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	_, err := c.SendAck(ctx, msg)
	return err
}

// SendAck is Send returning the decoded acknowledgment.
func (c *Client) SendAck(ctx context.Context, msg protocol.Message) (protocol.Ack, error) {
	name, ts := c.Name, c.Timestamp
	if d, ok := msg.(protocol.Data); ok {
		name, ts = d.Name, d.Timestamp
	}
	body, err := json.Marshal(protocol.Encode(msg, name, ts))
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", protocol.NewRequestID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("read response: %w", err)
	}

	var ack protocol.Ack
	decodeErr := json.Unmarshal(respBody, &ack)

	if resp.StatusCode != http.StatusAccepted {
		rejected := &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		if decodeErr == nil {
			rejected.Ack = ack
		}
		return ack, rejected
	}
	if decodeErr != nil {
		return protocol.Ack{}, fmt.Errorf("parse response: %w", decodeErr)
	}
	if !ack.OK() {
		return ack, &RejectedError{StatusCode: resp.StatusCode, Ack: ack}
	}
	return ack, nil
}

// IsRejected reports whether err is a receiver rejection with the given code.
func IsRejected(err error, code string) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.Ack.Code == code
}
