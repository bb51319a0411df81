// Package wsclient subscribes to a receiver's live stats feed.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/streamrec/pkg/protocol"
)

// FeedPath is the receiver's stats feed endpoint.
const FeedPath = "/api/stats/ws"

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Conn is a read-only subscription to the stats feed.
type Conn struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
	closeMu sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// FeedURL turns a receiver base URL ("localhost:8080", "http://host:port")
// into the websocket URL of its stats feed.
func FeedURL(serverURL string) (string, error) {
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + FeedPath
	return u.String(), nil
}

// Dial connects to the stats feed of the receiver at serverURL.
func Dial(ctx context.Context, serverURL string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL, err := FeedURL(serverURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	return &Conn{conn: conn, logger: logger}, nil
}

// ReadLoop reads envelopes until the connection closes or ctx is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		// Closing forces ReadMessage to return.
		c.Close()
	})
	defer stop()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			c.logger.Warn("invalid envelope", "error", err)
			continue
		}
		onEnv(env)
	}
}

// Snapshots is ReadLoop filtered to decoded stats snapshots.
func (c *Conn) Snapshots(ctx context.Context, onSnapshot func(protocol.StatsSnapshot)) error {
	return c.ReadLoop(ctx, func(env protocol.Envelope) {
		switch env.Type {
		case protocol.TypeStatsSnapshot:
			var snap protocol.StatsSnapshot
			if err := env.DecodePayload(&snap); err != nil {
				c.logger.Warn("invalid stats snapshot", "error", err)
				return
			}
			onSnapshot(snap)
		case protocol.TypeError:
			var e protocol.Error
			if err := env.DecodePayload(&e); err == nil {
				c.logger.Warn("feed error", "code", e.Code, "message", e.Message)
			}
		}
	})
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeMu.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
