// Package client talks to a running relay: the websocket chat stream and the history endpoints.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"ExpertChat/internal/transport"

	"github.com/gorilla/websocket"
)

// Frame is one server frame: either a reply fragment or an error.
type Frame struct {
	Event *transport.EventFrame
	Error *transport.ErrorFrame
}

type wireFrame struct {
	transport.EventFrame
	Error   string `json:"error"`
	Details string `json:"details"`
	Status  int    `json:"status"`
}

// Client is a websocket chat connection. Send may be called from any goroutine;
// Receive must only be called from one.
type Client struct {
	url    string
	conn   *websocket.Conn
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// Dial connects to the relay's chat endpoint.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	logger.Info("connected to relay", "url", url)
	return &Client{url: url, conn: conn, logger: logger}, nil
}

// Send writes one turn.
func (c *Client) Send(frame transport.InboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Receive blocks until the next server frame.
func (c *Client) Receive() (Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read frame: %w", err)
	}

	var wire wireFrame
	if err := json.Unmarshal(data, &wire); err != nil {
		return Frame{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	if wire.Status != 0 || wire.Error != "" {
		return Frame{Error: &transport.ErrorFrame{Error: wire.Error, Details: wire.Details, Status: wire.Status}}, nil
	}
	return Frame{Event: &wire.EventFrame}, nil
}

// Close sends a close frame and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()

	c.logger.Info("disconnected from relay", "url", c.url)
	return err
}
