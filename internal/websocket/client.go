package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	// camera frames are the largest inbound messages
	readLimit = 4 << 20
)

// Handler receives inbound messages on a client. Returning an error closes
// the connection.
type Handler func(ctx context.Context, typ ws.MessageType, data []byte) error

// Client is a single WebSocket connection with a buffered writer.
type Client struct {
	hub  *Hub
	conn *ws.Conn
	send chan []byte

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewClient wraps conn. hub may be nil for connections that are not event
// subscribers.
func NewClient(hub *Hub, conn *ws.Conn) *Client {
	if conn != nil {
		conn.SetReadLimit(readLimit)
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		stopped: make(chan struct{}),
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Run registers the client with its hub and serves it until the connection
// closes, discarding anything the client sends.
func (c *Client) Run(ctx context.Context) {
	if c.hub != nil {
		c.hub.Register(c)
		defer c.hub.Unregister(c)
	}
	c.Serve(ctx, nil)
}

// Serve runs the write pump and reads until the connection closes, ctx is
// cancelled or handle returns an error.
func (c *Client) Serve(ctx context.Context, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.stop()

	go c.writePump(ctx)
	return c.readPump(ctx, handle)
}

// Send queues v as a JSON text message. It blocks while the buffer is full
// and reports false once the client has stopped.
func (c *Client) Send(ctx context.Context, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	// a stopped client never accepts, even with room in the buffer
	select {
	case <-c.stopped:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close ends the connection with a normal closure.
func (c *Client) Close(reason string) error {
	c.stop()
	return c.conn.Close(ws.StatusNormalClosure, reason)
}

func (c *Client) readPump(ctx context.Context, handle Handler) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) == ws.StatusNormalClosure || ws.CloseStatus(err) == ws.StatusGoingAway {
				return nil
			}
			return err
		}
		if handle == nil {
			continue
		}
		if err := handle(ctx, typ, data); err != nil {
			c.conn.Close(ws.StatusPolicyViolation, err.Error())
			return fmt.Errorf("handle message: %w", err)
		}
	}
}

// writePump drains the send channel and pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-c.stopped:
			c.conn.Close(ws.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			return
		}
	}
}
