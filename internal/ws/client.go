package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

// Client adapts a websocket connection to the Subscriber interface. Events
// queue on a buffered channel and a single pump goroutine writes them; a
// full buffer counts as a failed send so the hub evicts the laggard instead
// of stalling the stream.
type Client struct {
	conn   *websocket.Conn
	events chan Event
	log    *slog.Logger
	once   sync.Once
}

// NewClient wraps a connection and starts its write pump.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn:   conn,
		events: make(chan Event, sendBuffer),
		log:    logger,
	}
	go c.writePump()
	return c
}

// Send queues an event for delivery. Never blocks.
func (c *Client) Send(event Event) error {
	select {
	case c.events <- event:
		return nil
	default:
		return errors.New("subscriber buffer full")
	}
}

// Close stops the pump after the queued events drain. The pump sends the
// closing frame and closes the connection.
func (c *Client) Close() {
	c.once.Do(func() { close(c.events) })
}

func (c *Client) writePump() {
	for event := range c.events {
		payload, err := json.Marshal(event)
		if err != nil {
			c.log.Warn("dropping unencodable event", "kind", event.Kind, "id", event.ID, "error", err)
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.log.Warn("websocket write failed", "error", err)
			_ = c.conn.Close()
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}
