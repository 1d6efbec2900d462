package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"duel_arena/internal/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
)

// Client adapts one gorilla connection to the broker's Conn.
type Client struct {
	UserID string
	Name   string
	Conn   *websocket.Conn

	broker *Broker
	send   chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	log    *slog.Logger
}

func NewClient(userID, name string, conn *websocket.Conn, broker *Broker) *Client {
	return &Client{
		UserID: userID,
		Name:   name,
		Conn:   conn,
		broker: broker,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		log:    logger.Component("ws_client").With("user_id", userID),
	}
}

// Send queues data for the write pump without blocking.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// Run registers the client and pumps frames until the socket closes.
func (c *Client) Run() {
	go c.writePump()
	_ = c.Send([]byte(`{"type":"ready"}`))

	c.broker.Register(c.UserID, c.Name, c)
	c.readPump()

	c.broker.Disconnect(c.UserID, c)
	_ = c.Close()
	close(c.done)
}

// Done is closed once the client has been torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readPump() {
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error", "error", err)
			}
			return
		}
		c.broker.Receive(c.UserID, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn("write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
