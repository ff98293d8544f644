package socket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snowbridge/snowbridge/pkg/log"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Client is one websocket connection and its subscription state.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]bool
	clientFilter  *Filter
	lastActivity  time.Time
	windowStart   time.Time
	windowCount   int
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            newClientID(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
		lastActivity:  time.Now(),
	}
}

// sendMessage queues a message, dropping it if the client's buffer is full
// or the client has already been unregistered.
func (c *Client) sendMessage(msg *serverMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- mustJSON(msg):
		return true
	default:
		return false
	}
}

// shutdown closes the send channel exactly once. Senders check closed under
// the same mutex, so no send can race the close.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) subscribedToAny(topics []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		if c.subscriptions[t] {
			return true
		}
	}
	return false
}

func (c *Client) filter() *Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientFilter
}

func (c *Client) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// allowMessage enforces the per-client messages-per-minute cap with a
// tumbling window.
func (c *Client) allowMessage(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.windowStart) >= time.Minute {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= limit
}

// readPump consumes commands until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(int64(c.hub.limits.MaxMessageSize))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				{
					lg := log.WithClient(c.id)
					lg.Warn().Err(err).Msg("read error")
				}
			}
			return
		}
		c.touch()

		if !c.allowMessage(c.hub.limits.MessagesPerMinute) {
			c.sendMessage(&serverMessage{Kind: "error", Error: "message rate limit exceeded"})
			continue
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendMessage(&serverMessage{Kind: "error", Error: "malformed command"})
			continue
		}
		c.handleCommand(&cmd)
	}
}

func (c *Client) handleCommand(cmd *clientCommand) {
	switch cmd.Action {
	case "subscribe":
		if !ValidTopic(cmd.Topic) {
			c.sendMessage(&serverMessage{Kind: "error", Topic: cmd.Topic, Error: "unknown topic"})
			return
		}
		c.mu.Lock()
		if len(c.subscriptions) >= c.hub.limits.SubscriptionsPerClient && !c.subscriptions[cmd.Topic] {
			c.mu.Unlock()
			c.sendMessage(&serverMessage{Kind: "error", Topic: cmd.Topic, Error: "subscription limit reached"})
			return
		}
		c.subscriptions[cmd.Topic] = true
		if cmd.Filter != nil {
			c.clientFilter = cmd.Filter
		}
		c.mu.Unlock()
		c.sendMessage(&serverMessage{Kind: "subscribed", Topic: cmd.Topic})

	case "unsubscribe":
		c.mu.Lock()
		delete(c.subscriptions, cmd.Topic)
		c.mu.Unlock()
		c.sendMessage(&serverMessage{Kind: "unsubscribed", Topic: cmd.Topic})

	case "ping":
		c.sendMessage(&serverMessage{Kind: "pong"})

	default:
		c.sendMessage(&serverMessage{Kind: "error", Error: "unknown action"})
	}
}

// writePump drains the send buffer to the connection.
func (c *Client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// hub closed the channel; say goodbye
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// ping and closeWith use WriteControl, which is safe to call concurrently
// with writePump.
func (c *Client) ping() {
	c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *Client) closeWith(code int, reason string) {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.conn.Close()
}
