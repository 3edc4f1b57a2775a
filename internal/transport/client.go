package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 * 1024 * 1024

	// Token-bucket rate limit: sustained rate and burst cap.
	tokenRefillPerSecond = 50
	tokenBurstCap        = 200
)

// Client is one relay WebSocket connection. It never decrypts anything it
// forwards; it only parses and validates the outer Envelope shape before
// handing it to the Hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	send chan []byte

	UserID string

	tokens     int
	lastRefill time.Time
	tokenMu    sync.Mutex
}

// NewClient wraps conn for userID, starting with a full token bucket.
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 100),
		UserID:     userID,
		tokens:     tokenBurstCap,
		lastRefill: time.Now(),
	}
}

func (c *Client) canSend() bool {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(c.lastRefill)
	refill := int(elapsed.Seconds() * tokenRefillPerSecond)
	if refill > 0 {
		c.tokens = min(c.tokens+refill, tokenBurstCap)
		c.lastRefill = now
	}
	if c.tokens > 0 {
		c.tokens--
		return true
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ReadPump reads envelopes off the WebSocket connection and hands valid
// ones to the hub for routing. It terminates the connection on read
// error or when the hub unregisters it.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			hubLogger.Printf("connection close failed for user=%s: %v", c.UserID, err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		hubLogger.Printf("read deadline set failed for user=%s: %v", c.UserID, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				hubLogger.Printf("read error for user=%s: %v", c.UserID, err)
			}
			return
		}

		if !c.canSend() {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if err := env.Validate(); err != nil {
			continue
		}
		env.Sender = c.UserID

		c.hub.Relay(&env)
	}
}

// WritePump writes envelopes the hub routes to this connection, with
// periodic keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			hubLogger.Printf("connection close failed for user=%s: %v", c.UserID, err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				hubLogger.Printf("write deadline set failed for user=%s: %v", c.UserID, err)
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				hubLogger.Printf("write deadline set failed for user=%s: %v", c.UserID, err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
