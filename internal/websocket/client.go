package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Upper bound for handling one inbound user message
	inboundTimeout = 5 * time.Minute
)

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	RoomID string

	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu       sync.RWMutex
	lastSeen time.Time
}

// enqueue sends a message to this client only. It is a no-op once the hub
// has dropped the client.
func (c *Client) enqueue(message Message) {
	data, err := json.Marshal(message)
	if err != nil {
		c.hub.log.Error("marshal message failed", zap.Error(err))
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c.ID] != c {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn("client send buffer full", zap.String("client_id", c.ID))
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.sendError("Invalid message format")
			continue
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		c.handleMessage(message)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message Message) {
	switch message.Type {
	case MessageTypeHeartbeat:
		c.enqueue(Message{Type: MessageTypeHeartbeat, RoomID: c.RoomID, Timestamp: time.Now()})
	case MessageTypeUserMessage:
		if c.hub.handler == nil {
			c.sendError("This session does not accept messages")
			return
		}
		message.RoomID = c.RoomID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
			defer cancel()
			c.hub.handler(ctx, c.RoomID, message)
		}()
	default:
		c.sendError("Unknown message type: " + message.Type)
	}
}

func (c *Client) sendError(text string) {
	c.enqueue(Message{Type: MessageTypeError, RoomID: c.RoomID, Error: text, Timestamp: time.Now()})
}

// LastSeen returns the time of the last inbound message.
func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}
