// Package websocket streams session events to browser clients and accepts
// chat messages from them. Clients join the room of one build session.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"phaseforge/internal/events"
	"phaseforge/internal/logging"
	"phaseforge/internal/metrics"
)

// Message types for WebSocket communication
const (
	MessageTypeEvent       = "event"
	MessageTypeBatch       = "batch"
	MessageTypeUserMessage = "user_message"
	MessageTypeJoined      = "joined"
	MessageTypeError       = "error"
	MessageTypeHeartbeat   = "heartbeat"
)

// Message represents a WebSocket message
type Message struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	Event     *events.Event   `json:"event,omitempty"`
	Batch     []events.Event  `json:"batch,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// InboundHandler receives user messages sent by a client of a room.
type InboundHandler func(ctx context.Context, roomID string, msg Message)

// Hub maintains active client connections and manages message broadcasting
type Hub struct {
	rooms   map[string]map[*Client]bool
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	stopOnce   sync.Once

	handler  InboundHandler
	batcher  *chunkBatcher
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub. handler may be nil when clients only
// listen.
func NewHub(handler InboundHandler, logger *zap.Logger) *Hub {
	h := &Hub{
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		handler:    handler,
		log:        logging.OrNamed(logger, "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
	h.batcher = newChunkBatcher(h)
	return h
}

// checkOrigin allows CORS_ALLOWED_ORIGINS, and an empty origin outside
// production.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:5173"}
	if env := os.Getenv("CORS_ALLOWED_ORIGINS"); env != "" {
		allowed = strings.Split(env, ",")
	}
	for _, a := range allowed {
		if strings.TrimSpace(a) == origin {
			return true
		}
	}
	return origin == "" && os.Getenv("ENVIRONMENT") != "production"
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	go h.batcher.run(h.shutdown)
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for _, client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[string]*Client)
			h.rooms = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			metrics.Get().WebSocketConnectionsGauge.Set(0)
			h.log.Info("websocket hub shutdown complete")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

// Shutdown gracefully stops the hub
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.shutdown) })
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	if h.rooms[client.RoomID] == nil {
		h.rooms[client.RoomID] = make(map[*Client]bool)
	}
	h.rooms[client.RoomID][client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.Get().WebSocketConnectionsGauge.Set(float64(total))
	client.enqueue(Message{Type: MessageTypeJoined, RoomID: client.RoomID, Timestamp: time.Now()})
	h.log.Debug("client registered",
		zap.String("client_id", client.ID),
		zap.String("room_id", client.RoomID),
		zap.Int("clients", total))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ID)
	if room := h.rooms[client.RoomID]; room != nil {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, client.RoomID)
		}
	}
	close(client.send)
	total := len(h.clients)
	h.mu.Unlock()

	metrics.Get().WebSocketConnectionsGauge.Set(float64(total))
	h.log.Debug("client unregistered",
		zap.String("client_id", client.ID),
		zap.String("room_id", client.RoomID),
		zap.Int("clients", total))
}

// BroadcastToRoom sends a message to every client of a room. Clients whose
// send buffer is full are dropped.
func (h *Hub) BroadcastToRoom(roomID string, message Message) {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	message.RoomID = roomID
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("marshal message failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.rooms[roomID] {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client send buffer full, dropping client", zap.String("client_id", client.ID))
			delete(h.rooms[roomID], client)
			delete(h.clients, client.ID)
			close(client.send)
		}
	}
}

// Publish implements events.Bus. File chunk events are batched per room;
// everything else is sent immediately after flushing pending chunks.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	if e.Type == events.TypeFileChunk {
		h.batcher.add(e.SessionID, e)
		return nil
	}
	h.batcher.flush(e.SessionID)
	h.BroadcastToRoom(e.SessionID, Message{Type: MessageTypeEvent, Event: &e})
	metrics.Get().EventsPublishedTotal.WithLabelValues(metrics.Label(string(e.Type), "unknown"), "websocket").Inc()
	return nil
}

// RoomSize returns the number of clients in a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and joins the client to the room
// named by the :session path parameter.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	roomID := c.Param("session")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      h,
		lastSeen: time.Now(),
	}

	select {
	case h.register <- client:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
