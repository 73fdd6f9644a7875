package websocket

import (
	"sync"
	"time"

	"phaseforge/internal/events"
	"phaseforge/internal/metrics"
)

const (
	// BatchInterval is the time to accumulate chunk events before sending
	BatchInterval = 50 * time.Millisecond

	// MaxBatchSize is the maximum number of events per batch
	MaxBatchSize = 100

	// MaxBatchBytes is the maximum chunk payload of a batch in bytes
	MaxBatchBytes = 64 * 1024
)

// chunkBatcher coalesces high-frequency file chunk events per room.
type chunkBatcher struct {
	hub *Hub

	mu      sync.Mutex
	pending map[string][]events.Event
	sizes   map[string]int
}

func newChunkBatcher(h *Hub) *chunkBatcher {
	return &chunkBatcher{
		hub:     h,
		pending: make(map[string][]events.Event),
		sizes:   make(map[string]int),
	}
}

func (b *chunkBatcher) add(roomID string, e events.Event) {
	b.mu.Lock()
	b.pending[roomID] = append(b.pending[roomID], e)
	b.sizes[roomID] += len(e.Message)
	full := len(b.pending[roomID]) >= MaxBatchSize || b.sizes[roomID] >= MaxBatchBytes
	b.mu.Unlock()

	if full {
		b.flush(roomID)
	}
}

func (b *chunkBatcher) take(roomID string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.pending[roomID]
	delete(b.pending, roomID)
	delete(b.sizes, roomID)
	return batch
}

func (b *chunkBatcher) flush(roomID string) {
	batch := b.take(roomID)
	if len(batch) == 0 {
		return
	}
	b.hub.BroadcastToRoom(roomID, Message{Type: MessageTypeBatch, Batch: batch})
	metrics.Get().EventsPublishedTotal.WithLabelValues(string(events.TypeFileChunk), "websocket").Add(float64(len(batch)))
}

func (b *chunkBatcher) flushAll() {
	b.mu.Lock()
	rooms := make([]string, 0, len(b.pending))
	for roomID := range b.pending {
		rooms = append(rooms, roomID)
	}
	b.mu.Unlock()

	for _, roomID := range rooms {
		b.flush(roomID)
	}
}

func (b *chunkBatcher) run(stop <-chan struct{}) {
	ticker := time.NewTicker(BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.flushAll()
		}
	}
}
