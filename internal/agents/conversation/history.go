package conversation

import (
	"context"
	"sync"

	"phaseforge/internal/inference"
)

// HistoryStore persists a session's conversation. The full log is append
// only and survives compaction; the running history is what the model sees.
type HistoryStore interface {
	AppendLog(ctx context.Context, sessionID string, msgs ...inference.Message) error
	SaveHistory(ctx context.Context, sessionID string, history []inference.Message) error
	LoadHistory(ctx context.Context, sessionID string) ([]inference.Message, error)
	LoadLog(ctx context.Context, sessionID string) ([]inference.Message, error)
}

// MemoryHistoryStore keeps histories in process memory.
type MemoryHistoryStore struct {
	mu      sync.RWMutex
	logs    map[string][]inference.Message
	running map[string][]inference.Message
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		logs:    make(map[string][]inference.Message),
		running: make(map[string][]inference.Message),
	}
}

func (s *MemoryHistoryStore) AppendLog(_ context.Context, sessionID string, msgs ...inference.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[sessionID] = append(s.logs[sessionID], msgs...)
	return nil
}

func (s *MemoryHistoryStore) SaveHistory(_ context.Context, sessionID string, history []inference.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[sessionID] = cloneMessages(history)
	return nil
}

func (s *MemoryHistoryStore) LoadHistory(_ context.Context, sessionID string) ([]inference.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.running[sessionID]), nil
}

func (s *MemoryHistoryStore) LoadLog(_ context.Context, sessionID string) ([]inference.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.logs[sessionID]), nil
}

func cloneMessages(msgs []inference.Message) []inference.Message {
	if msgs == nil {
		return nil
	}
	out := make([]inference.Message, len(msgs))
	copy(out, msgs)
	return out
}
