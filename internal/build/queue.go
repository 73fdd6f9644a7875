package build

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"phaseforge/internal/agents/conversation"
)

var errEmptyRequest = errors.New("queued request is empty")

// Queue holds user modification requests until the loop plans its next
// phase. It implements conversation.RequestQueue.
type Queue struct {
	mu     sync.Mutex
	items  []conversation.QueuedRequest
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue adds a request and wakes an idle loop.
func (q *Queue) Enqueue(ctx context.Context, req conversation.QueuedRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(req.Request) == "" {
		return errEmptyRequest
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	q.mu.Lock()
	q.items = append(q.items, req)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns every pending request, oldest first.
func (q *Queue) Drain() []conversation.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// requeue puts drained requests back in front of anything queued since.
func (q *Queue) requeue(reqs []conversation.QueuedRequest) {
	if len(reqs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append([]conversation.QueuedRequest(nil), reqs...), q.items...)
	q.mu.Unlock()
}

// Pending returns the number of queued requests.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify fires after an Enqueue. Several enqueues may coalesce into one
// notification.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
