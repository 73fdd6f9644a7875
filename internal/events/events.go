// Package events carries project-update events from the build loop and the
// conversation to their sinks: websocket rooms, NATS subjects and logs.
package events

import (
	"context"
	"errors"
	"time"

	"phaseforge/internal/metrics"
)

// Type names an event.
type Type string

const (
	TypePhaseStarted     Type = "phase_started"
	TypePhaseCompleted   Type = "phase_completed"
	TypeFileGenerating   Type = "file_generating"
	TypeFileChunk        Type = "file_chunk"
	TypeFileClosed       Type = "file_closed"
	TypeFileFixed        Type = "file_fixed"
	TypeDeployed         Type = "deployed"
	TypeIssuesFound      Type = "issues_found"
	TypeReviewCompleted  Type = "review_completed"
	TypeScreenshot       Type = "screenshot_analyzed"
	TypeConversation     Type = "conversation_response"
	TypeConversationTool Type = "conversation_tool"
	TypeBuildCompleted   Type = "build_completed"
	TypeBuildFailed      Type = "build_failed"
)

// Event is one project update.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Phase     string         `json:"phase,omitempty"`
	Path      string         `json:"path,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New stamps an event with the current time.
func New(t Type, sessionID string) Event {
	return Event{Type: t, SessionID: sessionID, Timestamp: time.Now()}
}

// Bus publishes events.
type Bus interface {
	Publish(ctx context.Context, e Event) error
}

// BusFunc adapts a function to Bus.
type BusFunc func(ctx context.Context, e Event) error

func (f BusFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop drops every event.
var Nop Bus = BusFunc(func(context.Context, Event) error { return nil })

// MultiBus fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type MultiBus []Bus

func (m MultiBus) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func record(e Event, sink string) {
	metrics.Get().EventsPublishedTotal.WithLabelValues(metrics.Label(string(e.Type), "unknown"), sink).Inc()
}
