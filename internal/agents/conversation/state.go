package conversation

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"phaseforge/internal/metrics"
)

// State is a discrete state of the conversation loop.
type State string

const (
	StateAwaitingInput State = "awaiting_user_input"
	StateClassifying   State = "classifying"
	StateAnswering     State = "answering"
	StateToolCalling   State = "tool_calling"
	StateResponding    State = "responding"
)

// Event triggers a state transition.
type Event string

const (
	EventUserMessage Event = "user_message"
	EventAnswer      Event = "answer"
	EventToolCall    Event = "tool_call"
	EventRespond     Event = "respond"
	EventTurnDone    Event = "turn_done"
	EventFail        Event = "fail"
)

type transition struct {
	From  State
	Event Event
	To    State
}

var validTransitions = []transition{
	{StateAwaitingInput, EventUserMessage, StateClassifying},

	{StateClassifying, EventAnswer, StateAnswering},
	{StateClassifying, EventToolCall, StateToolCalling},
	{StateAnswering, EventToolCall, StateToolCalling},
	{StateToolCalling, EventToolCall, StateToolCalling},

	{StateClassifying, EventRespond, StateResponding},
	{StateAnswering, EventRespond, StateResponding},
	{StateToolCalling, EventRespond, StateResponding},

	{StateResponding, EventTurnDone, StateAwaitingInput},

	// Propagated failures end the turn without a response.
	{StateClassifying, EventFail, StateAwaitingInput},
	{StateAnswering, EventFail, StateAwaitingInput},
	{StateToolCalling, EventFail, StateAwaitingInput},
	{StateResponding, EventFail, StateAwaitingInput},
}

// StateTransition records one state change.
type StateTransition struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	From           State     `json:"from"`
	To             State     `json:"to"`
	Event          Event     `json:"event"`
	Timestamp      time.Time `json:"timestamp"`
	DurationMs     int64     `json:"duration_ms"`
}

// machine is the per-session state machine.
type machine struct {
	mu          sync.RWMutex
	sessionID   string
	state       State
	lastTransAt time.Time
	history     []StateTransition
	subscribers []chan StateTransition
	log         *zap.Logger
}

func newMachine(sessionID string, log *zap.Logger) *machine {
	return &machine{
		sessionID:   sessionID,
		state:       StateAwaitingInput,
		lastTransAt: time.Now(),
		history:     make([]StateTransition, 0, 32),
		log:         log,
	}
}

func (m *machine) current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// fire moves the machine along event. Unknown (state, event) pairs are errors.
func (m *machine) fire(event Event, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	var to State
	found := false
	for _, t := range validTransitions {
		if t.From == from && t.Event == event {
			to = t.To
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid transition: state=%s event=%s", from, event)
	}

	now := time.Now()
	record := StateTransition{
		SessionID:      m.sessionID,
		ConversationID: conversationID,
		From:           from,
		To:             to,
		Event:          event,
		Timestamp:      now,
		DurationMs:     now.Sub(m.lastTransAt).Milliseconds(),
	}
	m.state = to
	m.lastTransAt = now
	m.history = append(m.history, record)

	for _, ch := range m.subscribers {
		select {
		case ch <- record:
		default:
			// Slow subscribers can replay from history.
		}
	}

	metrics.Get().ConversationTransitionsTotal.WithLabelValues(string(to)).Inc()
	m.log.Debug("conversation transition",
		zap.String("from", string(from)),
		zap.String("event", string(event)),
		zap.String("to", string(to)),
		zap.String("conversation_id", conversationID))
	return nil
}

// fireIf fires event only when the machine is in one of states.
func (m *machine) fireIf(event Event, conversationID string, states ...State) {
	cur := m.current()
	for _, s := range states {
		if cur == s {
			if err := m.fire(event, conversationID); err != nil {
				m.log.Warn("conversation transition rejected", zap.Error(err))
			}
			return
		}
	}
}

func (m *machine) subscribe(bufferSize int) chan StateTransition {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan StateTransition, bufferSize)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *machine) unsubscribe(ch chan StateTransition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *machine) transitions() []StateTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StateTransition, len(m.history))
	copy(out, m.history)
	return out
}
