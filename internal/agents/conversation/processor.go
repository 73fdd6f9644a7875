// Package conversation runs the user-facing chat loop of a build session.
// Each Processor owns one session's history, drives it through a small
// state machine, hands change requests to the build pipeline through the
// queue_request tool and keeps the model-facing history bounded by
// compaction.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseforge/internal/inference"
	"phaseforge/internal/logging"
	"phaseforge/internal/metrics"
)

// FallbackResponse is sent when inference fails for a reason that does not
// have to halt the conversation.
const FallbackResponse = "Got it. I'll work on that and keep you posted on the progress."

const operationName = "user_conversation"

var (
	errNoExecutor   = errors.New("conversation: executor is required")
	errEmptyMessage = errors.New("conversation: message is empty")
)

// ToolProgress narrates a tool call through the response callback.
type ToolProgress struct {
	Name    string               `json:"name"`
	Status  inference.ToolStatus `json:"status"`
	Message string               `json:"message,omitempty"`
}

// ResponseCallback receives streamed tokens (streaming true), tool progress
// (tool non-nil) and finally the complete response (streaming false).
type ResponseCallback func(text, conversationID string, streaming bool, tool *ToolProgress)

// Input is one user message.
type Input struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// Response is the outcome of one turn.
type Response struct {
	ConversationID string                     `json:"conversation_id"`
	Text           string                     `json:"text"`
	ToolTrace      []inference.ToolInvocation `json:"tool_trace,omitempty"`
	Fallback       bool                       `json:"fallback"`
	Compacted      bool                       `json:"compacted"`
}

// ProjectUpdate is build progress narrated into the conversation.
type ProjectUpdate struct {
	Type    string   `json:"type"`
	Phase   string   `json:"phase,omitempty"`
	Message string   `json:"message"`
	Files   []string `json:"files,omitempty"`
}

// Config configures a Processor.
type Config struct {
	SessionID string
	Executor  inference.Executor
	Model     string
	Effort    inference.ReasoningEffort
	// Project is a short description of the app being built.
	Project string
	// Queue enables the queue_request tool.
	Queue RequestQueue
	// Search enables the web_search tool.
	Search    WebSearcher
	Store     HistoryStore
	Compactor Compactor
	Logger    *zap.Logger
}

// Processor is the conversation loop of one session. Turns are serialized;
// NotifyProjectUpdate may run concurrently with a turn.
type Processor struct {
	cfg   Config
	exec  inference.Executor
	store HistoryStore
	fsm   *machine
	log   *zap.Logger

	turn    sync.Mutex
	mu      sync.Mutex
	history []inference.Message
}

// NewProcessor builds a Processor and restores the running history of the
// session from the store.
func NewProcessor(ctx context.Context, cfg Config) (*Processor, error) {
	if cfg.Executor == nil {
		return nil, errNoExecutor
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Effort == "" {
		cfg.Effort = inference.EffortLow
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryHistoryStore()
	}
	cfg.Compactor = cfg.Compactor.normalized()
	log := logging.OrNamed(cfg.Logger, "conversation").With(zap.String("session_id", cfg.SessionID))

	history, err := cfg.Store.LoadHistory(ctx, cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}
	return &Processor{
		cfg:     cfg,
		exec:    cfg.Executor,
		store:   cfg.Store,
		fsm:     newMachine(cfg.SessionID, log),
		log:     log,
		history: history,
	}, nil
}

// SessionID returns the session the processor belongs to.
func (p *Processor) SessionID() string { return p.cfg.SessionID }

// State returns the current conversation state.
func (p *Processor) State() State { return p.fsm.current() }

// Transitions returns the state transitions so far.
func (p *Processor) Transitions() []StateTransition { return p.fsm.transitions() }

// Subscribe streams state transitions. Slow subscribers miss records.
func (p *Processor) Subscribe(bufferSize int) chan StateTransition {
	return p.fsm.subscribe(bufferSize)
}

// Unsubscribe removes and closes a subscription.
func (p *Processor) Unsubscribe(ch chan StateTransition) { p.fsm.unsubscribe(ch) }

// History returns a copy of the model-facing history.
func (p *Processor) History() []inference.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneMessages(p.history)
}

// ProcessMessage runs one conversational turn. Rate-limit and security
// errors are returned to the caller; any other inference failure is
// answered with FallbackResponse.
func (p *Processor) ProcessMessage(ctx context.Context, in Input, cb ResponseCallback) (*Response, error) {
	if strings.TrimSpace(in.Text) == "" && len(in.Images) == 0 {
		return nil, errEmptyMessage
	}
	if cb == nil {
		cb = func(string, string, bool, *ToolProgress) {}
	}

	p.turn.Lock()
	defer p.turn.Unlock()

	convID := uuid.NewString()
	log := p.log.With(zap.String("conversation_id", convID))
	if err := p.fsm.fire(EventUserMessage, convID); err != nil {
		return nil, err
	}

	p.append(ctx, userMessage(in, convID))
	history, compacted := p.compact(ctx)

	req := &inference.Request{
		Operation:       operationName,
		Model:           p.cfg.Model,
		Messages:        append([]inference.Message{inference.SystemMessage(p.systemPrompt())}, history...),
		ReasoningEffort: p.cfg.Effort,
		Tools:           p.tools(convID, in.Images, cb),
		OnChunk: func(delta string) {
			p.fsm.fireIf(EventAnswer, convID, StateClassifying)
			cb(delta, convID, true, nil)
		},
	}

	res, err := inference.Execute(ctx, p.exec, req)
	resp := &Response{ConversationID: convID, Compacted: compacted}
	if err != nil {
		if inference.IsRateLimit(err) || inference.IsSecurity(err) || ctx.Err() != nil {
			p.fsm.fireIf(EventFail, convID, StateClassifying, StateAnswering, StateToolCalling)
			log.Warn("conversation turn aborted", zap.Error(err))
			return nil, err
		}
		log.Warn("conversation inference failed, sending fallback", zap.Error(err))
		metrics.Get().ConversationFallbacksTotal.Inc()
		resp.Text = FallbackResponse
		resp.Fallback = true
	} else {
		resp.Text = strings.TrimSpace(res.Text)
		resp.ToolTrace = res.ToolTrace
	}

	if err := p.fsm.fire(EventRespond, convID); err != nil {
		return nil, err
	}

	var produced []inference.Message
	if res != nil {
		for _, m := range res.Messages {
			m.ConversationID = convID
			produced = append(produced, m)
		}
	}
	if resp.Text != "" {
		produced = append(produced, inference.Message{Role: inference.RoleAssistant, Content: resp.Text, ConversationID: convID})
	}
	p.append(ctx, produced...)

	cb(resp.Text, convID, false, nil)
	if err := p.fsm.fire(EventTurnDone, convID); err != nil {
		return nil, err
	}
	log.Info("conversation turn complete",
		zap.Int("tool_calls", len(resp.ToolTrace)),
		zap.Bool("fallback", resp.Fallback),
		zap.Bool("compacted", compacted))
	return resp, nil
}

// NotifyProjectUpdate records build progress as a system context block in
// the history so the next turn can talk about it.
func (p *Processor) NotifyProjectUpdate(ctx context.Context, update ProjectUpdate) {
	var sb strings.Builder
	sb.WriteString("<system_context>\n")
	fmt.Fprintf(&sb, "Project update (%s)", update.Type)
	if update.Phase != "" {
		fmt.Fprintf(&sb, " in phase %q", update.Phase)
	}
	sb.WriteString(": ")
	sb.WriteString(strings.TrimSpace(update.Message))
	if len(update.Files) > 0 {
		sb.WriteString("\nFiles: ")
		sb.WriteString(strings.Join(update.Files, ", "))
	}
	sb.WriteString("\n</system_context>")

	p.append(ctx, inference.Message{
		Role:           inference.RoleUser,
		Content:        sb.String(),
		ConversationID: "update-" + uuid.NewString(),
	})
}

func (p *Processor) append(ctx context.Context, msgs ...inference.Message) {
	if len(msgs) == 0 {
		return
	}
	p.mu.Lock()
	p.history = append(p.history, msgs...)
	snapshot := cloneMessages(p.history)
	p.mu.Unlock()

	if err := p.store.AppendLog(ctx, p.cfg.SessionID, msgs...); err != nil {
		p.log.Warn("append conversation log failed", zap.Error(err))
	}
	if err := p.store.SaveHistory(ctx, p.cfg.SessionID, snapshot); err != nil {
		p.log.Warn("save conversation history failed", zap.Error(err))
	}
}

// compact applies the compaction policy and returns the history to send.
func (p *Processor) compact(ctx context.Context) ([]inference.Message, bool) {
	p.mu.Lock()
	before := len(p.history)
	compacted, changed := p.cfg.Compactor.Compact(p.history)
	if changed {
		p.history = compacted
	}
	snapshot := cloneMessages(p.history)
	p.mu.Unlock()

	if changed {
		p.log.Info("conversation history compacted",
			zap.Int("before", before),
			zap.Int("after", len(snapshot)))
		if err := p.store.SaveHistory(ctx, p.cfg.SessionID, snapshot); err != nil {
			p.log.Warn("save compacted history failed", zap.Error(err))
		}
	}
	return snapshot, changed
}

func (p *Processor) tools(convID string, images []string, cb ResponseCallback) []inference.Tool {
	var tools []inference.Tool
	if p.cfg.Queue != nil {
		tools = append(tools, queueRequestTool(p.cfg.Queue, QueuedRequest{
			SessionID:      p.cfg.SessionID,
			ConversationID: convID,
			Images:         images,
		}))
	}
	if p.cfg.Search != nil {
		tools = append(tools, webSearchTool(p.cfg.Search))
	}
	for i := range tools {
		tools[i].OnStart = func(call inference.ToolCall) {
			p.fsm.fireIf(EventToolCall, convID, StateClassifying, StateAnswering, StateToolCalling)
			cb("", convID, true, &ToolProgress{Name: call.Name, Status: inference.ToolStart})
		}
		tools[i].OnComplete = func(call inference.ToolCall, result inference.ToolResult) {
			cb("", convID, true, &ToolProgress{Name: call.Name, Status: result.Status, Message: result.Message})
		}
	}
	return tools
}

func (p *Processor) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are the conversational assistant of an app builder. You talk with the user while " +
		"a separate developer agent writes the code in phases.\n\n")
	if p.cfg.Project != "" {
		fmt.Fprintf(&sb, "Project: %s\n\n", p.cfg.Project)
	}
	sb.WriteString("Rules:\n")
	if p.cfg.Queue != nil {
		sb.WriteString("- When the user asks for any change to the app, call queue_request with a complete, " +
			"self-contained description of the change. Never write code yourself.\n")
	}
	if p.cfg.Search != nil {
		sb.WriteString("- Use web_search only for facts or documentation you do not know.\n")
	}
	sb.WriteString("- Messages wrapped in <system_context> are build progress reports, not user input.\n")
	sb.WriteString("- Keep replies short and friendly. Do not mention tools or internal agents by name.\n")
	return sb.String()
}

func userMessage(in Input, convID string) inference.Message {
	msg := inference.Message{Role: inference.RoleUser, ConversationID: convID}
	if len(in.Images) == 0 {
		msg.Content = in.Text
		return msg
	}
	msg.Parts = append(msg.Parts, inference.TextPart(in.Text))
	for _, img := range in.Images {
		msg.Parts = append(msg.Parts, inference.ImagePart(img, "auto"))
	}
	return msg
}
