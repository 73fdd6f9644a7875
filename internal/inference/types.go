// Package inference is the boundary between the generation pipeline and the
// language model. Operations build a Request, hand it to an Executor through
// Execute or ExecuteStructured, and receive text, tool traces or validated
// structured output.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType distinguishes multimodal message parts.
type ContentPartType string

const (
	PartText     ContentPartType = "text"
	PartImageURL ContentPartType = "image_url"
)

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL string          `json:"image_url,omitempty"`
	Detail   string          `json:"detail,omitempty"` // low, high, auto
}

// TextPart is shorthand for a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart is shorthand for an image content part.
func ImagePart(url, detail string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: url, Detail: detail}
}

// ToolCall is a model request to run a tool. Arguments is raw JSON.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of a conversation. Either Content or Parts carries
// the payload; Parts wins when both are set.
type Message struct {
	Role           Role          `json:"role"`
	Content        string        `json:"content,omitempty"`
	Parts          []ContentPart `json:"parts,omitempty"`
	ToolCalls      []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID     string        `json:"tool_call_id,omitempty"`
	Name           string        `json:"name,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
}

// Text returns the textual payload of the message, flattening parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		case PartImageURL:
			if sb.Len() > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString("[image]")
		}
	}
	return sb.String()
}

// HasImages reports whether any part is an image.
func (m Message) HasImages() bool {
	for _, p := range m.Parts {
		if p.Type == PartImageURL {
			return true
		}
	}
	return false
}

// SystemMessage, UserMessage and AssistantMessage build plain text messages.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ReasoningEffort is the requested model reasoning budget.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// Raise moves the effort one tier up: low becomes medium, anything else high.
func (e ReasoningEffort) Raise() ReasoningEffort {
	if e == EffortLow {
		return EffortMedium
	}
	return EffortHigh
}

// Lower moves the effort one tier down, bottoming out at low.
func (e ReasoningEffort) Lower() ReasoningEffort {
	if e == EffortHigh {
		return EffortMedium
	}
	return EffortLow
}

// ParseReasoningEffort parses a configured effort name.
func ParseReasoningEffort(s string) (ReasoningEffort, error) {
	switch e := ReasoningEffort(strings.ToLower(strings.TrimSpace(s))); e {
	case EffortLow, EffortMedium, EffortHigh:
		return e, nil
	default:
		return "", fmt.Errorf("unknown reasoning effort %q", s)
	}
}

// Format is the requested response encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ToolStatus is reported through tool hooks.
type ToolStatus string

const (
	ToolStart   ToolStatus = "start"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ToolResult is what a tool hands back to the model.
type ToolResult struct {
	Status  ToolStatus `json:"status"`
	Message string     `json:"message"`
}

// ToolHandler runs a tool with its raw JSON arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (ToolResult, error)

// Tool is a function the model may call. OnStart and OnComplete exist for
// progress narration only and must not block.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
	Handler     ToolHandler
	OnStart     func(call ToolCall)
	OnComplete  func(call ToolCall, result ToolResult)
}

// ToolInvocation records one executed tool call.
type ToolInvocation struct {
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}

// Request is one logical inference call.
type Request struct {
	// Operation names the caller for logs and metrics.
	Operation       string
	Model           string
	Messages        []Message
	Format          Format
	ReasoningEffort ReasoningEffort
	// RetryLimit is the number of extra attempts allowed for transient failures.
	RetryLimit  int
	MaxTokens   int
	Temperature *float32
	Tools       []Tool
	// OnChunk receives streamed text deltas in arrival order.
	OnChunk func(delta string)
}

// Usage is token accounting for one or more calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *Usage) add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// Response is the outcome of a single model turn.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        Usage
	Model        string
	FinishReason string
}

// Executor performs one model turn. Implementations stream deltas to
// req.OnChunk when it is set and classify failures with the error kinds of
// this package.
type Executor interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req *Request) (*Response, error)

func (f ExecutorFunc) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
