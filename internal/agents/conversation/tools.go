package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"phaseforge/internal/inference"
)

const (
	ToolQueueRequest = "queue_request"
	ToolWebSearch    = "web_search"
)

// QueuedRequest is a code change handed to the build pipeline.
type QueuedRequest struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Request        string    `json:"request"`
	Images         []string  `json:"images,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RequestQueue receives modification requests from the conversation.
type RequestQueue interface {
	Enqueue(ctx context.Context, req QueuedRequest) error
}

// WebSearcher answers free-text queries with a plain text digest.
type WebSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

var errEmptyArgument = errors.New("argument must not be empty")

type queueRequestArgs struct {
	ModificationRequest string `json:"modificationRequest"`
}

func queueRequestTool(queue RequestQueue, base QueuedRequest) inference.Tool {
	return inference.Tool{
		Name: ToolQueueRequest,
		Description: "Queue a change to the app for the build pipeline. Use this whenever the user asks " +
			"for a feature, a fix or any other change to the code. Describe the change completely and " +
			"concretely; the developer implementing it does not see this conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"modificationRequest": map[string]any{
					"type":        "string",
					"description": "Self-contained description of the requested change",
				},
			},
			"required": []string{"modificationRequest"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (inference.ToolResult, error) {
			var args queueRequestArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return inference.ToolResult{}, fmt.Errorf("decode %s arguments: %w", ToolQueueRequest, err)
			}
			text := strings.TrimSpace(args.ModificationRequest)
			if text == "" {
				return inference.ToolResult{}, fmt.Errorf("modificationRequest: %w", errEmptyArgument)
			}
			req := base
			req.Request = text
			req.CreatedAt = time.Now()
			if err := queue.Enqueue(ctx, req); err != nil {
				return inference.ToolResult{}, fmt.Errorf("queue request: %w", err)
			}
			return inference.ToolResult{
				Status:  inference.ToolSuccess,
				Message: "Request queued. It will be implemented in the next phase.",
			}, nil
		},
	}
}

type webSearchArgs struct {
	Query string `json:"query"`
}

func webSearchTool(searcher WebSearcher) inference.Tool {
	return inference.Tool{
		Name:        ToolWebSearch,
		Description: "Search the web for current documentation or facts the user asks about.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (inference.ToolResult, error) {
			var args webSearchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return inference.ToolResult{}, fmt.Errorf("decode %s arguments: %w", ToolWebSearch, err)
			}
			query := strings.TrimSpace(args.Query)
			if query == "" {
				return inference.ToolResult{}, fmt.Errorf("query: %w", errEmptyArgument)
			}
			digest, err := searcher.Search(ctx, query)
			if err != nil {
				return inference.ToolResult{}, err
			}
			return inference.ToolResult{Status: inference.ToolSuccess, Message: digest}, nil
		},
	}
}
