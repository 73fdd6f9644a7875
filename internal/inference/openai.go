package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"phaseforge/internal/logging"
)

// OpenAIConfig configures an OpenAI-compatible chat completion gateway.
type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	VisionModel       string
	RequestsPerMinute int
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// ProviderUsage tracks cumulative gateway usage.
type ProviderUsage struct {
	RequestCount int64     `json:"request_count"`
	TotalTokens  int64     `json:"total_tokens"`
	AvgLatency   float64   `json:"avg_latency"`
	ErrorCount   int64     `json:"error_count"`
	LastUsed     time.Time `json:"last_used"`
}

// OpenAIExecutor implements Executor against any OpenAI-compatible streaming
// chat completion endpoint.
type OpenAIExecutor struct {
	client      *openai.Client
	model       string
	visionModel string
	limiter     *rate.Limiter
	logger      *zap.Logger

	mu    sync.Mutex
	usage ProviderUsage
}

// NewOpenAIExecutor creates a gateway client.
func NewOpenAIExecutor(cfg OpenAIConfig, logger *zap.Logger) *OpenAIExecutor {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		oc.HTTPClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.RequestsPerMinute / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	}

	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = cfg.Model
	}
	return &OpenAIExecutor{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		visionModel: visionModel,
		limiter:     limiter,
		logger:      logging.OrNamed(logger, "openai"),
	}
}

// Complete implements Executor. Text deltas are forwarded to req.OnChunk as
// they arrive.
func (e *OpenAIExecutor) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	creq, err := e.buildRequest(req)
	if err != nil {
		return nil, NewFatalError(err)
	}

	stream, err := e.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		e.recordError()
		return nil, classifyError(ctx, err)
	}
	defer stream.Close()

	var text strings.Builder
	calls := map[int]*ToolCall{}
	resp := &Response{Model: creq.Model}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.recordError()
			return nil, classifyError(ctx, err)
		}
		if chunk.Usage != nil {
			resp.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if d := choice.Delta.Content; d != "" {
				text.WriteString(d)
				if req.OnChunk != nil {
					req.OnChunk(d)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := calls[idx]
				if !ok {
					acc = &ToolCall{}
					calls[idx] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Arguments += tc.Function.Arguments
			}
			if choice.FinishReason != "" {
				resp.FinishReason = string(choice.FinishReason)
			}
		}
	}

	if resp.FinishReason == string(openai.FinishReasonContentFilter) {
		e.recordError()
		return nil, NewSecurityError(errors.New("response blocked by content filter"))
	}

	resp.Text = text.String()
	if len(calls) > 0 {
		idxs := make([]int, 0, len(calls))
		for i := range calls {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			resp.ToolCalls = append(resp.ToolCalls, *calls[i])
		}
	}

	e.updateUsage(resp.Usage.TotalTokens, time.Since(start))
	e.logger.Debug("completion finished",
		zap.String("operation", req.Operation),
		zap.String("model", creq.Model),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Int("tool_calls", len(resp.ToolCalls)),
		zap.Duration("duration", time.Since(start)))
	return resp, nil
}

func (e *OpenAIExecutor) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = e.model
		for _, m := range req.Messages {
			if m.HasImages() {
				model = e.visionModel
				break
			}
		}
	}
	if model == "" {
		return openai.ChatCompletionRequest{}, errors.New("no model configured")
	}

	creq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}
	if req.ReasoningEffort != "" {
		creq.ReasoningEffort = string(req.ReasoningEffort)
	}
	if req.Format == FormatJSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	for _, m := range req.Messages {
		cm := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.Parts) > 0 {
			for _, p := range m.Parts {
				switch p.Type {
				case PartText:
					cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: p.Text,
					})
				case PartImageURL:
					cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    p.ImageURL,
							Detail: openai.ImageURLDetail(p.Detail),
						},
					})
				}
			}
		} else {
			cm.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		creq.Messages = append(creq.Messages, cm)
	}
	return creq, nil
}

// classifyError maps gateway failures onto the error kinds of this package.
func classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := 0
	code := ""
	message := err.Error()
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		message = apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewFatalError(err)
	case isPolicyViolation(code, message):
		return NewSecurityError(err)
	case status == 0 || status == http.StatusRequestTimeout || status >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}

func isPolicyViolation(code, message string) bool {
	if code == "content_policy_violation" || code == "content_filter" {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "content policy") || strings.Contains(lower, "safety system")
}

func (e *OpenAIExecutor) updateUsage(tokens int, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usage.RequestCount++
	e.usage.TotalTokens += int64(tokens)
	e.usage.LastUsed = time.Now()
	n := float64(e.usage.RequestCount)
	e.usage.AvgLatency = (e.usage.AvgLatency*(n-1) + duration.Seconds()) / n
}

func (e *OpenAIExecutor) recordError() {
	e.mu.Lock()
	e.usage.ErrorCount++
	e.mu.Unlock()
}

// Usage returns a snapshot of cumulative usage.
func (e *OpenAIExecutor) Usage() ProviderUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}
