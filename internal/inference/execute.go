package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"phaseforge/internal/logging"
	"phaseforge/internal/metrics"
)

// MaxToolRounds bounds how many tool round trips one Execute call may make.
const MaxToolRounds = 6

var errToolLoop = errors.New("tool loop did not converge")

// RetryConfig shapes the delegated retry backoff.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the production backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     20 * time.Second,
		Multiplier:      2.0,
	}
}

var (
	retryMu     sync.RWMutex
	retryPolicy = DefaultRetryConfig()
)

// SetRetryConfig replaces the process-wide backoff. Tests use it to shrink
// intervals.
func SetRetryConfig(cfg RetryConfig) {
	retryMu.Lock()
	defer retryMu.Unlock()
	retryPolicy = cfg
}

func newBackOff(ctx context.Context, retries int) backoff.BackOff {
	retryMu.RLock()
	cfg := retryPolicy
	retryMu.RUnlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.MaxElapsedTime = 0
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Result is the outcome of Execute.
type Result struct {
	Text      string
	ToolTrace []ToolInvocation
	// Messages holds the assistant and tool messages produced by tool rounds,
	// in order. The final assistant text is not included.
	Messages []Message
	Usage    Usage
}

// Execute runs one logical inference call: model turns with delegated retry
// on transient failures, and tool round trips when the request declares
// tools. Streamed deltas reach req.OnChunk; once any delta has been
// delivered a failure is no longer retried.
func Execute(ctx context.Context, exec Executor, req *Request) (*Result, error) {
	if exec == nil {
		return nil, NewFatalError(errors.New("no inference executor configured"))
	}
	log := logging.Named("inference").With(zap.String("operation", req.Operation))

	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	result := &Result{}

	for round := 0; ; round++ {
		turn := *req
		turn.Messages = msgs
		resp, err := completeWithRetry(ctx, exec, &turn, log)
		if err != nil {
			return nil, err
		}
		result.Usage.add(resp.Usage)

		if len(resp.ToolCalls) == 0 || len(req.Tools) == 0 {
			result.Text = resp.Text
			return result, nil
		}
		if round >= MaxToolRounds {
			return nil, NewFatalError(fmt.Errorf("%w after %d rounds", errToolLoop, MaxToolRounds))
		}

		assistant := Message{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}
		msgs = append(msgs, assistant)
		result.Messages = append(result.Messages, assistant)

		for _, call := range resp.ToolCalls {
			res := runTool(ctx, req.Tools, call, log)
			result.ToolTrace = append(result.ToolTrace, ToolInvocation{Call: call, Result: res})
			toolMsg := Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: res.Message}
			msgs = append(msgs, toolMsg)
			result.Messages = append(result.Messages, toolMsg)
		}
	}
}

func completeWithRetry(ctx context.Context, exec Executor, req *Request, log *zap.Logger) (*Response, error) {
	m := metrics.Get()
	op := metrics.Label(req.Operation, "unknown")

	var streamed bool
	turn := *req
	if req.OnChunk != nil {
		turn.OnChunk = func(delta string) {
			streamed = true
			req.OnChunk(delta)
		}
	}

	var resp *Response
	attempt := 0
	call := func() error {
		attempt++
		if attempt > 1 {
			m.InferenceRetriesTotal.WithLabelValues(op).Inc()
		}
		m.InferenceInFlight.WithLabelValues(op).Inc()
		start := time.Now()
		r, err := exec.Complete(ctx, &turn)
		m.InferenceInFlight.WithLabelValues(op).Dec()

		var usage Usage
		if r != nil {
			usage = r.Usage
		}
		metrics.RecordInference(req.Operation, start, err, usage.PromptTokens, usage.CompletionTokens)

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			if streamed || !retryable(err) {
				return backoff.Permanent(err)
			}
			log.Warn("inference attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("retry_limit", req.RetryLimit),
				zap.Error(err))
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(call, newBackOff(ctx, req.RetryLimit)); err != nil {
		log.Error("inference failed", zap.Int("attempts", attempt), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func runTool(ctx context.Context, tools []Tool, call ToolCall, log *zap.Logger) ToolResult {
	var tool *Tool
	for i := range tools {
		if tools[i].Name == call.Name {
			tool = &tools[i]
			break
		}
	}
	if tool == nil {
		metrics.Get().ToolCallsTotal.WithLabelValues(metrics.Label(call.Name, "unknown"), string(ToolError)).Inc()
		return ToolResult{Status: ToolError, Message: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	if tool.OnStart != nil {
		tool.OnStart(call)
	}
	var res ToolResult
	var err error
	if tool.Handler == nil {
		err = errors.New("tool has no handler")
	} else {
		args := json.RawMessage(call.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		res, err = tool.Handler(ctx, args)
	}
	if err != nil {
		log.Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
		res = ToolResult{Status: ToolError, Message: err.Error()}
	}
	if res.Status == "" || res.Status == ToolStart {
		res.Status = ToolSuccess
	}
	if tool.OnComplete != nil {
		tool.OnComplete(call, res)
	}
	metrics.Get().ToolCallsTotal.WithLabelValues(metrics.Label(call.Name, "unknown"), string(res.Status)).Inc()
	return res
}

// Schema is implemented by structured response types.
type Schema interface {
	Validate() error
}

// ExecuteStructured runs a JSON-format call and decodes the response into T.
// A response that is not a JSON object, does not decode, or fails Validate
// yields a *SchemaError.
func ExecuteStructured[T any, PT interface {
	*T
	Schema
}](ctx context.Context, exec Executor, req *Request) (*T, *Result, error) {
	structured := *req
	structured.Format = FormatJSON
	res, err := Execute(ctx, exec, &structured)
	if err != nil {
		return nil, nil, err
	}

	raw := ExtractJSON(res.Text)
	if raw == "" {
		return nil, res, &SchemaError{Operation: req.Operation, Raw: truncate(res.Text, 512), Err: errors.New("no JSON object in response")}
	}
	out := new(T)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return nil, res, &SchemaError{Operation: req.Operation, Raw: truncate(raw, 512), Err: err}
	}
	if err := PT(out).Validate(); err != nil {
		return nil, res, &SchemaError{Operation: req.Operation, Raw: truncate(raw, 512), Err: err}
	}
	return out, res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
