package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, status int, body string, capture *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, capture)
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sseChunks(chunks ...string) string {
	var sb strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&sb, "data: %s\n\n", c)
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func TestOpenAIExecutorStreamsText(t *testing.T) {
	var captured map[string]any
	srv := sseServer(t, http.StatusOK, sseChunks(
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	), &captured)

	exec := NewOpenAIExecutor(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "gpt-test"}, nil)
	var deltas []string
	resp, err := exec.Complete(context.Background(), &Request{
		Operation:       "test",
		Messages:        []Message{SystemMessage("sys"), UserMessage("hi")},
		ReasoningEffort: EffortMedium,
		Format:          FormatJSON,
		OnChunk:         func(d string) { deltas = append(deltas, d) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-test", captured["model"])
	assert.Equal(t, "medium", captured["reasoning_effort"])
	assert.Equal(t, true, captured["stream"])
	assert.Equal(t, int64(1), exec.Usage().RequestCount)
}

func TestOpenAIExecutorAccumulatesToolCalls(t *testing.T) {
	srv := sseServer(t, http.StatusOK, sseChunks(
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":"{\"q"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"uery\":\"go\"}"}}]},"finish_reason":"tool_calls"}]}`,
	), nil)

	exec := NewOpenAIExecutor(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m"}, nil)
	resp, err := exec.Complete(context.Background(), &Request{Messages: []Message{UserMessage("search")}})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"go"}`, resp.ToolCalls[0].Arguments)
}

func TestOpenAIExecutorClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit_error"}}`, IsRateLimit},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth"}}`, IsFatal},
		{"policy", http.StatusBadRequest, `{"error":{"message":"blocked","code":"content_policy_violation"}}`, IsSecurity},
		{"server", http.StatusBadGateway, `{"error":{"message":"upstream","type":"server_error"}}`, IsTransient},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad param","type":"invalid_request_error"}}`, IsFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := sseServer(t, tt.status, tt.body, nil)
			exec := NewOpenAIExecutor(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "m"}, nil)
			_, err := exec.Complete(context.Background(), &Request{Messages: []Message{UserMessage("x")}})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)
			assert.Equal(t, int64(1), exec.Usage().ErrorCount)
		})
	}
}

func TestOpenAIExecutorUsesVisionModelForImages(t *testing.T) {
	var captured map[string]any
	srv := sseServer(t, http.StatusOK, sseChunks(`{"choices":[{"index":0,"delta":{"content":"{}"}}]}`), &captured)
	exec := NewOpenAIExecutor(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "text-model", VisionModel: "vision-model"}, nil)

	_, err := exec.Complete(context.Background(), &Request{Messages: []Message{{
		Role:  RoleUser,
		Parts: []ContentPart{TextPart("what is wrong"), ImagePart("https://cdn.example.com/shot.png", "high")},
	}}})
	require.NoError(t, err)
	assert.Equal(t, "vision-model", captured["model"])
}
