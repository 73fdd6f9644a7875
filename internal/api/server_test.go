package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"phaseforge/internal/config"
	"phaseforge/internal/events"
	"phaseforge/internal/inference"
	"phaseforge/internal/store"
	"phaseforge/internal/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type busRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *busRecorder) Publish(_ context.Context, e events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *busRecorder) ofType(t events.Type) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// chatExecutor answers conversation turns with reply and fails planning.
func chatExecutor(reply string, chatErr error) inference.Executor {
	return inference.ExecutorFunc(func(_ context.Context, req *inference.Request) (*inference.Response, error) {
		if req.Operation != "user_conversation" {
			return nil, inference.NewFatalError(errors.New("planner offline"))
		}
		if chatErr != nil {
			return nil, chatErr
		}
		if req.OnChunk != nil {
			req.OnChunk(reply)
		}
		return &inference.Response{Text: reply}, nil
	})
}

type testServer struct {
	srv      *Server
	sessions *Sessions
	bus      *busRecorder
	router   *gin.Engine
}

func newTestServer(t *testing.T, exec inference.Executor, st *store.Store) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &busRecorder{}
	cfg := config.Default()
	cfg.Server.RequestsPerMinute = 0

	sessions := NewSessions(ctx, Deps{Config: cfg, Executor: exec, Store: st, Bus: bus, Logger: zap.NewNop()})
	t.Cleanup(func() {
		sessions.Close()
		cancel()
	})
	srv := NewServer(sessions, nil)
	return &testServer{srv: srv, sessions: sessions, bus: bus, router: srv.Router()}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, chatExecutor("hi", nil), nil)
	w := ts.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","sessions":0}`, w.Body.String())
}

func TestCreateAndGetSession(t *testing.T) {
	st, err := store.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ts := newTestServer(t, chatExecutor("hi", nil), st)

	w := ts.do(http.MethodPost, "/sessions", CreateSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/sessions", CreateSessionRequest{ID: "s1", Query: "a todo app"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"id":"s1"}`, w.Body.String())

	w = ts.do(http.MethodPost, "/sessions", CreateSessionRequest{ID: "s1", Query: "another"})
	assert.Equal(t, http.StatusCreated, w.Code, "existing ids are returned as is")
	assert.Equal(t, 1, ts.sessions.Len())

	w = ts.do(http.MethodGet, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "s1", body["id"])
	assert.Equal(t, "awaiting_user_input", body["state"])
	assert.Equal(t, false, body["building"])
	assert.Contains(t, body, "phase_records")

	w = ts.do(http.MethodGet, "/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostMessage(t *testing.T) {
	ts := newTestServer(t, chatExecutor("Sure, adding dark mode.", nil), nil)
	_, err := ts.sessions.Create(context.Background(), CreateSessionRequest{ID: "s1", Query: "a todo app"})
	require.NoError(t, err)

	w := ts.do(http.MethodPost, "/sessions/s1/messages", map[string]any{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/sessions/s1/messages", map[string]any{"text": "add dark mode"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ConversationID string `json:"conversation_id"`
		Text           string `json:"text"`
		Fallback       bool   `json:"fallback"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Sure, adding dark mode.", resp.Text)
	assert.False(t, resp.Fallback)
	assert.NotEmpty(t, resp.ConversationID)

	published := ts.bus.ofType(events.TypeConversation)
	require.Len(t, published, 2)
	assert.Equal(t, true, published[0].Data["streaming"])
	assert.Equal(t, false, published[1].Data["streaming"])
	assert.Equal(t, "Sure, adding dark mode.", published[1].Message)
}

func TestPostMessageRateLimited(t *testing.T) {
	ts := newTestServer(t, chatExecutor("", inference.NewRateLimitError(errors.New("429"))), nil)
	_, err := ts.sessions.Create(context.Background(), CreateSessionRequest{ID: "s1", Query: "a todo app"})
	require.NoError(t, err)

	w := ts.do(http.MethodPost, "/sessions/s1/messages", map[string]any{"text": "hello"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestBuildLifecycle(t *testing.T) {
	ts := newTestServer(t, chatExecutor("hi", nil), nil)
	_, err := ts.sessions.Create(context.Background(), CreateSessionRequest{ID: "s1", Query: "a todo app"})
	require.NoError(t, err)

	w := ts.do(http.MethodPost, "/sessions/missing/build", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, "/sessions/s1/build", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(http.MethodPost, "/sessions/s1/build", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Eventually(t, func() bool {
		return len(ts.bus.ofType(events.TypeBuildFailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w = ts.do(http.MethodDelete, "/sessions/s1/build", nil)
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := ts.sessions.Get("s1")
	require.NoError(t, err)
	assert.False(t, sess.Building())
	assert.NoError(t, sess.LastError(), "cancellation is not a failure")
}

func TestHandleInbound(t *testing.T) {
	ts := newTestServer(t, chatExecutor("noted", nil), nil)
	_, err := ts.sessions.Create(context.Background(), CreateSessionRequest{ID: "s1", Query: "a todo app"})
	require.NoError(t, err)

	ts.srv.HandleInbound(context.Background(), "s1", websocket.Message{
		Type: websocket.MessageTypeUserMessage,
		Data: json.RawMessage(`{"text":"make the header blue"}`),
	})
	ts.srv.HandleInbound(context.Background(), "unknown", websocket.Message{Data: json.RawMessage(`{"text":"x"}`)})

	final := ts.bus.ofType(events.TypeConversation)
	require.Len(t, final, 2)
	assert.Equal(t, "noted", final[1].Message)

	sess, err := ts.sessions.Get("s1")
	require.NoError(t, err)
	assert.Len(t, sess.Processor.History(), 2)
}
