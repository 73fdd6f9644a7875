package build

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"phaseforge/internal/agents"
	"phaseforge/internal/agents/conversation"
	"phaseforge/internal/config"
)

func newSandboxServer(t *testing.T, mux *http.ServeMux) *HTTPSandbox {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHTTPSandbox(config.SandboxConfig{BaseURL: srv.URL + "/", Token: "secret", Timeout: 5 * time.Second}, zap.NewNop())
}

func TestHTTPSandboxDeployRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/s1/deploy", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if attempts.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		var req DeployRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []SandboxFile{{Path: "src/App.tsx", Contents: "x"}}, req.Files)
		assert.Equal(t, []string{"npm install zustand"}, req.Commands)
		_, _ = w.Write([]byte(`{"previewUrl":"https://preview.example.com/s1"}`))
	})
	sb := newSandboxServer(t, mux)

	dep, err := sb.Deploy(context.Background(), "s1", DeployRequest{
		Files:    []SandboxFile{{Path: "src/App.tsx", Contents: "x"}},
		Commands: []string{"npm install zustand"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://preview.example.com/s1", dep.PreviewURL)
	assert.False(t, dep.DeployedAt.IsZero())
	assert.Equal(t, int32(2), attempts.Load())
}

func TestHTTPSandboxDeployClientErrorIsPermanent(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/s1/deploy", func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad files", http.StatusUnprocessableEntity)
	})
	sb := newSandboxServer(t, mux)

	_, err := sb.Deploy(context.Background(), "s1", DeployRequest{})
	require.Error(t, err)
	var sbErr *SandboxError
	require.ErrorAs(t, err, &sbErr)
	assert.Equal(t, http.StatusUnprocessableEntity, sbErr.StatusCode)
	assert.Equal(t, "bad files", sbErr.Message)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestHTTPSandboxIssues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/s1/issues", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"runtime_errors":[{"message":"x is not defined","file":"src/App.tsx","line":3}],
			"static_analysis":{"lint":[{"file":"src/a.ts","message":"unused","source":"lint"}]}
		}`))
	})
	mux.HandleFunc("/sessions/broken/issues", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	})
	sb := newSandboxServer(t, mux)

	report, err := sb.Issues(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, report.RuntimeErrors, 1)
	assert.Equal(t, 3, report.RuntimeErrors[0].Line)
	require.Len(t, report.StaticAnalysis.Lint, 1)
	assert.Equal(t, agents.SourceLint, report.StaticAnalysis.Lint[0].Source)

	_, err = sb.Issues(context.Background(), "broken")
	var sbErr *SandboxError
	require.ErrorAs(t, err, &sbErr)
	assert.Equal(t, "issues", sbErr.Op)
}

func TestHTTPSandboxScreenshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/s1/screenshot", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Viewport-Width", "1280")
		w.Header().Set("X-Viewport-Height", "800")
		_, _ = w.Write([]byte("png-bytes"))
	})
	mux.HandleFunc("/sessions/empty/screenshot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	sb := newSandboxServer(t, mux)

	capture, err := sb.Screenshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), capture.Image)
	assert.Equal(t, "image/png", capture.ContentType)
	assert.Equal(t, agents.Viewport{Width: 1280, Height: 800}, capture.Viewport)

	_, err = sb.Screenshot(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrNoScreenshot)
}

func TestQueue(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	assert.ErrorIs(t, q.Enqueue(ctx, conversation.QueuedRequest{Request: "  "}), errEmptyRequest)

	require.NoError(t, q.Enqueue(ctx, conversation.QueuedRequest{Request: "a"}))
	require.NoError(t, q.Enqueue(ctx, conversation.QueuedRequest{Request: "b"}))
	assert.Equal(t, 2, q.Pending())

	select {
	case <-q.Notify():
	default:
		t.Fatal("enqueue should notify")
	}

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.False(t, drained[0].CreatedAt.IsZero())
	assert.Equal(t, 0, q.Pending())

	require.NoError(t, q.Enqueue(ctx, conversation.QueuedRequest{Request: "c"}))
	q.requeue(drained)
	got := q.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].Request, got[1].Request, got[2].Request})

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, q.Enqueue(cancelled, conversation.QueuedRequest{Request: "d"}), context.Canceled)
}

var _ conversation.RequestQueue = (*Queue)(nil)
