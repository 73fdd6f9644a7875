package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"phaseforge/internal/inference"
)

func init() {
	inference.SetRetryConfig(inference.RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
	})
}

// fakeExecutor answers every call through handle and streams the text to
// OnChunk in small pieces.
type fakeExecutor struct {
	handle    func(req *inference.Request) (string, error)
	chunkSize int

	mu       sync.Mutex
	requests []inference.Request
}

func newFakeExecutor(handle func(req *inference.Request) (string, error)) *fakeExecutor {
	return &fakeExecutor{handle: handle, chunkSize: 7}
}

// replying returns an executor that always answers text.
func replying(text string) *fakeExecutor {
	return newFakeExecutor(func(*inference.Request) (string, error) { return text, nil })
}

func (f *fakeExecutor) Complete(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	f.mu.Unlock()

	text, err := f.handle(req)
	if err != nil {
		return nil, err
	}
	if req.OnChunk != nil {
		for i := 0; i < len(text); i += f.chunkSize {
			req.OnChunk(text[i:min(i+f.chunkSize, len(text))])
		}
	}
	return &inference.Response{Text: text}, nil
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeExecutor) last() inference.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// userText joins the text of every user message of req.
func userText(req inference.Request) string {
	var parts []string
	for _, m := range req.Messages {
		if m.Role == inference.RoleUser {
			parts = append(parts, m.Text())
		}
	}
	return strings.Join(parts, "\n")
}

func testOptions(exec inference.Executor, gc *GenerationContext) *OperationOptions {
	return &OperationOptions{
		Executor:  exec,
		Context:   gc,
		SessionID: "test-session",
		Logger:    zap.NewNop(),
		Settings:  DefaultSettings(),
	}
}

func linesOf(n int, format string) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf(format, i+1)
	}
	return strings.Join(lines, "\n")
}
