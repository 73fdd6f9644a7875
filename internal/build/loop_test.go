package build

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"phaseforge/internal/agents"
	"phaseforge/internal/agents/conversation"
	"phaseforge/internal/config"
	"phaseforge/internal/events"
	"phaseforge/internal/inference"
	"phaseforge/internal/scof"
	"phaseforge/internal/storage"
	"phaseforge/internal/store"
)

func init() {
	inference.SetRetryConfig(inference.RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
	})
}

// pipelineExecutor answers by operation name and streams every answer.
type pipelineExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(call int, req *inference.Request) (string, error)
	calls    map[string]int
	prompts  map[string][]string
}

func newPipelineExecutor() *pipelineExecutor {
	return &pipelineExecutor{
		handlers: make(map[string]func(int, *inference.Request) (string, error)),
		calls:    make(map[string]int),
		prompts:  make(map[string][]string),
	}
}

func (p *pipelineExecutor) on(op string, h func(call int, req *inference.Request) (string, error)) {
	p.handlers[op] = h
}

func (p *pipelineExecutor) Complete(_ context.Context, req *inference.Request) (*inference.Response, error) {
	p.mu.Lock()
	call := p.calls[req.Operation]
	p.calls[req.Operation]++
	var prompt strings.Builder
	for _, m := range req.Messages {
		if m.Role == inference.RoleUser {
			prompt.WriteString(m.Text())
		}
	}
	p.prompts[req.Operation] = append(p.prompts[req.Operation], prompt.String())
	h := p.handlers[req.Operation]
	p.mu.Unlock()

	if h == nil {
		return nil, inference.NewFatalError(errors.New("unexpected operation " + req.Operation))
	}
	text, err := h(call, req)
	if err != nil {
		return nil, err
	}
	if req.OnChunk != nil {
		for i := 0; i < len(text); i += 16 {
			req.OnChunk(text[i:min(i+16, len(text))])
		}
	}
	return &inference.Response{Text: text}, nil
}

func (p *pipelineExecutor) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *pipelineExecutor) prompt(op string, i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts[op][i]
}

func phaseJSON(t *testing.T, phase agents.PhaseConcept) string {
	t.Helper()
	data, err := json.Marshal(phase)
	require.NoError(t, err)
	return string(data)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		if e.Type != events.TypeFileChunk {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *eventRecorder) chunks(path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, e := range r.events {
		if e.Type == events.TypeFileChunk && e.Path == path {
			sb.WriteString(e.Message)
		}
	}
	return sb.String()
}

type notifierRecorder struct {
	mu      sync.Mutex
	updates []conversation.ProjectUpdate
}

func (n *notifierRecorder) NotifyProjectUpdate(_ context.Context, u conversation.ProjectUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
}

type fakeSandbox struct {
	mu          sync.Mutex
	deploys     []DeployRequest
	issueCalls  int
	issues      func(call int) agents.IssueReport
	capture     *Capture
	captureErr  error
	deployErr   error
	screenshots int
}

func (f *fakeSandbox) Deploy(_ context.Context, _ string, req DeployRequest) (*Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	f.deploys = append(f.deploys, req)
	return &Deployment{PreviewURL: "https://preview.example.com/s1", DeployedAt: time.Now()}, nil
}

func (f *fakeSandbox) Issues(context.Context, string) (agents.IssueReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.issueCalls
	f.issueCalls++
	if f.issues == nil {
		return agents.IssueReport{}, nil
	}
	return f.issues(call), nil
}

func (f *fakeSandbox) Screenshot(context.Context, string) (*Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenshots++
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	if f.capture == nil {
		return nil, ErrNoScreenshot
	}
	return f.capture, nil
}

const appV1 = "import x from 'x';\nexport default function App() {\n  return null;\n}\n"
const appV2 = "export default function App() {\n  return null;\n}\n"

func newTestContext() *agents.GenerationContext {
	return agents.NewGenerationContext("a todo app", agents.Blueprint{Title: "Todos"}, agents.TemplateDetails{Name: "vite-react"})
}

func TestLoopRunsUntilLastPhase(t *testing.T) {
	exec := newPipelineExecutor()
	exec.on("phase_generation", func(call int, _ *inference.Request) (string, error) {
		if call == 0 {
			return phaseJSON(t, agents.PhaseConcept{
				Name: "Scaffold", Description: "Root component",
				Files: []agents.FileConcept{{Path: "src/App.tsx", Purpose: "Root", ChangeType: agents.ChangeCreate}},
			}), nil
		}
		return phaseJSON(t, agents.PhaseConcept{
			Name: "Dark mode", Description: "Theme toggle",
			Files:     []agents.FileConcept{{Path: "src/theme.ts", Purpose: "Theme", ChangeType: agents.ChangeCreate}},
			LastPhase: true,
		}), nil
	})
	exec.on("phase_implementation", func(call int, _ *inference.Request) (string, error) {
		if call == 0 {
			return scof.Encode([]agents.FileOutput{{Path: "src/App.tsx", Contents: appV2}}), nil
		}
		return scof.Encode([]agents.FileOutput{{Path: "src/theme.ts", Contents: "export const dark = true;\n"}}), nil
	})

	bus := &eventRecorder{}
	notifier := &notifierRecorder{}
	gc := newTestContext()
	queue := NewQueue()
	require.NoError(t, queue.Enqueue(context.Background(), conversation.QueuedRequest{Request: "add dark mode"}))

	loop, err := NewLoop(Options{
		SessionID: "s1", Context: gc, Executor: exec, Queue: queue,
		Bus: bus, Notifier: notifier, Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopFinished, summary.Reason)
	require.Len(t, summary.Phases, 2)
	assert.Equal(t, []string{"src/App.tsx"}, summary.Phases[0].Applied)
	assert.Equal(t, 1, summary.Phases[0].Requests)

	assert.Contains(t, exec.prompt("phase_generation", 0), "add dark mode")
	assert.Contains(t, exec.prompt("phase_generation", 1), "- Scaffold: Root component")
	assert.Equal(t, []string{"src/App.tsx", "src/theme.ts"}, gc.Paths())
	assert.Equal(t, 0, queue.Pending())

	types := bus.types()
	assert.Equal(t, events.TypePhaseStarted, types[0])
	assert.Contains(t, types, events.TypeFileGenerating)
	assert.Contains(t, types, events.TypeFileClosed)
	assert.Equal(t, events.TypeBuildCompleted, types[len(types)-1])
	assert.Equal(t, appV2, bus.chunks("src/App.tsx"))

	require.Len(t, notifier.updates, 2)
	assert.Equal(t, "phase_completed", notifier.updates[0].Type)
	assert.Equal(t, "Scaffold", notifier.updates[0].Phase)
	assert.Equal(t, []string{"src/App.tsx"}, notifier.updates[0].Files)
	assert.Equal(t, "Implemented 1 files.", notifier.updates[0].Message)
	assert.Len(t, loop.Completed(), 2)
}

func TestLoopReviewsFixesAndInspects(t *testing.T) {
	exec := newPipelineExecutor()
	exec.on("phase_generation", func(call int, _ *inference.Request) (string, error) {
		if call == 0 {
			return phaseJSON(t, agents.PhaseConcept{
				Name: "Scaffold", Description: "Root component",
				Files:     []agents.FileConcept{{Path: "src/App.tsx", Purpose: "Root", ChangeType: agents.ChangeCreate}},
				LastPhase: true,
			}), nil
		}
		return phaseJSON(t, agents.PhaseConcept{Name: "Visual polish", Description: "Header spacing", LastPhase: true}), nil
	})
	exec.on("phase_implementation", func(int, *inference.Request) (string, error) {
		return scof.Encode([]agents.FileOutput{{Path: "src/App.tsx", Contents: appV1}}), nil
	})
	exec.on("code_review", func(int, *inference.Request) (string, error) {
		return `{"summary":"unused import","files_to_fix":[{"file":"src/App.tsx","issues":["'x' is defined but never used"],"priority":"high","fix_scope":"remove the import","context":"","validation":"lint passes"}]}`, nil
	})
	exec.on("code_fixer_regeneration", func(int, *inference.Request) (string, error) {
		return scof.Encode([]agents.FileOutput{{Path: "src/App.tsx", Contents: appV2}}), nil
	})
	exec.on("screenshot_analysis", func(int, *inference.Request) (string, error) {
		return `{"hasIssues":true,"issues":[{"severity":"high","description":"Header overlaps content","element":"header"}],"complianceScore":6,"deviations":["header position"]}`, nil
	})

	sandbox := &fakeSandbox{
		issues: func(call int) agents.IssueReport {
			if call == 0 {
				return agents.IssueReport{StaticAnalysis: agents.StaticAnalysis{Lint: []agents.CodeIssue{
					{File: "src/App.tsx", Line: 1, Message: "'x' is defined but never used", Rule: "no-unused-vars", Source: agents.SourceLint},
				}}}
			}
			return agents.IssueReport{}
		},
		capture: &Capture{Image: []byte("png"), ContentType: "image/png", Viewport: agents.Viewport{Width: 1280, Height: 800}},
	}
	bus := &eventRecorder{}
	gc := newTestContext()

	loop, err := NewLoop(Options{
		SessionID: "s1", Context: gc, Executor: exec, Bus: bus,
		Sandbox: sandbox, Screenshots: storage.DataURLStore{}, Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Phases, 2, "the visual follow-up forces another phase")

	first := summary.Phases[0]
	assert.Equal(t, []string{"src/App.tsx"}, first.Fixed)
	require.NotNil(t, first.Review)
	require.NotNil(t, first.Visual)
	assert.Equal(t, 6, first.Visual.ComplianceScore)
	assert.Equal(t, "https://preview.example.com/s1", first.Deployment.PreviewURL)

	f, ok := gc.File("src/App.tsx")
	require.True(t, ok)
	assert.Equal(t, appV2, f.Contents)

	require.Len(t, sandbox.deploys, 2, "initial deploy and redeploy after fixes")
	assert.Equal(t, appV2, sandbox.deploys[1].Files[0].Contents)
	assert.Contains(t, exec.prompt("phase_generation", 1), "Header overlaps content (header)")
	assert.Equal(t, 0, exec.count("code_fixer_fast"), "nothing left for the fast fixer")
	assert.Contains(t, bus.types(), events.TypeScreenshot)
	assert.Contains(t, bus.types(), events.TypeReviewCompleted)
}

func TestLoopFastFixesRemainingIssues(t *testing.T) {
	exec := newPipelineExecutor()
	exec.on("phase_generation", func(int, *inference.Request) (string, error) {
		return phaseJSON(t, agents.PhaseConcept{
			Name: "Scaffold", Files: []agents.FileConcept{{Path: "src/App.tsx", Purpose: "Root", ChangeType: agents.ChangeCreate}},
			LastPhase: true,
		}), nil
	})
	exec.on("phase_implementation", func(int, *inference.Request) (string, error) {
		return scof.Encode([]agents.FileOutput{{Path: "src/App.tsx", Contents: appV1}}), nil
	})
	exec.on("code_review", func(int, *inference.Request) (string, error) {
		return `{"summary":"nothing independent","files_to_fix":[]}`, nil
	})
	exec.on("code_fixer_fast", func(int, *inference.Request) (string, error) {
		return scof.Encode([]agents.FileOutput{{Path: "src/App.tsx", Contents: appV2}}), nil
	})

	sandbox := &fakeSandbox{issues: func(call int) agents.IssueReport {
		if call == 0 {
			return agents.IssueReport{RuntimeErrors: []agents.RuntimeError{{Message: "x is not defined", File: "src/App.tsx", Line: 1}}}
		}
		return agents.IssueReport{}
	}}

	loop, err := NewLoop(Options{SessionID: "s1", Context: newTestContext(), Executor: exec, Sandbox: sandbox, Logger: zap.NewNop()})
	require.NoError(t, err)

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Phases, 1)
	assert.Equal(t, []string{"src/App.tsx"}, summary.Phases[0].Fixed)
	assert.False(t, summary.Phases[0].Remaining.HasIssues())
	assert.Equal(t, 1, exec.count("code_fixer_fast"))
	assert.Len(t, sandbox.deploys, 2)
}

func TestLoopPlanningFailureRequeues(t *testing.T) {
	exec := newPipelineExecutor()
	exec.on("phase_generation", func(int, *inference.Request) (string, error) {
		return "", inference.NewRateLimitError(errors.New("slow down"))
	})
	bus := &eventRecorder{}
	queue := NewQueue()
	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, conversation.QueuedRequest{Request: "first"}))
	require.NoError(t, queue.Enqueue(ctx, conversation.QueuedRequest{Request: "second"}))

	loop, err := NewLoop(Options{SessionID: "s1", Context: newTestContext(), Executor: exec, Queue: queue, Bus: bus, Logger: zap.NewNop()})
	require.NoError(t, err)

	_, err = loop.Run(ctx)
	require.Error(t, err)
	assert.True(t, inference.IsRateLimit(err))

	drained := queue.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].Request)
	assert.Equal(t, []events.Type{events.TypeBuildFailed}, bus.types())
}

func TestLoopStopsAtMaxPhases(t *testing.T) {
	exec := newPipelineExecutor()
	exec.on("phase_generation", func(call int, _ *inference.Request) (string, error) {
		return phaseJSON(t, agents.PhaseConcept{
			Name:  "Step",
			Files: []agents.FileConcept{{Path: "src/step.ts", Purpose: "Step", ChangeType: agents.ChangeCreate}},
		}), nil
	})
	exec.on("phase_implementation", func(int, *inference.Request) (string, error) {
		return scof.Encode([]agents.FileOutput{{Path: "src/step.ts", Contents: "export const step = 1;\n"}}), nil
	})

	recorder, err := store.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = recorder.Close() })

	loop, err := NewLoop(Options{SessionID: "s1", Context: newTestContext(), Executor: exec, Recorder: recorder, MaxPhases: 3, Logger: zap.NewNop()})
	require.NoError(t, err)

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopMaxPhases, summary.Reason)
	assert.Len(t, summary.Phases, 3)

	phases, err := recorder.Phases(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, phases, 3)
}

func TestLoopServeRunsAgainOnNewRequests(t *testing.T) {
	exec := newPipelineExecutor()
	exec.on("phase_generation", func(int, *inference.Request) (string, error) {
		return phaseJSON(t, agents.PhaseConcept{Name: "Done", LastPhase: true}), nil
	})
	queue := NewQueue()
	loop, err := NewLoop(Options{SessionID: "s1", Context: newTestContext(), Executor: exec, Queue: queue, Logger: zap.NewNop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Serve(ctx) }()

	require.Eventually(t, func() bool { return exec.count("phase_generation") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, queue.Enqueue(ctx, conversation.QueuedRequest{Request: "add a footer"}))
	require.Eventually(t, func() bool { return exec.count("phase_generation") == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, exec.prompt("phase_generation", 1), "add a footer")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestNewLoopValidates(t *testing.T) {
	_, err := NewLoop(Options{Executor: newPipelineExecutor()})
	assert.ErrorIs(t, err, errNoContext)
	_, err = NewLoop(Options{Context: newTestContext()})
	assert.ErrorIs(t, err, errNoExecutor)
}
