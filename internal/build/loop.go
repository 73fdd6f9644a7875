// Package build owns the generation context of one session and drives it
// phase by phase: plan, implement, deploy, review, fix and inspect, until
// the plan is finished and nobody asked for more.
package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"phaseforge/internal/agents"
	"phaseforge/internal/agents/conversation"
	"phaseforge/internal/events"
	"phaseforge/internal/imageurl"
	"phaseforge/internal/inference"
	"phaseforge/internal/logging"
	"phaseforge/internal/metrics"
	"phaseforge/internal/storage"
	"phaseforge/internal/store"
)

// Notifier receives progress narration for the user conversation.
type Notifier interface {
	NotifyProjectUpdate(ctx context.Context, update conversation.ProjectUpdate)
}

// PhaseRecorder persists completed phases.
type PhaseRecorder interface {
	RecordPhase(ctx context.Context, rec store.PhaseRecord) error
}

// Options configures a Loop. Sandbox, Screenshots, Notifier, Recorder and
// Images are optional.
type Options struct {
	SessionID string
	Context   *agents.GenerationContext
	Executor  inference.Executor
	Queue     *Queue
	Bus       events.Bus

	Sandbox     Sandbox
	Screenshots storage.ScreenshotStore
	Notifier    Notifier
	Recorder    PhaseRecorder
	Images      *imageurl.Validator

	Settings    agents.Settings
	Effort      inference.ReasoningEffort
	AutoFix     bool
	MaxPhases   int
	JoinTimeout time.Duration
	Logger      *zap.Logger
}

// PhaseResult summarizes one completed phase.
type PhaseResult struct {
	Phase      agents.PhaseConcept
	Applied    []string
	Fixed      []string
	Failed     []string
	Deleted    []string
	Deployment *Deployment
	Review     *agents.CodeReviewOutput
	Visual     *agents.ScreenshotAnalysisResult
	Remaining  agents.IssueReport
	Requests   int
	Duration   time.Duration
}

// StopReason explains why Run returned.
type StopReason string

const (
	StopFinished  StopReason = "finished"
	StopMaxPhases StopReason = "max_phases"
)

// Summary is the outcome of Run.
type Summary struct {
	Phases []PhaseResult
	Reason StopReason
}

// Loop is the single owner of a session's GenerationContext. Operations
// read the context; only the loop applies changes, between stages.
type Loop struct {
	opts Options
	log  *zap.Logger

	generation     *agents.PhaseGeneration
	implementation *agents.PhaseImplementation
	review         *agents.CodeReview
	regeneration   *agents.FileRegeneration
	fastFixer      *agents.FastCodeFixer
	screenshots    *agents.ScreenshotAnalysis

	mu        sync.Mutex
	completed []agents.PhaseConcept
	issues    agents.IssueReport
	// followups are suggestions the loop feeds to the next plan: review
	// entries that need coordination and severe visual issues.
	followups []string
}

var (
	errNoContext  = errors.New("build loop: generation context is required")
	errNoExecutor = errors.New("build loop: executor is required")
)

// NewLoop validates opts and fills defaults.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Context == nil {
		return nil, errNoContext
	}
	if opts.Executor == nil {
		return nil, errNoExecutor
	}
	if opts.Queue == nil {
		opts.Queue = NewQueue()
	}
	if opts.Bus == nil {
		opts.Bus = events.Nop
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 4 * time.Minute
	}
	if opts.Settings.FixerSkipGlobs == nil && opts.Settings.DigestBudget == 0 {
		opts.Settings = agents.DefaultSettings()
	}
	return &Loop{
		opts:           opts,
		log:            logging.OrNamed(opts.Logger, "build").With(zap.String("session_id", opts.SessionID)),
		generation:     agents.NewPhaseGeneration(),
		implementation: agents.NewPhaseImplementation(nil),
		review:         agents.NewCodeReview(),
		regeneration:   agents.NewFileRegeneration(),
		fastFixer:      agents.NewFastCodeFixer(),
		screenshots:    agents.NewScreenshotAnalysis(),
	}, nil
}

// Queue returns the request queue feeding the planner.
func (l *Loop) Queue() *Queue { return l.opts.Queue }

// Completed returns the phases implemented so far, oldest first.
func (l *Loop) Completed() []agents.PhaseConcept {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]agents.PhaseConcept(nil), l.completed...)
}

func (l *Loop) operationOptions() *agents.OperationOptions {
	return &agents.OperationOptions{
		Executor:  l.opts.Executor,
		Context:   l.opts.Context,
		SessionID: l.opts.SessionID,
		Logger:    l.opts.Logger,
		Effort:    l.opts.Effort,
		Settings:  l.opts.Settings,
		Images:    l.opts.Images,
	}
}

// Run plans and implements phases until the planner marks the last phase
// and no queued requests, follow-ups or issues remain, or MaxPhases is
// reached.
func (l *Loop) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	for i := 0; ; i++ {
		if l.opts.MaxPhases > 0 && i >= l.opts.MaxPhases {
			summary.Reason = StopMaxPhases
			l.log.Warn("phase limit reached", zap.Int("max_phases", l.opts.MaxPhases))
			break
		}

		res, err := l.RunPhase(ctx)
		if err != nil {
			e := events.New(events.TypeBuildFailed, l.opts.SessionID)
			e.Message = err.Error()
			l.publish(ctx, e)
			return summary, err
		}
		summary.Phases = append(summary.Phases, *res)

		if res.Phase.LastPhase && l.idle() {
			summary.Reason = StopFinished
			break
		}
	}

	e := events.New(events.TypeBuildCompleted, l.opts.SessionID)
	e.Message = fmt.Sprintf("Build finished after %d phases", len(summary.Phases))
	e.Data = map[string]any{"phases": len(summary.Phases), "reason": string(summary.Reason)}
	l.publish(ctx, e)
	l.log.Info("build finished",
		zap.Int("phases", len(summary.Phases)),
		zap.String("reason", string(summary.Reason)))
	return summary, nil
}

// Serve runs the loop, then waits for new queued requests and runs again,
// until ctx ends.
func (l *Loop) Serve(ctx context.Context) error {
	for {
		if _, err := l.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Error("build run failed, waiting for new requests", zap.Error(err))
		}
		for l.opts.Queue.Pending() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.opts.Queue.Notify():
			}
		}
	}
}

func (l *Loop) idle() bool {
	return l.opts.Queue.Pending() == 0 && len(l.followups) == 0 && !l.issues.HasIssues()
}

// RunPhase runs one full cycle. Planning and implementation failures are
// returned and the drained requests go back to the queue; later stages
// degrade to logged warnings.
func (l *Loop) RunPhase(ctx context.Context) (*PhaseResult, error) {
	start := time.Now()
	opts := l.operationOptions()

	requests := l.opts.Queue.Drain()
	suggestions := append([]string(nil), l.followups...)
	var images []string
	for _, r := range requests {
		suggestions = append(suggestions, r.Request)
		images = append(images, r.Images...)
	}

	phase, err := l.generation.Execute(ctx, agents.PhaseGenerationInput{
		Issues:        l.issues,
		Suggestions:   suggestions,
		Images:        images,
		UserRequested: len(requests) > 0,
		Completed:     l.completed,
	}, opts)
	if err != nil {
		l.opts.Queue.requeue(requests)
		metrics.RecordStage("build_phase", start, err)
		return nil, fmt.Errorf("plan phase: %w", err)
	}
	l.followups = nil

	log := l.log.With(zap.String("phase", phase.Name))
	log.Info("phase planned",
		zap.Int("files", len(phase.Files)),
		zap.Int("requests", len(requests)),
		zap.Bool("last_phase", phase.LastPhase))

	started := events.New(events.TypePhaseStarted, l.opts.SessionID)
	started.Phase = phase.Name
	started.Message = phase.Description
	started.Data = map[string]any{"files": len(phase.Files), "last_phase": phase.LastPhase}
	l.publish(ctx, started)

	res := &PhaseResult{Phase: *phase, Requests: len(requests)}
	if len(phase.Files) > 0 || len(phase.InstallCommands) > 0 {
		out, err := l.implement(ctx, *phase, suggestions, res, opts, log)
		if err != nil {
			l.opts.Queue.requeue(requests)
			metrics.RecordStage("build_phase", start, err)
			return nil, err
		}
		if out.DeploymentNeeded {
			l.deploy(ctx, out.Commands, out.Deleted, res, log)
		}
	}

	l.reviewAndFix(ctx, res, opts, log)
	l.inspect(ctx, res, opts, log)

	res.Remaining = l.issues
	res.Duration = time.Since(start)
	l.mu.Lock()
	l.completed = append(l.completed, *phase)
	l.mu.Unlock()
	l.finishPhase(ctx, res, log)
	metrics.RecordStage("build_phase", start, nil)
	return res, nil
}

// implement streams the phase and applies every file whose task finished
// before the join deadline. A codec error after some files closed is only
// logged.
func (l *Loop) implement(ctx context.Context, phase agents.PhaseConcept, suggestions []string,
	res *PhaseResult, opts *agents.OperationOptions, log *zap.Logger) (*agents.PhaseImplementationOutput, error) {

	session := l.opts.SessionID
	out, err := l.implementation.Execute(ctx, agents.PhaseImplementationInput{
		Phase:        phase,
		Issues:       l.issues,
		IsFirstPhase: len(l.completed) == 0,
		AutoFix:      l.opts.AutoFix,
		UserContext:  strings.Join(suggestions, "\n"),
		OnFileGenerating: func(path, purpose string) {
			e := events.New(events.TypeFileGenerating, session)
			e.Phase, e.Path, e.Message = phase.Name, path, purpose
			l.publish(ctx, e)
		},
		OnFileChunk: func(path, chunk string, format agents.FileFormat) {
			e := events.New(events.TypeFileChunk, session)
			e.Phase, e.Path, e.Message = phase.Name, path, chunk
			e.Data = map[string]any{"format": string(format)}
			l.publish(ctx, e)
		},
		OnFileClosed: func(file agents.FileOutput, message string) {
			e := events.New(events.TypeFileClosed, session)
			e.Phase, e.Path, e.Message = phase.Name, file.Path, message
			l.publish(ctx, e)
		},
	}, opts)
	if out == nil {
		return nil, err
	}
	if err != nil {
		log.Warn("phase stream incomplete, keeping closed files", zap.Error(err))
	}

	files, fixed, failed := l.join(ctx, out.FixedFiles, phase.Name, log)
	l.opts.Context.Apply(files...)
	l.opts.Context.Remove(out.Deleted...)

	for _, f := range files {
		res.Applied = append(res.Applied, f.Path)
	}
	res.Fixed = append(res.Fixed, fixed...)
	res.Failed = append(res.Failed, failed...)
	res.Deleted = out.Deleted
	return out, nil
}

// join waits for a task group under the join deadline. It returns every
// finalized file plus the paths that were fixed and the paths that failed.
func (l *Loop) join(ctx context.Context, group *agents.FileTaskGroup, phaseName string, log *zap.Logger) (files []agents.FileOutput, fixed, failed []string) {
	joinCtx, cancel := context.WithTimeout(ctx, l.opts.JoinTimeout)
	defer cancel()
	results := group.Wait(joinCtx)

	for _, r := range results {
		if r.Err == nil && r.Fixed {
			fixed = append(fixed, r.Path)
			e := events.New(events.TypeFileFixed, l.opts.SessionID)
			e.Phase, e.Path, e.Message = phaseName, r.Path, r.Explanation
			e.Data = map[string]any{"tier": string(r.Tier)}
			l.publish(ctx, e)
		}
	}

	files, failures := agents.Succeeded(results)
	for _, f := range failures {
		log.Warn("file task failed", zap.String("file", f.Path), zap.Error(f.Err))
		failed = append(failed, f.Path)
	}
	return files, fixed, failed
}

func (l *Loop) publish(ctx context.Context, e events.Event) {
	if err := l.opts.Bus.Publish(ctx, e); err != nil {
		l.log.Debug("event publish failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
