package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseforge/internal/agents"
	"phaseforge/internal/agents/conversation"
	"phaseforge/internal/build"
	"phaseforge/internal/config"
	"phaseforge/internal/events"
	"phaseforge/internal/imageurl"
	"phaseforge/internal/inference"
	"phaseforge/internal/logging"
	"phaseforge/internal/storage"
	"phaseforge/internal/store"
)

var (
	errSessionNotFound = errors.New("session not found")
	errBuildRunning    = errors.New("build already running")
	errEmptyQuery      = errors.New("query is required")
)

// Deps are the services shared by every session. Only Config and Executor
// are required.
type Deps struct {
	Config      *config.Config
	Executor    inference.Executor
	Store       *store.Store
	Search      conversation.WebSearcher
	Sandbox     build.Sandbox
	Screenshots storage.ScreenshotStore
	Images      *imageurl.Validator
	Bus         events.Bus
	Logger      *zap.Logger
}

// CreateSessionRequest starts a new project.
type CreateSessionRequest struct {
	ID        string                 `json:"id,omitempty"`
	Query     string                 `json:"query"`
	Blueprint agents.Blueprint       `json:"blueprint"`
	Template  agents.TemplateDetails `json:"template"`
	Files     []agents.FileOutput    `json:"files,omitempty"`
}

// Session pairs the conversation of a project with its build loop.
type Session struct {
	ID        string
	Processor *conversation.Processor
	Loop      *build.Loop

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Building reports whether the build loop is running.
func (s *Session) Building() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// LastError returns how the previous build run ended, if it failed.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

// Sessions is the registry of live sessions.
type Sessions struct {
	deps Deps
	base context.Context
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessions creates a registry. Build loops run under base and stop when
// it ends.
func NewSessions(base context.Context, deps Deps) *Sessions {
	if deps.Bus == nil {
		deps.Bus = events.Nop
	}
	return &Sessions{
		deps:     deps,
		base:     base,
		log:      logging.OrNamed(deps.Logger, "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Create builds the processor and loop of a new session. Creating an ID that
// already exists returns the existing session.
func (r *Sessions) Create(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	if req.Query == "" {
		return nil, errEmptyQuery
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[req.ID]; ok {
		return s, nil
	}

	cfg := r.deps.Config
	effort := inference.ReasoningEffort(cfg.LLM.DefaultReasoningEffort)
	queue := build.NewQueue()
	log := r.log.With(zap.String("session_id", req.ID))

	pcfg := conversation.Config{
		SessionID: req.ID,
		Executor:  r.deps.Executor,
		Model:     cfg.LLM.Model,
		Effort:    effort,
		Project:   req.Query,
		Queue:     queue,
		Search:    r.deps.Search,
		Compactor: conversation.Compactor{
			MaxMessages:  cfg.Agent.MaxLLMMessages,
			TriggerRatio: cfg.Agent.CompactionTriggerRatio,
			KeepRatio:    cfg.Agent.CompactionKeepRatio,
			LineLimit:    cfg.Agent.SummaryLineLimit,
		},
		Logger: r.deps.Logger,
	}
	if r.deps.Store != nil {
		pcfg.Store = r.deps.Store
	}
	proc, err := conversation.NewProcessor(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create processor: %w", err)
	}

	opts := build.Options{
		SessionID:   req.ID,
		Context:     agents.NewGenerationContext(req.Query, req.Blueprint, req.Template, req.Files...),
		Executor:    r.deps.Executor,
		Queue:       queue,
		Bus:         r.deps.Bus,
		Sandbox:     r.deps.Sandbox,
		Screenshots: r.deps.Screenshots,
		Notifier:    proc,
		Images:      r.deps.Images,
		Settings:    agents.SettingsFromConfig(cfg.Agent),
		Effort:      effort,
		AutoFix:     true,
		MaxPhases:   cfg.Agent.MaxPhases,
		JoinTimeout: cfg.Agent.PhaseJoinTimeout,
		Logger:      r.deps.Logger,
	}
	if r.deps.Store != nil {
		opts.Recorder = r.deps.Store
	}
	loop, err := build.NewLoop(opts)
	if err != nil {
		return nil, fmt.Errorf("create build loop: %w", err)
	}

	s := &Session{ID: req.ID, Processor: proc, Loop: loop}
	r.sessions[req.ID] = s
	log.Info("session created", zap.Int("seed_files", len(req.Files)))
	return s, nil
}

// Get returns a live session.
func (r *Sessions) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Sessions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartBuild serves the session's build loop in the background.
func (r *Sessions) StartBuild(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errBuildRunning
	}

	ctx, cancel := context.WithCancel(r.base)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	done := s.done
	go func() {
		defer close(done)
		err := s.Loop.Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("build loop stopped", zap.String("session_id", id), zap.Error(err))
		}
		s.mu.Lock()
		s.err = err
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()
	return nil
}

// StopBuild cancels the build loop and waits for it to exit.
func (r *Sessions) StopBuild(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Close stops every running build.
func (r *Sessions) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.StopBuild(id)
	}
}
