package agents

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"phaseforge/internal/config"
	"phaseforge/internal/imageurl"
	"phaseforge/internal/inference"
	"phaseforge/internal/logging"
)

// Operation is the contract every pipeline step implements.
type Operation[In, Out any] interface {
	Execute(ctx context.Context, in In, opts *OperationOptions) (Out, error)
}

// Settings are the policy knobs shared by operations.
type Settings struct {
	RealtimeFixLineThreshold int
	FileRegenerationRetries  int
	ScreenshotRetries        int
	FixerSkipGlobs           []string
	// TrivialChangeLimit and ModerateChangeLimit are changed-line ceilings
	// for the surgical fix tiers.
	TrivialChangeLimit  int
	ModerateChangeLimit int
	// DigestBudget caps the bytes of codebase rendered into one prompt.
	DigestBudget int
}

// DefaultSettings returns the built-in policy.
func DefaultSettings() Settings {
	return Settings{
		RealtimeFixLineThreshold: 50,
		FileRegenerationRetries:  5,
		ScreenshotRetries:        3,
		FixerSkipGlobs:           []string{"**/*.lock", "**/package-lock.json", "**/*.svg", "public/**"},
		TrivialChangeLimit:       6,
		ModerateChangeLimit:      40,
		DigestBudget:             120_000,
	}
}

// SettingsFromConfig maps agent configuration onto Settings.
func SettingsFromConfig(cfg config.AgentConfig) Settings {
	s := DefaultSettings()
	s.RealtimeFixLineThreshold = cfg.RealtimeFixLineThreshold
	if cfg.FileRegenerationRetries > 0 {
		s.FileRegenerationRetries = cfg.FileRegenerationRetries
	}
	if cfg.ScreenshotRetries > 0 {
		s.ScreenshotRetries = cfg.ScreenshotRetries
	}
	if cfg.FixerSkipGlobs != nil {
		s.FixerSkipGlobs = cfg.FixerSkipGlobs
	}
	return s
}

// OperationOptions carries the collaborators shared by all operations of a
// session.
type OperationOptions struct {
	Executor  inference.Executor
	Context   *GenerationContext
	SessionID string
	Logger    *zap.Logger
	// Effort is the default reasoning effort before arbitration.
	Effort   inference.ReasoningEffort
	Settings Settings
	// Images is optional; without it the image URL passes are skipped.
	Images *imageurl.Validator
}

var (
	errNoExecutor = errors.New("operation options: executor is required")
	errNoContext  = errors.New("operation options: generation context is required")
)

func (o *OperationOptions) validate() error {
	if o == nil || o.Executor == nil {
		return errNoExecutor
	}
	if o.Context == nil {
		return errNoContext
	}
	return nil
}

func (o *OperationOptions) logger(operation string) *zap.Logger {
	l := logging.OrNamed(o.Logger, "agents")
	return l.With(zap.String("operation", operation), zap.String("session_id", o.SessionID))
}

func (o *OperationOptions) effort() inference.ReasoningEffort {
	if o.Effort == "" {
		return inference.EffortLow
	}
	return o.Effort
}
