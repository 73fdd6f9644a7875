package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"phaseforge/internal/inference"
	"phaseforge/internal/metrics"
	"phaseforge/internal/patch"
	"phaseforge/internal/scof"
)

// RealtimeFixer repairs a freshly generated file.
type RealtimeFixer interface {
	Fix(ctx context.Context, file FileOutput, opts *OperationOptions) (FixOutcome, error)
}

// PhaseImplementationInput carries the plan and the streaming callbacks.
// Callbacks run on the streaming goroutine in emission order.
type PhaseImplementationInput struct {
	Phase        PhaseConcept
	Issues       IssueReport
	IsFirstPhase bool
	AutoFix      bool
	UserContext  string

	OnFileGenerating func(path, purpose string)
	OnFileChunk      func(path, chunk string, format FileFormat)
	OnFileClosed     func(file FileOutput, message string)
}

// PhaseImplementationOutput is returned once the stream ends. FixedFiles may
// still have tasks in flight; callers join it before applying files.
type PhaseImplementationOutput struct {
	FixedFiles       *FileTaskGroup
	DeploymentNeeded bool
	Commands         []string
	Deleted          []string
}

// PhaseImplementation streams and materializes the files of one phase.
type PhaseImplementation struct {
	fixer RealtimeFixer
}

// NewPhaseImplementation creates the operation. A nil fixer uses
// RealtimeCodeFixer.
func NewPhaseImplementation(fixer RealtimeFixer) *PhaseImplementation {
	if fixer == nil {
		fixer = NewRealtimeCodeFixer()
	}
	return &PhaseImplementation{fixer: fixer}
}

// Execute issues one streamed inference call and feeds every chunk to the
// codec. Files longer than the realtime threshold get a fix task launched
// concurrently when AutoFix is set; every other file resolves immediately.
// A codec error is returned together with the output so that files already
// closed remain usable.
func (pi *PhaseImplementation) Execute(ctx context.Context, in PhaseImplementationInput, opts *OperationOptions) (*PhaseImplementationOutput, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	log := opts.logger("phase_implementation").With(zap.String("phase", in.Phase.Name))
	gc := opts.Context
	guard := guardFor(opts)
	threshold := opts.Settings.RealtimeFixLineThreshold

	group := NewFileTaskGroup()
	purposes := make(map[string]string)

	parser := scof.NewParser(scof.Callbacks{
		OnFileStart: func(path, headerPurpose string) {
			purpose := resolvePurpose(in.Phase, gc, path, headerPurpose)
			purposes[path] = purpose
			if in.OnFileGenerating != nil {
				in.OnFileGenerating(path, purpose)
			}
		},
		OnFileChunk: func(path, delta string, format scof.Format) {
			if in.OnFileChunk != nil {
				in.OnFileChunk(path, delta, format)
			}
		},
		OnFileClose: func(f scof.FileOutput) {
			metrics.Get().FilesGeneratedTotal.WithLabelValues(string(f.Format)).Inc()
			f.Purpose = purposes[f.Path]

			final, err := mergeWithOriginal(gc, f)
			if err != nil {
				log.Warn("file could not be finalized", zap.String("file", f.Path), zap.Error(err))
				group.Fail(f.Path, err)
				return
			}
			if in.OnFileClosed != nil {
				in.OnFileClosed(final, fmt.Sprintf("Generated %s", final.Path))
			}

			if in.AutoFix && lineCount(final.Contents) > threshold && guard.CheckPath(final.Path) == nil {
				log.Debug("launching realtime fix", zap.String("file", final.Path))
				group.Go(ctx, final.Path, func(ctx context.Context) (FixOutcome, error) {
					return pi.fixer.Fix(ctx, final, opts)
				})
				return
			}
			group.Resolve(final.Path, final)
		},
	})

	_, err := inference.Execute(ctx, opts.Executor, &inference.Request{
		Operation: "phase_implementation",
		Messages: []inference.Message{
			inference.SystemMessage(implementationInstructions()),
			inference.UserMessage(pi.prompt(in, opts)),
		},
		ReasoningEffort: opts.effort(),
		OnChunk:         parser.Feed,
	})
	if err != nil {
		metrics.RecordStage("phase_implementation", start, err)
		log.Error("phase implementation stream failed", zap.Error(err))
		return nil, fmt.Errorf("phase implementation: %w", err)
	}

	result, parseErr := parser.Finish()
	commands := mergeCommands(in.Phase.InstallCommands, result.ExtractedInstallCommands)
	deleted := in.Phase.Deletions()
	out := &PhaseImplementationOutput{
		FixedFiles:       group,
		Commands:         commands,
		Deleted:          deleted,
		DeploymentNeeded: group.Len() > 0 || len(commands) > 0 || len(deleted) > 0,
	}

	metrics.RecordStage("phase_implementation", start, parseErr)
	if parseErr != nil {
		metrics.Get().CodecErrorsTotal.WithLabelValues("phase_implementation").Inc()
		log.Warn("phase stream ended with codec errors", zap.Error(parseErr))
		return out, fmt.Errorf("phase implementation: %w", parseErr)
	}

	log.Info("phase streamed",
		zap.Int("files", group.Len()),
		zap.Int("commands", len(commands)),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

// resolvePurpose prefers the plan, then the already known file, then the
// stream header.
func resolvePurpose(phase PhaseConcept, gc *GenerationContext, path, headerPurpose string) string {
	if p, ok := phase.PurposeFor(path); ok && p != "" {
		return p
	}
	if f, ok := gc.File(path); ok && f.Purpose != "" {
		return f.Purpose
	}
	return headerPurpose
}

// mergeWithOriginal turns a closed block into final full content.
func mergeWithOriginal(gc *GenerationContext, f FileOutput) (FileOutput, error) {
	f.Path = normalizePath(f.Path)
	if f.Format != FormatUnifiedDiff {
		return f, nil
	}
	orig, ok := gc.File(f.Path)
	if !ok {
		return f, fmt.Errorf("diff for unknown file %s", f.Path)
	}
	merged, err := patch.Apply(orig.Contents, f.Contents)
	if err != nil {
		return f, fmt.Errorf("apply diff to %s: %w", f.Path, err)
	}
	f.Contents = merged
	f.Format = FormatFullContent
	return f, nil
}

func mergeCommands(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, c := range l {
			c = strings.Join(strings.Fields(c), " ")
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func (pi *PhaseImplementation) prompt(in PhaseImplementationInput, opts *OperationOptions) string {
	gc := opts.Context
	var sb strings.Builder
	sb.WriteString("<BLUEPRINT>\n")
	sb.WriteString(blueprintSummary(gc.Blueprint))
	sb.WriteString("</BLUEPRINT>\n\n")
	if in.IsFirstPhase && gc.Template.Name != "" {
		fmt.Fprintf(&sb, "This is the first phase. The project starts from the %q template (%s).\n", gc.Template.Name, gc.Template.Framework)
		if len(gc.Template.DontTouchFiles) > 0 {
			fmt.Fprintf(&sb, "Never modify: %s\n", strings.Join(gc.Template.DontTouchFiles, ", "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(phasePlanSummary(in.Phase))
	sb.WriteString("\n")
	if in.Issues.HasIssues() {
		sb.WriteString("<ISSUES>\n")
		sb.WriteString(issueSummary(in.Issues))
		sb.WriteString("</ISSUES>\n\n")
	}
	if in.UserContext != "" {
		fmt.Fprintf(&sb, "User context:\n%s\n\n", in.UserContext)
	}
	sb.WriteString("<CODEBASE>\n")
	sb.WriteString(gc.Digest(opts.Settings.DigestBudget, opts.Settings.FixerSkipGlobs))
	sb.WriteString("</CODEBASE>\n")
	return sb.String()
}
