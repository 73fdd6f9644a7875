package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"phaseforge/internal/inference"
	"phaseforge/internal/metrics"
)

// PhaseGenerationInput drives the next phase plan.
type PhaseGenerationInput struct {
	Issues IssueReport
	// Suggestions are queued user change requests, oldest first.
	Suggestions []string
	// Images are optional user-provided references (URLs or data URLs).
	Images        []string
	UserRequested bool
	// Completed lists phases already implemented, oldest first.
	Completed []PhaseConcept
}

// PhaseGeneration decides the next deployable milestone.
type PhaseGeneration struct{}

func NewPhaseGeneration() *PhaseGeneration {
	return &PhaseGeneration{}
}

// PlanningEffort arbitrates reasoning effort: unresolved runtime errors or
// pending suggestions raise it one tier.
func PlanningEffort(base inference.ReasoningEffort, issues IssueReport, suggestions []string) inference.ReasoningEffort {
	if issues.HasRuntimeErrors() || len(suggestions) > 0 {
		return base.Raise()
	}
	return base
}

// Execute plans one phase. Inference errors are returned as-is for the
// caller's outer retry loop.
func (g *PhaseGeneration) Execute(ctx context.Context, in PhaseGenerationInput, opts *OperationOptions) (*PhaseConcept, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	log := opts.logger("phase_generation")
	effort := PlanningEffort(opts.effort(), in.Issues, in.Suggestions)

	user := inference.Message{Role: inference.RoleUser}
	user.Parts = append(user.Parts, inference.TextPart(g.prompt(in, opts)))
	for _, img := range in.Images {
		user.Parts = append(user.Parts, inference.ImagePart(img, "auto"))
	}

	phase, _, err := inference.ExecuteStructured[PhaseConcept](ctx, opts.Executor, &inference.Request{
		Operation:       "phase_generation",
		Messages:        []inference.Message{inference.SystemMessage(phaseGenerationSystemPrompt), user},
		ReasoningEffort: effort,
	})
	metrics.RecordStage("phase_generation", start, err)
	if err != nil {
		log.Error("phase generation failed", zap.Error(err))
		return nil, fmt.Errorf("phase generation: %w", err)
	}

	log.Info("phase planned",
		zap.String("phase", phase.Name),
		zap.Int("files", len(phase.Files)),
		zap.Bool("last_phase", phase.LastPhase),
		zap.String("effort", string(effort)),
		zap.Bool("user_requested", in.UserRequested))
	return phase, nil
}

func (g *PhaseGeneration) prompt(in PhaseGenerationInput, opts *OperationOptions) string {
	gc := opts.Context
	var sb strings.Builder
	sb.WriteString("<BLUEPRINT>\n")
	sb.WriteString(blueprintSummary(gc.Blueprint))
	sb.WriteString("</BLUEPRINT>\n\n")

	if gc.Query != "" {
		fmt.Fprintf(&sb, "Original request: %s\n\n", gc.Query)
	}
	if len(in.Completed) > 0 {
		sb.WriteString("Completed phases:\n")
		for _, p := range in.Completed {
			fmt.Fprintf(&sb, "- %s: %s\n", p.Name, p.Description)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("<ISSUES>\n")
	sb.WriteString(issueSummary(in.Issues))
	sb.WriteString("</ISSUES>\n\n")

	if len(in.Suggestions) > 0 {
		if in.UserRequested {
			sb.WriteString("The user explicitly requested this phase. Address these requests first:\n")
		} else {
			sb.WriteString("Pending user suggestions:\n")
		}
		for _, s := range in.Suggestions {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Existing files:\n")
	for _, p := range gc.Paths() {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	return sb.String()
}
