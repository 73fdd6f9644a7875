package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"phaseforge/internal/agents"
	"phaseforge/internal/agents/conversation"
	"phaseforge/internal/events"
	"phaseforge/internal/store"
)

// deploy pushes the whole codebase to the sandbox. It reports whether the
// deploy succeeded; failures only cost this phase its preview.
func (l *Loop) deploy(ctx context.Context, commands, deleted []string, res *PhaseResult, log *zap.Logger) bool {
	if l.opts.Sandbox == nil {
		return false
	}
	all := l.opts.Context.AllFiles()
	files := make([]SandboxFile, 0, len(all))
	for _, f := range all {
		files = append(files, SandboxFile{Path: f.Path, Contents: f.Contents})
	}

	dep, err := l.opts.Sandbox.Deploy(ctx, l.opts.SessionID, DeployRequest{Files: files, Deleted: deleted, Commands: commands})
	if err != nil {
		log.Warn("sandbox deploy failed", zap.Error(err))
		return false
	}
	res.Deployment = dep

	e := events.New(events.TypeDeployed, l.opts.SessionID)
	e.Phase = res.Phase.Name
	e.Message = dep.PreviewURL
	e.Data = map[string]any{"files": len(files), "commands": commands}
	l.publish(ctx, e)
	return true
}

// fetchIssues returns the current, non-stale issue snapshot. Without a
// sandbox, or when it cannot be reached, the snapshot is empty.
func (l *Loop) fetchIssues(ctx context.Context, phaseName string, log *zap.Logger) agents.IssueReport {
	if l.opts.Sandbox == nil {
		return agents.IssueReport{}
	}
	report, err := l.opts.Sandbox.Issues(ctx, l.opts.SessionID)
	if err != nil {
		log.Warn("sandbox issues unavailable", zap.Error(err))
		return agents.IssueReport{}
	}
	report = report.FilterStale(l.opts.Context)
	if report.HasIssues() {
		e := events.New(events.TypeIssuesFound, l.opts.SessionID)
		e.Phase = phaseName
		e.Data = map[string]any{
			"runtime_errors": len(report.RuntimeErrors),
			"lint":           len(report.StaticAnalysis.Lint),
			"typecheck":      len(report.StaticAnalysis.Typecheck),
		}
		l.publish(ctx, e)
	}
	return report
}

// reviewAndFix triages the sandbox issues, regenerates the independent
// files in parallel, and hands whatever remains to the fast fixer. Entries
// that need coordination become follow-ups for the next plan.
func (l *Loop) reviewAndFix(ctx context.Context, res *PhaseResult, opts *agents.OperationOptions, log *zap.Logger) {
	phaseName := res.Phase.Name
	report := l.fetchIssues(ctx, phaseName, log)

	if report.HasIssues() {
		review, err := l.review.Execute(ctx, agents.CodeReviewInput{Issues: report}, opts)
		if err != nil {
			log.Warn("code review failed", zap.Error(err))
		} else {
			res.Review = review
			coordinated := review.NeedsCoordination()
			e := events.New(events.TypeReviewCompleted, l.opts.SessionID)
			e.Phase = phaseName
			e.Message = review.Summary
			e.Data = map[string]any{"files": len(review.FilesToFix), "coordination": len(coordinated)}
			l.publish(ctx, e)

			for _, rv := range coordinated {
				l.followups = append(l.followups, coordinationFollowup(rv))
			}

			if ready := review.ParallelReady(); len(ready) > 0 {
				group := l.regeneration.FanOut(ctx, ready, opts)
				files, fixed, failed := l.join(ctx, group, phaseName, log)
				l.opts.Context.Apply(files...)
				res.Fixed = append(res.Fixed, fixed...)
				res.Failed = append(res.Failed, failed...)
				if len(fixed) > 0 {
					l.deploy(ctx, review.Commands, nil, res, log)
					report = l.fetchIssues(ctx, phaseName, log)
				}
			}
		}
	}

	if report.HasIssues() {
		out, err := l.fastFixer.Execute(ctx, agents.FastCodeFixerInput{Issues: report}, opts)
		if err != nil {
			log.Warn("fast fix failed", zap.Error(err))
		}
		if out != nil && len(out.Files) > 0 {
			l.opts.Context.Apply(out.Files...)
			for _, f := range out.Files {
				res.Fixed = append(res.Fixed, f.Path)
				e := events.New(events.TypeFileFixed, l.opts.SessionID)
				e.Phase, e.Path, e.Message = phaseName, f.Path, "fast fix"
				l.publish(ctx, e)
			}
			l.deploy(ctx, nil, nil, res, log)
			report = l.fetchIssues(ctx, phaseName, log)
		}
	}

	l.issues = report
}

// inspect captures the deployed preview, stores it, and runs the visual
// analysis. Critical and high severity findings become follow-ups.
func (l *Loop) inspect(ctx context.Context, res *PhaseResult, opts *agents.OperationOptions, log *zap.Logger) {
	if l.opts.Sandbox == nil || l.opts.Screenshots == nil || res.Deployment == nil {
		return
	}
	capture, err := l.opts.Sandbox.Screenshot(ctx, l.opts.SessionID)
	if errors.Is(err, ErrNoScreenshot) {
		log.Debug("no screenshot available")
		return
	}
	if err != nil {
		log.Warn("screenshot capture failed", zap.Error(err))
		return
	}
	imageURL, err := l.opts.Screenshots.Put(ctx, l.opts.SessionID, capture.Image, capture.ContentType)
	if err != nil {
		log.Warn("screenshot upload failed", zap.Error(err))
		return
	}

	result, err := l.screenshots.Execute(ctx, agents.ScreenshotAnalysisInput{Screenshot: agents.Screenshot{
		ImageURL:   imageURL,
		Viewport:   capture.Viewport,
		CapturedAt: time.Now(),
	}}, opts)
	if err != nil {
		log.Warn("screenshot analysis failed", zap.Error(err))
		return
	}
	res.Visual = result

	e := events.New(events.TypeScreenshot, l.opts.SessionID)
	e.Phase = res.Phase.Name
	e.Message = fmt.Sprintf("Compliance %d/10", result.ComplianceScore)
	e.Data = map[string]any{"issues": len(result.Issues), "score": result.ComplianceScore, "image_url": imageURL}
	l.publish(ctx, e)

	for _, sev := range []agents.VisualSeverity{agents.SeverityCritical, agents.SeverityHigh} {
		for _, is := range result.IssuesBySeverity(sev) {
			l.followups = append(l.followups, visualFollowup(is))
		}
	}
}

// finishPhase records the phase, narrates it to the conversation and
// announces it.
func (l *Loop) finishPhase(ctx context.Context, res *PhaseResult, log *zap.Logger) {
	if l.opts.Recorder != nil {
		err := l.opts.Recorder.RecordPhase(ctx, store.PhaseRecord{
			SessionID:   l.opts.SessionID,
			Name:        res.Phase.Name,
			Description: res.Phase.Description,
			Files:       len(res.Applied),
			Failed:      len(res.Failed),
			LastPhase:   res.Phase.LastPhase,
		})
		if err != nil {
			log.Warn("record phase failed", zap.Error(err))
		}
	}

	message := phaseMessage(res)
	if l.opts.Notifier != nil {
		l.opts.Notifier.NotifyProjectUpdate(ctx, conversation.ProjectUpdate{
			Type:    string(events.TypePhaseCompleted),
			Phase:   res.Phase.Name,
			Message: message,
			Files:   res.Applied,
		})
	}

	e := events.New(events.TypePhaseCompleted, l.opts.SessionID)
	e.Phase = res.Phase.Name
	e.Message = message
	e.Data = map[string]any{
		"applied":    len(res.Applied),
		"fixed":      len(res.Fixed),
		"failed":     len(res.Failed),
		"last_phase": res.Phase.LastPhase,
	}
	l.publish(ctx, e)
	log.Info("phase completed",
		zap.Int("applied", len(res.Applied)),
		zap.Int("fixed", len(res.Fixed)),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("duration", res.Duration))
}

func phaseMessage(res *PhaseResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Implemented %d files", len(res.Applied))
	if len(res.Failed) > 0 {
		fmt.Fprintf(&sb, " (%d failed: %s)", len(res.Failed), strings.Join(res.Failed, ", "))
	}
	sb.WriteString(".")
	if len(res.Fixed) > 0 {
		fmt.Fprintf(&sb, " Fixed %d files.", len(res.Fixed))
	}
	if res.Deployment != nil && res.Deployment.PreviewURL != "" {
		fmt.Fprintf(&sb, " Preview: %s.", res.Deployment.PreviewURL)
	}
	if n := countIssues(res.Remaining); n > 0 {
		fmt.Fprintf(&sb, " %d issues remain.", n)
	}
	return sb.String()
}

func countIssues(r agents.IssueReport) int {
	return len(r.RuntimeErrors) + len(r.StaticAnalysis.Lint) + len(r.StaticAnalysis.Typecheck)
}

func coordinationFollowup(rv agents.FileReview) string {
	s := fmt.Sprintf("Fix %s together with %s: %s", rv.File, strings.Join(rv.References, ", "), strings.Join(rv.Issues, "; "))
	if len(rv.References) == 0 {
		s = fmt.Sprintf("Fix %s across the files it depends on: %s", rv.File, strings.Join(rv.Issues, "; "))
	}
	return s
}

func visualFollowup(is agents.VisualIssue) string {
	s := fmt.Sprintf("Fix %s visual issue: %s", is.Severity, is.Description)
	if is.Element != "" {
		s += " (" + is.Element + ")"
	}
	if is.Suggestion != "" {
		s += ". Suggestion: " + is.Suggestion
	}
	return s
}
