package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"phaseforge/internal/inference"
	"phaseforge/internal/metrics"
	"phaseforge/internal/scof"
)

// FastCodeFixerInput selects the files and issues for one batch fix.
type FastCodeFixerInput struct {
	Issues IssueReport
	// Files defaults to the whole codebase.
	Files []FileOutput
}

// FastFixOutput lists the files changed by the batch, in input order.
type FastFixOutput struct {
	Files             []FileOutput
	ImageURLsReplaced int
	// Skipped are files without reported issues.
	Skipped  []string
	Outcomes map[string]FixOutcome
}

// FastCodeFixer fixes a batch of files with one streamed call after a
// deterministic image URL pass.
type FastCodeFixer struct{}

func NewFastCodeFixer() *FastCodeFixer {
	return &FastCodeFixer{}
}

// Execute runs the image pass over every file, then asks for fixes only for
// files that have reported issues. Blocks for files that were not asked for
// are ignored. An inference error is returned together with the image pass
// results.
func (ff *FastCodeFixer) Execute(ctx context.Context, in FastCodeFixerInput, opts *OperationOptions) (*FastFixOutput, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	log := opts.logger("fast_code_fixer")
	guard := guardFor(opts)

	files := in.Files
	if files == nil {
		files = opts.Context.AllFiles()
	}
	current := make(map[string]FileOutput, len(files))
	order := make([]string, 0, len(files))
	for _, f := range files {
		f.Path = normalizePath(f.Path)
		if _, dup := current[f.Path]; !dup {
			order = append(order, f.Path)
		}
		current[f.Path] = f
	}
	changed := make(map[string]bool)
	out := &FastFixOutput{Outcomes: make(map[string]FixOutcome)}

	if opts.Images != nil {
		for _, p := range order {
			if guard.CheckPath(p) != nil {
				continue
			}
			f := current[p]
			res := opts.Images.AutoFix(ctx, f.Contents)
			if res.URLsReplaced == 0 {
				continue
			}
			f.Contents = res.Content
			current[p] = f
			changed[p] = true
			out.ImageURLsReplaced += res.URLsReplaced
		}
	}

	targets := make(map[string][]string)
	var targetOrder []string
	for _, p := range order {
		issues := in.Issues.IssuesForFile(p)
		if len(issues) == 0 || guard.CheckPath(p) != nil {
			out.Skipped = append(out.Skipped, p)
			continue
		}
		targets[p] = issues
		targetOrder = append(targetOrder, p)
	}

	var err error
	if len(targetOrder) > 0 {
		err = ff.fix(ctx, targetOrder, targets, current, changed, out, opts, log)
	}

	for _, p := range order {
		if changed[p] {
			out.Files = append(out.Files, current[p])
		}
	}
	metrics.RecordStage("fast_code_fixer", start, err)
	log.Info("fast fix finished",
		zap.Int("targets", len(targetOrder)),
		zap.Int("changed", len(out.Files)),
		zap.Int("image_urls_replaced", out.ImageURLsReplaced),
		zap.Error(err))
	return out, err
}

func (ff *FastCodeFixer) fix(ctx context.Context, targetOrder []string, targets map[string][]string,
	current map[string]FileOutput, changed map[string]bool, out *FastFixOutput, opts *OperationOptions, log *zap.Logger) error {

	parser := scof.NewParser(scof.Callbacks{
		OnFileClose: func(block scof.FileOutput) {
			p := normalizePath(block.Path)
			if _, wanted := targets[p]; !wanted {
				log.Warn("ignoring block for file that was not requested", zap.String("file", block.Path))
				return
			}
			if _, done := out.Outcomes[p]; done {
				return
			}
			outcome := assessFix(current[p], block, opts.Settings)
			out.Outcomes[p] = outcome
			recordOutcome(FixModeFast, outcome)
			if outcome.Fixed {
				current[p] = outcome.File
				changed[p] = true
			}
		},
	})

	_, err := inference.Execute(ctx, opts.Executor, &inference.Request{
		Operation: "code_fixer_fast",
		Messages: []inference.Message{
			inference.SystemMessage(fixerInstructions(FixModeFast)),
			inference.UserMessage(fastFixPrompt(targetOrder, targets, current)),
		},
		ReasoningEffort: opts.effort(),
		OnChunk:         parser.Feed,
	})
	if err != nil {
		for _, p := range targetOrder {
			metrics.RecordFixOutcome(string(FixModeFast), "failed")
			if _, ok := out.Outcomes[p]; !ok {
				out.Outcomes[p] = FixOutcome{File: current[p], Explanation: "fix unavailable: " + err.Error()}
			}
		}
		return fmt.Errorf("fast code fixer: %w", err)
	}

	result, perr := parser.Finish()
	for _, p := range targetOrder {
		if _, ok := out.Outcomes[p]; !ok {
			outcome := FixOutcome{File: current[p], Explanation: noFixReason(result.Notes)}
			out.Outcomes[p] = outcome
			recordOutcome(FixModeFast, outcome)
		}
	}
	if perr != nil {
		metrics.Get().CodecErrorsTotal.WithLabelValues("fast_code_fixer").Inc()
		log.Warn("fast fix stream ended with codec errors", zap.Error(perr))
	}
	return nil
}

func fastFixPrompt(order []string, targets map[string][]string, files map[string]FileOutput) string {
	var sb strings.Builder
	sb.WriteString("Fix the reported issues in these target files.\n")
	for _, p := range order {
		f := files[p]
		fmt.Fprintf(&sb, "\n<FILE path=%q>\nIssues:\n", p)
		for _, is := range targets[p] {
			fmt.Fprintf(&sb, "- %s\n", is)
		}
		fmt.Fprintf(&sb, "Current contents:\n%s</FILE>\n", numbered(f.Contents))
	}
	return sb.String()
}
