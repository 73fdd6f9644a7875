package agents

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"phaseforge/internal/inference"
	"phaseforge/internal/metrics"
	"phaseforge/internal/patch"
	"phaseforge/internal/scof"
)

// FixMode names the trigger of a bounded fix.
type FixMode string

const (
	FixModeRegeneration FixMode = "regeneration"
	FixModeRealtime     FixMode = "realtime"
	FixModeFast         FixMode = "fast"
)

// FixTier is the surgical-fix classification of a candidate change.
type FixTier string

const (
	TierTrivial  FixTier = "trivial"
	TierModerate FixTier = "moderate"
	TierRejected FixTier = "rejected"
)

// FixRequest asks for a bounded fix of one file.
type FixRequest struct {
	File       FileOutput
	Issues     []string
	Context    string
	Mode       FixMode
	RetryLimit int
}

// FixOutcome is either a complete replacement file or an explanation of why
// no fix was produced. File always holds a usable version: the fix when
// Fixed, the original otherwise.
type FixOutcome struct {
	File         FileOutput
	Fixed        bool
	Tier         FixTier
	Explanation  string
	ChangedLines int
}

// CodeFixer is the bounded single-file fixer shared by FileRegeneration,
// RealtimeCodeFixer and FastCodeFixer.
type CodeFixer struct{}

// NewCodeFixer creates a CodeFixer.
func NewCodeFixer() *CodeFixer {
	return &CodeFixer{}
}

// Fix runs one fix call. Declined and rejected fixes are outcomes, not
// errors; only inference failures are returned as errors.
func (f *CodeFixer) Fix(ctx context.Context, req FixRequest, opts *OperationOptions) (FixOutcome, error) {
	if err := opts.validate(); err != nil {
		return FixOutcome{File: req.File}, err
	}
	log := opts.logger("code_fixer").With(zap.String("file", req.File.Path), zap.String("mode", string(req.Mode)))

	if perr := guardFor(opts).CheckPath(req.File.Path); perr != nil {
		metrics.RecordFixOutcome(string(req.Mode), "declined")
		return FixOutcome{File: req.File, Explanation: perr.Error()}, nil
	}

	messages := []inference.Message{
		inference.SystemMessage(fixerInstructions(req.Mode)),
		inference.UserMessage(fixPrompt(req, opts.Context)),
	}
	res, err := inference.Execute(ctx, opts.Executor, &inference.Request{
		Operation:       "code_fixer_" + string(req.Mode),
		Messages:        messages,
		ReasoningEffort: opts.effort(),
		RetryLimit:      req.RetryLimit,
	})
	if err != nil {
		metrics.RecordFixOutcome(string(req.Mode), "failed")
		log.Warn("fix inference failed", zap.Error(err))
		return FixOutcome{File: req.File}, fmt.Errorf("fix %s: %w", req.File.Path, err)
	}

	outcome := interpretFix(req.File, res.Text, opts.Settings)
	recordOutcome(req.Mode, outcome)
	log.Info("fix finished",
		zap.Bool("fixed", outcome.Fixed),
		zap.String("tier", string(outcome.Tier)),
		zap.Int("changed_lines", outcome.ChangedLines),
		zap.String("explanation", outcome.Explanation))
	return outcome, nil
}

func recordOutcome(mode FixMode, o FixOutcome) {
	switch {
	case o.Fixed:
		metrics.RecordFixOutcome(string(mode), "applied")
	case o.Tier == TierRejected:
		metrics.RecordFixOutcome(string(mode), "rejected")
	default:
		metrics.RecordFixOutcome(string(mode), "declined")
	}
}

func fixPrompt(req FixRequest, gc *GenerationContext) string {
	var sb strings.Builder
	if gc != nil && gc.Blueprint.Title != "" {
		fmt.Fprintf(&sb, "Project: %s\n\n", gc.Blueprint.Title)
	}
	fmt.Fprintf(&sb, "Target file: %s\n", req.File.Path)
	if req.File.Purpose != "" {
		fmt.Fprintf(&sb, "Purpose: %s\n", req.File.Purpose)
	}
	if len(req.Issues) > 0 {
		sb.WriteString("\nIssues to fix:\n")
		for _, is := range req.Issues {
			fmt.Fprintf(&sb, "- %s\n", is)
		}
	}
	if req.Context != "" {
		fmt.Fprintf(&sb, "\nContext:\n%s\n", req.Context)
	}
	fmt.Fprintf(&sb, "\nCurrent contents:\n%s", numbered(req.File.Contents))
	return sb.String()
}

// interpretFix decodes a fix response. Anything other than exactly one
// well-formed block for the target file is refused as a whole.
func interpretFix(original FileOutput, text string, s Settings) FixOutcome {
	decoded, perr := scof.Decode(text)
	target := normalizePath(original.Path)

	var block *FileOutput
	var strays []string
	for _, fo := range decoded.OrderedFiles() {
		if normalizePath(fo.Path) == target {
			b := fo
			block = &b
			continue
		}
		strays = append(strays, fo.Path)
	}
	switch {
	case len(strays) > 0:
		return FixOutcome{File: original, Tier: TierRejected,
			Explanation: "fix touched other files: " + strings.Join(strays, ", ")}
	case perr != nil:
		return FixOutcome{File: original, Tier: TierRejected,
			Explanation: "malformed fix response: " + perr.Error()}
	case block == nil:
		return FixOutcome{File: original, Explanation: noFixReason(decoded.Notes)}
	}
	return assessFix(original, *block, s)
}

// assessFix merges a candidate block into original and applies the tiering
// policy.
func assessFix(original, candidate FileOutput, s Settings) FixOutcome {
	contents := candidate.Contents
	if candidate.Format == FormatUnifiedDiff {
		merged, err := patch.Apply(original.Contents, candidate.Contents)
		if err != nil {
			return FixOutcome{File: original, Tier: TierRejected, Explanation: "diff did not apply: " + err.Error()}
		}
		contents = merged
	}
	if contents == original.Contents {
		return FixOutcome{File: original, Explanation: "no change needed"}
	}

	changed := patch.ChangedLines(original.Contents, contents)
	if missing := missingExports(original.Contents, contents); len(missing) > 0 {
		return FixOutcome{File: original, Tier: TierRejected, ChangedLines: changed,
			Explanation: "fix would change exported interface: " + strings.Join(missing, "; ")}
	}

	trivial, moderate := s.changeLimits()
	tier := TierModerate
	switch {
	case changed <= trivial:
		tier = TierTrivial
	case changed > moderate:
		return FixOutcome{File: original, Tier: TierRejected, ChangedLines: changed,
			Explanation: fmt.Sprintf("fix changes %d lines, over the surgical ceiling of %d", changed, moderate)}
	}

	fixed := original
	fixed.Contents = contents
	fixed.Format = FormatFullContent
	return FixOutcome{File: fixed, Fixed: true, Tier: tier, ChangedLines: changed}
}

func (s Settings) changeLimits() (trivial, moderate int) {
	d := DefaultSettings()
	trivial, moderate = s.TrivialChangeLimit, s.ModerateChangeLimit
	if trivial <= 0 {
		trivial = d.TrivialChangeLimit
	}
	if moderate <= 0 {
		moderate = d.ModerateChangeLimit
	}
	return trivial, moderate
}

func noFixReason(notes []string) string {
	for _, n := range notes {
		if rest, ok := strings.CutPrefix(n, "NO_FIX:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	if len(notes) > 0 {
		return strings.Join(notes, " ")
	}
	return "no fix produced"
}

var exportLinePattern = regexp.MustCompile(`^\s*export\s`)

// missingExports lists export signatures of before that after no longer has.
func missingExports(before, after string) []string {
	have := exportSignatures(after)
	var missing []string
	for sig := range exportSignatures(before) {
		if !have[sig] {
			missing = append(missing, sig)
		}
	}
	sort.Strings(missing)
	return missing
}

func exportSignatures(src string) map[string]bool {
	out := make(map[string]bool)
	for _, line := range strings.Split(src, "\n") {
		if exportLinePattern.MatchString(line) {
			out[exportSignature(line)] = true
		}
	}
	return out
}

// exportSignature reduces an export line to its declaration head.
func exportSignature(line string) string {
	s := strings.TrimSpace(line)
	rest := strings.TrimSpace(strings.TrimPrefix(s, "export"))
	if !strings.HasPrefix(rest, "{") && !strings.HasPrefix(rest, "*") {
		if i := strings.IndexAny(s, "={"); i > 0 {
			s = s[:i]
		}
	}
	return strings.Join(strings.Fields(strings.TrimRight(s, "; ")), " ")
}
