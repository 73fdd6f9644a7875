package agents

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"phaseforge/internal/inference"
	"phaseforge/internal/metrics"
)

// CodeReviewInput is the issue snapshot to triage.
type CodeReviewInput struct {
	Issues IssueReport
}

// CodeReview turns codebase-wide issues into per-file fix specifications.
type CodeReview struct{}

func NewCodeReview() *CodeReview {
	return &CodeReview{}
}

// Execute runs the review. Stale findings are dropped before the call and
// every returned entry is checked for references to other files.
func (cr *CodeReview) Execute(ctx context.Context, in CodeReviewInput, opts *OperationOptions) (*CodeReviewOutput, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	log := opts.logger("code_review")
	gc := opts.Context

	issues := in.Issues.FilterStale(gc)
	effort := opts.effort()
	if !issues.HasIssues() {
		effort = effort.Lower()
	}

	var sb strings.Builder
	sb.WriteString("<BLUEPRINT>\n")
	sb.WriteString(blueprintSummary(gc.Blueprint))
	sb.WriteString("</BLUEPRINT>\n\n<ISSUES>\n")
	sb.WriteString(issueSummary(issues))
	sb.WriteString("</ISSUES>\n\n<CODEBASE>\n")
	sb.WriteString(gc.Digest(opts.Settings.DigestBudget, opts.Settings.FixerSkipGlobs))
	sb.WriteString("</CODEBASE>\n")

	out, _, err := inference.ExecuteStructured[CodeReviewOutput](ctx, opts.Executor, &inference.Request{
		Operation: "code_review",
		Messages: []inference.Message{
			inference.SystemMessage(codeReviewSystemPrompt),
			inference.UserMessage(sb.String()),
		},
		ReasoningEffort: effort,
	})
	metrics.RecordStage("code_review", start, err)
	if err != nil {
		log.Error("code review failed", zap.Error(err))
		return nil, fmt.Errorf("code review: %w", err)
	}

	out.mergeDuplicates()
	flagged := out.EnforceSelfContainment(gc.Paths())
	out.Commands = mergeCommands(out.Commands)

	m := metrics.Get()
	m.ReviewEntriesTotal.WithLabelValues("parallel").Add(float64(len(out.FilesToFix) - flagged))
	m.ReviewEntriesTotal.WithLabelValues("coordination").Add(float64(flagged))
	log.Info("code review finished",
		zap.Int("entries", len(out.FilesToFix)),
		zap.Int("coordination_required", flagged),
		zap.Int("stale_dropped", countIssues(in.Issues)-countIssues(issues)),
		zap.String("effort", string(effort)))
	return out, nil
}

func countIssues(r IssueReport) int {
	return len(r.RuntimeErrors) + len(r.StaticAnalysis.Lint) + len(r.StaticAnalysis.Typecheck)
}

var priorityRank = map[ReviewPriority]int{
	PriorityCritical: 4,
	PriorityHigh:     3,
	PriorityMedium:   2,
	PriorityLow:      1,
}

// mergeDuplicates folds entries that name the same file into one, so the
// fan-out never runs two fixers on one file.
func (o *CodeReviewOutput) mergeDuplicates() {
	index := make(map[string]int)
	merged := o.FilesToFix[:0]
	for _, r := range o.FilesToFix {
		r.File = normalizePath(r.File)
		i, ok := index[r.File]
		if !ok {
			index[r.File] = len(merged)
			merged = append(merged, r)
			continue
		}
		m := &merged[i]
		m.Issues = append(m.Issues, r.Issues...)
		m.FixScope = joinNonEmpty(m.FixScope, r.FixScope)
		m.Context = joinNonEmpty(m.Context, r.Context)
		m.Validation = joinNonEmpty(m.Validation, r.Validation)
		m.CoordinationRequired = m.CoordinationRequired || r.CoordinationRequired
		if priorityRank[r.Priority] > priorityRank[m.Priority] {
			m.Priority = r.Priority
		}
	}
	o.FilesToFix = merged
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	}
	return a + "\n" + b
}

// EnforceSelfContainment marks every entry whose text references another
// file as coordination_required and records the references. It returns the
// number of entries excluded from the parallel fan-out.
func (o *CodeReviewOutput) EnforceSelfContainment(known []string) int {
	flagged := 0
	for i := range o.FilesToFix {
		r := &o.FilesToFix[i]
		r.File = normalizePath(r.File)
		texts := append([]string{r.FixScope, r.Context, r.Validation}, r.Issues...)
		if refs := referencedPaths(strings.Join(texts, "\n"), r.File, known); len(refs) > 0 {
			r.CoordinationRequired = true
			r.References = refs
		}
		if r.CoordinationRequired {
			flagged++
		}
	}
	return flagged
}

var (
	urlPattern       = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.\-]*://\S+`)
	pathTokenPattern = regexp.MustCompile(`(?:[@.]?[A-Za-z0-9_\-.\[\]]*/)*[A-Za-z0-9_\-.\[\]]+\.(?:tsx|ts|jsx|js|mjs|cjs|css|scss|sass|less|json|html|mdx|md|vue|svelte|astro|py|go|rs|ya?ml|toml|sql|svg|png|jpe?g|gif|webp)\b`)
)

// referencedPaths returns the file paths other than own mentioned in text.
// A bare name counts only when it is the base name of a known file.
func referencedPaths(text, own string, known []string) []string {
	text = urlPattern.ReplaceAllString(text, " ")
	knownBase := make(map[string]bool, len(known))
	for _, k := range known {
		knownBase[path.Base(k)] = true
	}

	refs := make(map[string]bool)
	for _, tok := range pathTokenPattern.FindAllString(text, -1) {
		n := normalizeRef(tok)
		if n == "" || isSelfRef(n, own) {
			continue
		}
		if strings.Contains(n, "/") || knownBase[n] {
			refs[n] = true
		}
	}
	for _, k := range known {
		if k != own && mentionsPath(text, k) {
			refs[k] = true
		}
	}

	out := make([]string, 0, len(refs))
	for r := range refs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// mentionsPath reports whether p occurs in text as a whole path, not as the
// prefix or suffix of a longer one.
func mentionsPath(text, p string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], p)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(p)
		before := start == 0 || !isPathByte(text[start-1])
		after := end == len(text) || !isPathByte(text[end]) ||
			text[end] == '.' && (end+1 == len(text) || !isPathByte(text[end+1]))
		if before && after {
			return true
		}
		i = start + 1
	}
}

func isPathByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '.' || c == '_' || c == '-' || c == '/' || c == '[' || c == ']'
}

func normalizeRef(tok string) string {
	tok = strings.TrimPrefix(tok, "@/")
	for {
		switch {
		case strings.HasPrefix(tok, "./"):
			tok = tok[2:]
		case strings.HasPrefix(tok, "../"):
			tok = tok[3:]
		case strings.HasPrefix(tok, "/"):
			tok = tok[1:]
		default:
			return normalizePath(tok)
		}
	}
}

func isSelfRef(ref, own string) bool {
	if ref == own || strings.HasSuffix(own, "/"+ref) {
		return true
	}
	return !strings.Contains(ref, "/") && path.Base(own) == ref
}
