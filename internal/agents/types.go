// Package agents provides the phase-driven generation operations: planning a
// phase, streaming its files, reviewing the codebase, and the bounded fixers
// that repair individual files.
package agents

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"phaseforge/internal/scof"
)

// RuntimeError is one error reported by the preview environment.
type RuntimeError struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	File      string    `json:"file,omitempty"`
	Line      int       `json:"line,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IssueSource identifies the static analyzer that produced a CodeIssue.
type IssueSource string

const (
	SourceLint      IssueSource = "lint"
	SourceTypecheck IssueSource = "typecheck"
)

// CodeIssue is a single static-analysis finding.
type CodeIssue struct {
	File     string      `json:"file"`
	Line     int         `json:"line,omitempty"`
	Column   int         `json:"column,omitempty"`
	Message  string      `json:"message"`
	Rule     string      `json:"rule,omitempty"`
	Severity string      `json:"severity,omitempty"` // error, warning
	Source   IssueSource `json:"source"`
}

func (i CodeIssue) String() string {
	loc := i.File
	if i.Line > 0 {
		loc = fmt.Sprintf("%s:%d", i.File, i.Line)
	}
	if i.Rule != "" {
		return fmt.Sprintf("%s [%s/%s] %s", loc, i.Source, i.Rule, i.Message)
	}
	return fmt.Sprintf("%s [%s] %s", loc, i.Source, i.Message)
}

// StaticAnalysis groups lint and typecheck findings.
type StaticAnalysis struct {
	Lint      []CodeIssue `json:"lint,omitempty"`
	Typecheck []CodeIssue `json:"typecheck,omitempty"`
}

// All returns lint and typecheck findings together.
func (s StaticAnalysis) All() []CodeIssue {
	out := make([]CodeIssue, 0, len(s.Lint)+len(s.Typecheck))
	out = append(out, s.Typecheck...)
	return append(out, s.Lint...)
}

// IssueReport is the immutable issue snapshot for one pipeline cycle.
type IssueReport struct {
	RuntimeErrors  []RuntimeError `json:"runtime_errors,omitempty"`
	StaticAnalysis StaticAnalysis `json:"static_analysis"`
}

func (r IssueReport) HasRuntimeErrors() bool {
	return len(r.RuntimeErrors) > 0
}

// HasIssues reports whether anything concrete was found.
func (r IssueReport) HasIssues() bool {
	return r.HasRuntimeErrors() || len(r.StaticAnalysis.Lint) > 0 || len(r.StaticAnalysis.Typecheck) > 0
}

// IssuesForFile returns human-readable issue lines that name path.
func (r IssueReport) IssuesForFile(p string) []string {
	p = normalizePath(p)
	var out []string
	for _, e := range r.RuntimeErrors {
		if e.File != "" && normalizePath(e.File) == p {
			out = append(out, "runtime: "+e.Message)
		}
	}
	for _, i := range r.StaticAnalysis.All() {
		if normalizePath(i.File) == p {
			out = append(out, i.String())
		}
	}
	return out
}

// FilterStale drops findings that no longer match the codebase: issues for
// files that are gone, and issues pointing past the end of their file.
// Runtime errors without a location are always kept.
func (r IssueReport) FilterStale(gc *GenerationContext) IssueReport {
	if gc == nil {
		return r
	}
	current := func(file string, line int) bool {
		f, ok := gc.File(file)
		if !ok {
			return false
		}
		return line <= 0 || line <= lineCount(f.Contents)
	}

	out := IssueReport{}
	for _, e := range r.RuntimeErrors {
		if e.File == "" || current(e.File, e.Line) {
			out.RuntimeErrors = append(out.RuntimeErrors, e)
		}
	}
	for _, i := range r.StaticAnalysis.Lint {
		if current(i.File, i.Line) {
			out.StaticAnalysis.Lint = append(out.StaticAnalysis.Lint, i)
		}
	}
	for _, i := range r.StaticAnalysis.Typecheck {
		if current(i.File, i.Line) {
			out.StaticAnalysis.Typecheck = append(out.StaticAnalysis.Typecheck, i)
		}
	}
	return out
}

// ChangeType is the declared change for one file of a phase.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeEdit   ChangeType = "edit"
	ChangeDelete ChangeType = "delete"
)

// FileConcept is one planned file change.
type FileConcept struct {
	Path       string     `json:"path"`
	Purpose    string     `json:"purpose"`
	ChangeType ChangeType `json:"changeType"`
}

// PhaseConcept is the plan for one deployable milestone. It is never mutated
// after creation.
type PhaseConcept struct {
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	Files           []FileConcept `json:"files"`
	InstallCommands []string      `json:"installCommands,omitempty"`
	LastPhase       bool          `json:"lastPhase"`
}

// Validate implements inference.Schema.
func (p *PhaseConcept) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("phase name is required"))
	}
	if len(p.Files) == 0 && !p.LastPhase {
		errs = append(errs, errors.New("phase must change at least one file"))
	}
	seen := make(map[string]bool, len(p.Files))
	for i, f := range p.Files {
		np := normalizePath(f.Path)
		switch {
		case np == "":
			errs = append(errs, fmt.Errorf("files[%d]: path is required", i))
			continue
		case strings.HasPrefix(np, "../"):
			errs = append(errs, fmt.Errorf("files[%d]: path %q escapes the project", i, f.Path))
		case seen[np]:
			errs = append(errs, fmt.Errorf("files[%d]: duplicate path %q", i, f.Path))
		}
		seen[np] = true
		switch f.ChangeType {
		case ChangeCreate, ChangeEdit, ChangeDelete:
		default:
			errs = append(errs, fmt.Errorf("files[%d]: unknown changeType %q", i, f.ChangeType))
		}
	}
	return errors.Join(errs...)
}

// PurposeFor returns the planned purpose of path.
func (p *PhaseConcept) PurposeFor(filePath string) (string, bool) {
	np := normalizePath(filePath)
	for _, f := range p.Files {
		if normalizePath(f.Path) == np {
			return f.Purpose, true
		}
	}
	return "", false
}

// Deletions returns the paths the phase removes.
func (p *PhaseConcept) Deletions() []string {
	var out []string
	for _, f := range p.Files {
		if f.ChangeType == ChangeDelete {
			out = append(out, normalizePath(f.Path))
		}
	}
	return out
}

// FileFormat and FileOutput are the codec's file types.
type (
	FileFormat = scof.Format
	FileOutput = scof.FileOutput
)

const (
	FormatFullContent = scof.FormatFullContent
	FormatUnifiedDiff = scof.FormatUnifiedDiff
)

// Blueprint is the product description produced before phase planning.
type Blueprint struct {
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	Views                 []string `json:"views,omitempty"`
	Features              []string `json:"features,omitempty"`
	ColorPalette          []string `json:"colorPalette,omitempty"`
	Frameworks            []string `json:"frameworks,omitempty"`
	ImplementationRoadmap []string `json:"implementationRoadmap,omitempty"`
}

// TemplateDetails describes the starter template the project grew from.
type TemplateDetails struct {
	Name           string            `json:"name"`
	Framework      string            `json:"framework"`
	ImportantFiles []string          `json:"importantFiles,omitempty"`
	DontTouchFiles []string          `json:"dontTouchFiles,omitempty"`
	Dependencies   map[string]string `json:"dependencies,omitempty"`
}

// GenerationContext is the project snapshot shared by every operation of one
// cycle. Operations only read it; the orchestrating loop applies changes
// between cycles.
type GenerationContext struct {
	Query        string
	Blueprint    Blueprint
	Template     TemplateDetails
	Dependencies map[string]string

	mu    sync.RWMutex
	files map[string]FileOutput
}

// NewGenerationContext creates a context seeded with files.
func NewGenerationContext(query string, blueprint Blueprint, template TemplateDetails, files ...FileOutput) *GenerationContext {
	gc := &GenerationContext{
		Query:        query,
		Blueprint:    blueprint,
		Template:     template,
		Dependencies: make(map[string]string),
		files:        make(map[string]FileOutput),
	}
	for k, v := range template.Dependencies {
		gc.Dependencies[k] = v
	}
	gc.Apply(files...)
	return gc
}

// AllFiles returns every file sorted by path.
func (gc *GenerationContext) AllFiles() []FileOutput {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	out := make([]FileOutput, 0, len(gc.files))
	for _, f := range gc.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Paths returns every file path, sorted.
func (gc *GenerationContext) Paths() []string {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	out := make([]string, 0, len(gc.files))
	for p := range gc.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// File looks up one file.
func (gc *GenerationContext) File(p string) (FileOutput, bool) {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	f, ok := gc.files[normalizePath(p)]
	return f, ok
}

// Apply stores finalized files. Only the owning loop calls it.
func (gc *GenerationContext) Apply(files ...FileOutput) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	for _, f := range files {
		f.Path = normalizePath(f.Path)
		if f.Path == "" {
			continue
		}
		f.Format = FormatFullContent
		gc.files[f.Path] = f
	}
}

// Remove deletes files. Only the owning loop calls it.
func (gc *GenerationContext) Remove(paths ...string) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	for _, p := range paths {
		delete(gc.files, normalizePath(p))
	}
}

// Len returns the number of files.
func (gc *GenerationContext) Len() int {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	return len(gc.files)
}

// Digest renders the codebase for a prompt, skipping files matched by skip
// globs and truncating once budget bytes have been written.
func (gc *GenerationContext) Digest(budget int, skip []string) string {
	var sb strings.Builder
	for _, f := range gc.AllFiles() {
		if matchesAny(f.Path, skip) {
			continue
		}
		if budget > 0 && sb.Len() >= budget {
			fmt.Fprintf(&sb, "<file path=%q omitted=\"budget\"/>\n", f.Path)
			continue
		}
		fmt.Fprintf(&sb, "<file path=%q purpose=%q>\n%s\n</file>\n", f.Path, f.Purpose, f.Contents)
	}
	return sb.String()
}

// ReviewPriority ranks a review finding.
type ReviewPriority string

const (
	PriorityCritical ReviewPriority = "critical"
	PriorityHigh     ReviewPriority = "high"
	PriorityMedium   ReviewPriority = "medium"
	PriorityLow      ReviewPriority = "low"
)

// FileReview is one per-file fix specification.
type FileReview struct {
	File                 string         `json:"file"`
	Issues               []string       `json:"issues"`
	Priority             ReviewPriority `json:"priority"`
	FixScope             string         `json:"fix_scope"`
	Context              string         `json:"context"`
	Validation           string         `json:"validation"`
	CoordinationRequired bool           `json:"coordination_required,omitempty"`
	References           []string       `json:"references,omitempty"`
}

// CodeReviewOutput is the review verdict for the whole codebase.
type CodeReviewOutput struct {
	Summary    string       `json:"summary"`
	FilesToFix []FileReview `json:"files_to_fix"`
	Commands   []string     `json:"commands,omitempty"`
}

// Validate implements inference.Schema.
func (o *CodeReviewOutput) Validate() error {
	var errs []error
	for i, r := range o.FilesToFix {
		if strings.TrimSpace(r.File) == "" {
			errs = append(errs, fmt.Errorf("files_to_fix[%d]: file is required", i))
		}
		if len(r.Issues) == 0 {
			errs = append(errs, fmt.Errorf("files_to_fix[%d]: at least one issue is required", i))
		}
		switch r.Priority {
		case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, "":
		default:
			errs = append(errs, fmt.Errorf("files_to_fix[%d]: unknown priority %q", i, r.Priority))
		}
	}
	return errors.Join(errs...)
}

// ParallelReady returns the entries safe to fix independently.
func (o *CodeReviewOutput) ParallelReady() []FileReview {
	var out []FileReview
	for _, r := range o.FilesToFix {
		if !r.CoordinationRequired {
			out = append(out, r)
		}
	}
	return out
}

// NeedsCoordination returns the entries excluded from the parallel fan-out.
func (o *CodeReviewOutput) NeedsCoordination() []FileReview {
	var out []FileReview
	for _, r := range o.FilesToFix {
		if r.CoordinationRequired {
			out = append(out, r)
		}
	}
	return out
}

// Viewport is the rendered preview size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Screenshot is one rendered preview capture. ImageURL may be a data URL.
type Screenshot struct {
	ImageURL   string    `json:"imageUrl"`
	Viewport   Viewport  `json:"viewport"`
	CapturedAt time.Time `json:"capturedAt"`
}

// VisualSeverity ranks a visual finding.
type VisualSeverity string

const (
	SeverityCritical VisualSeverity = "critical"
	SeverityHigh     VisualSeverity = "high"
	SeverityMedium   VisualSeverity = "medium"
)

// VisualIssue is one screenshot finding.
type VisualIssue struct {
	Severity    VisualSeverity `json:"severity"`
	Description string         `json:"description"`
	Element     string         `json:"element,omitempty"`
	Suggestion  string         `json:"suggestion,omitempty"`
	Source      string         `json:"source,omitempty"` // vision, image_check
}

// ScreenshotAnalysisResult is the compliance report for one capture.
type ScreenshotAnalysisResult struct {
	HasIssues       bool          `json:"hasIssues"`
	Issues          []VisualIssue `json:"issues"`
	ComplianceScore int           `json:"complianceScore"`
	Deviations      []string      `json:"deviations"`
	Suggestions     []string      `json:"suggestions,omitempty"`
}

// Validate implements inference.Schema.
func (r *ScreenshotAnalysisResult) Validate() error {
	var errs []error
	if r.ComplianceScore < 1 || r.ComplianceScore > 10 {
		errs = append(errs, fmt.Errorf("complianceScore %d outside 1-10", r.ComplianceScore))
	}
	for i, is := range r.Issues {
		switch is.Severity {
		case SeverityCritical, SeverityHigh, SeverityMedium:
		default:
			errs = append(errs, fmt.Errorf("issues[%d]: unknown severity %q", i, is.Severity))
		}
		if strings.TrimSpace(is.Description) == "" {
			errs = append(errs, fmt.Errorf("issues[%d]: description is required", i))
		}
	}
	return errors.Join(errs...)
}

// IssuesBySeverity returns the issues with the given severity.
func (r *ScreenshotAnalysisResult) IssuesBySeverity(s VisualSeverity) []VisualIssue {
	var out []VisualIssue
	for _, is := range r.Issues {
		if is.Severity == s {
			out = append(out, is)
		}
	}
	return out
}

func normalizePath(p string) string {
	return scof.CleanPath(p)
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}

func matchesAny(p string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
	}
	return false
}
