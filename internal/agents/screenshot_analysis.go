package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"phaseforge/internal/imageurl"
	"phaseforge/internal/inference"
	"phaseforge/internal/metrics"
)

// ScreenshotAnalysisInput is one preview capture to inspect.
type ScreenshotAnalysisInput struct {
	Screenshot Screenshot
}

// ScreenshotAnalysis checks a rendered preview against the blueprint and
// backs the vision result with a deterministic broken-image check.
type ScreenshotAnalysis struct{}

func NewScreenshotAnalysis() *ScreenshotAnalysis {
	return &ScreenshotAnalysis{}
}

var errNoScreenshot = errors.New("screenshot analysis: screenshot image is required")

// Execute runs the vision call with the screenshot retry budget, then folds
// in every broken image URL the model did not already mention.
func (sa *ScreenshotAnalysis) Execute(ctx context.Context, in ScreenshotAnalysisInput, opts *OperationOptions) (*ScreenshotAnalysisResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if in.Screenshot.ImageURL == "" {
		return nil, errNoScreenshot
	}
	start := time.Now()
	log := opts.logger("screenshot_analysis")
	gc := opts.Context

	var sb strings.Builder
	sb.WriteString("<BLUEPRINT>\n")
	sb.WriteString(blueprintSummary(gc.Blueprint))
	sb.WriteString("</BLUEPRINT>\n")
	fmt.Fprintf(&sb, "\nViewport: %dx%d\n", in.Screenshot.Viewport.Width, in.Screenshot.Viewport.Height)
	user := inference.Message{Role: inference.RoleUser, Parts: []inference.ContentPart{
		inference.TextPart(sb.String()),
		inference.ImagePart(in.Screenshot.ImageURL, "high"),
	}}

	result, _, err := inference.ExecuteStructured[ScreenshotAnalysisResult](ctx, opts.Executor, &inference.Request{
		Operation:       "screenshot_analysis",
		Messages:        []inference.Message{inference.SystemMessage(screenshotSystemPrompt), user},
		ReasoningEffort: opts.effort(),
		RetryLimit:      opts.Settings.ScreenshotRetries,
	})
	if err != nil {
		metrics.RecordStage("screenshot_analysis", start, err)
		log.Error("screenshot analysis failed", zap.Error(err))
		return nil, fmt.Errorf("screenshot analysis: %w", err)
	}
	for i := range result.Issues {
		if result.Issues[i].Source == "" {
			result.Issues[i].Source = "vision"
		}
	}

	added := 0
	if opts.Images != nil {
		added = mergeBrokenImages(result, brokenImages(ctx, opts.Images, gc))
	}
	result.HasIssues = result.HasIssues || len(result.Issues) > 0

	metrics.RecordStage("screenshot_analysis", start, nil)
	log.Info("screenshot analyzed",
		zap.Int("score", result.ComplianceScore),
		zap.Int("issues", len(result.Issues)),
		zap.Int("broken_images_added", added))
	return result, nil
}

// brokenImage is a broken URL and the files that reference it.
type brokenImage struct {
	imageurl.Result
	Files []string
}

func brokenImages(ctx context.Context, v *imageurl.Validator, gc *GenerationContext) []brokenImage {
	refs := make(map[string][]string)
	var urls []string
	for _, f := range gc.AllFiles() {
		for _, u := range imageurl.Extract(f.Contents) {
			if _, seen := refs[u]; !seen {
				urls = append(urls, u)
			}
			refs[u] = append(refs[u], f.Path)
		}
	}
	if len(urls) == 0 {
		return nil
	}
	var out []brokenImage
	for _, r := range v.Broken(ctx, urls) {
		files := refs[r.URL]
		sort.Strings(files)
		out = append(out, brokenImage{Result: r, Files: files})
	}
	return out
}

// mergeBrokenImages appends a high-severity issue for each broken URL that no
// existing issue mentions. It returns the number of issues added.
func mergeBrokenImages(result *ScreenshotAnalysisResult, broken []brokenImage) int {
	added := 0
	for _, b := range broken {
		if mentionsURL(result.Issues, b.URL) {
			continue
		}
		desc := fmt.Sprintf("Broken image URL %s", b.URL)
		if b.StatusCode > 0 {
			desc += fmt.Sprintf(" (HTTP %d)", b.StatusCode)
		} else if b.Error != "" {
			desc += " (" + b.Error + ")"
		}
		result.Issues = append(result.Issues, VisualIssue{
			Severity:    SeverityHigh,
			Description: desc,
			Element:     strings.Join(b.Files, ", "),
			Suggestion:  "Replace with " + b.AlternativeURL,
			Source:      "image_check",
		})
		added++
	}
	if added > 0 {
		result.HasIssues = true
	}
	return added
}

func mentionsURL(issues []VisualIssue, u string) bool {
	for _, is := range issues {
		if strings.Contains(is.Description, u) || strings.Contains(is.Element, u) || strings.Contains(is.Suggestion, u) {
			return true
		}
	}
	return false
}
