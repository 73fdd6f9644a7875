package imageurl

import (
	"context"

	"go.uber.org/zap"

	"phaseforge/internal/metrics"
)

// Replacement records one substituted URL.
type Replacement struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// FixResult is the outcome of AutoFix.
type FixResult struct {
	Content      string        `json:"content"`
	URLsReplaced int           `json:"urlsReplaced"`
	Replacements []Replacement `json:"replacements,omitempty"`
}

// AutoFix validates every image URL in content and substitutes broken ones.
// Placeholder URLs are never checked, so applying AutoFix to its own output
// replaces nothing.
func (v *Validator) AutoFix(ctx context.Context, content string) FixResult {
	urls := Extract(content)
	if len(urls) == 0 {
		return FixResult{Content: content}
	}
	res := FixResult{Content: content}
	brokenURLs := v.Broken(ctx, urls)
	if len(brokenURLs) == 0 {
		return res
	}
	alternatives := make(map[string]string, len(brokenURLs))
	for _, r := range brokenURLs {
		alternatives[r.URL] = r.AlternativeURL
		res.Replacements = append(res.Replacements, Replacement{
			Original:    r.URL,
			Replacement: r.AlternativeURL,
			StatusCode:  r.StatusCode,
			Reason:      r.Error,
		})
	}
	// Only whole URL tokens are swapped; a valid URL that merely starts with
	// a broken one is left alone.
	res.Content = urlPattern.ReplaceAllStringFunc(content, func(raw string) string {
		u := trimURL(raw)
		alt, ok := alternatives[u]
		if !ok {
			return raw
		}
		return alt + raw[len(u):]
	})
	res.URLsReplaced = len(res.Replacements)
	if res.URLsReplaced > 0 {
		metrics.Get().ImageURLsReplacedTotal.Add(float64(res.URLsReplaced))
		v.logger.Info("replaced broken image urls", zap.Int("count", res.URLsReplaced))
	}
	return res
}
