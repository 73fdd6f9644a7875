package metrics

import (
	"regexp"
	"strings"
	"time"
)

var labelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// Label normalizes a free-form value into a bounded Prometheus label.
func Label(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = labelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

// RecordInference records one finished inference call.
func RecordInference(operation string, start time.Time, err error, promptTokens, completionTokens int) {
	m := Get()
	op := Label(operation, "unknown")
	result := "success"
	if err != nil {
		result = "error"
	}
	m.InferenceRequestsTotal.WithLabelValues(op, result).Inc()
	m.InferenceDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if promptTokens > 0 {
		m.InferenceTokensUsed.WithLabelValues(op, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.InferenceTokensUsed.WithLabelValues(op, "completion").Add(float64(completionTokens))
	}
}

// RecordFixOutcome records the outcome of one bounded fixer call.
func RecordFixOutcome(fixer, outcome string) {
	Get().FixOutcomesTotal.WithLabelValues(Label(fixer, "unknown"), Label(outcome, "unknown")).Inc()
}

// RecordStage records the duration and result of a pipeline stage.
func RecordStage(stage string, start time.Time, err error) {
	m := Get()
	label := Label(stage, "unknown")
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PhasesTotal.WithLabelValues(label, result).Inc()
	m.PhaseDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
}
