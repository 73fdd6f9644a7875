package conversation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"phaseforge/internal/inference"
	"phaseforge/internal/metrics"
)

// SummaryConversationPrefix marks the conversation id of compaction summaries.
const SummaryConversationPrefix = "summary-"

var (
	systemContextPattern = regexp.MustCompile(`(?s)<system_context>.*?</system_context>`)
	whitespacePattern    = regexp.MustCompile(`\s+`)
)

// Compactor collapses old history into a single summary message.
type Compactor struct {
	// MaxMessages is the model-facing history ceiling.
	MaxMessages int
	// TriggerRatio of MaxMessages at which compaction runs.
	TriggerRatio float64
	// KeepRatio of the history preserved verbatim.
	KeepRatio float64
	// LineLimit caps each summarized message, in characters.
	LineLimit int
}

// DefaultCompactor returns the 100 message, 0.8 trigger, 40% keep policy.
func DefaultCompactor() Compactor {
	return Compactor{MaxMessages: 100, TriggerRatio: 0.8, KeepRatio: 0.4, LineLimit: 400}
}

func (c Compactor) normalized() Compactor {
	d := DefaultCompactor()
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.TriggerRatio <= 0 || c.TriggerRatio > 1 {
		c.TriggerRatio = d.TriggerRatio
	}
	if c.KeepRatio <= 0 || c.KeepRatio >= 1 {
		c.KeepRatio = d.KeepRatio
	}
	if c.LineLimit <= 0 {
		c.LineLimit = d.LineLimit
	}
	return c
}

// Threshold is the history length at which Compact collapses messages.
func (c Compactor) Threshold() int {
	c = c.normalized()
	return int(math.Ceil(float64(c.MaxMessages) * c.TriggerRatio))
}

// Compact returns history unchanged when it is below the threshold.
// Otherwise the oldest messages are replaced by one summary message and the
// newest KeepRatio share is kept verbatim. The split never separates an
// assistant tool call from its tool results. Compaction is lossy: the
// returned slice does not carry the original text of summarized messages.
func (c Compactor) Compact(history []inference.Message) ([]inference.Message, bool) {
	c = c.normalized()
	n := len(history)
	if n < c.Threshold() {
		return history, false
	}

	keep := int(math.Round(float64(n) * c.KeepRatio))
	if keep < 1 {
		keep = 1
	}
	boundary := adjustBoundaryForToolPairs(history, n-keep)
	if boundary <= 0 {
		return history, false
	}

	summary := inference.Message{
		Role:           inference.RoleUser,
		Content:        c.summarize(history[:boundary]),
		ConversationID: SummaryConversationPrefix + uuid.NewString(),
	}
	out := make([]inference.Message, 0, n-boundary+1)
	out = append(out, summary)
	out = append(out, history[boundary:]...)

	m := metrics.Get()
	m.CompactionsTotal.Inc()
	m.CompactedMessagesTotal.Add(float64(boundary))
	return out, true
}

// adjustBoundaryForToolPairs moves the split left until the first kept
// message is not a tool result, so results stay with their call.
func adjustBoundaryForToolPairs(history []inference.Message, boundary int) int {
	for boundary > 0 && boundary < len(history) && history[boundary].Role == inference.RoleTool {
		boundary--
	}
	return boundary
}

func (c Compactor) summarize(msgs []inference.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary of %d earlier messages in this conversation, oldest first:\n", len(msgs))
	for _, m := range msgs {
		line := summaryLine(m, c.LineLimit)
		if line == "" {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func summaryLine(m inference.Message, limit int) string {
	text := systemContextPattern.ReplaceAllString(m.Text(), " ")
	text = strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))

	label := string(m.Role)
	switch {
	case m.Role == inference.RoleTool && m.Name != "":
		label = "tool " + m.Name
	case len(m.ToolCalls) > 0:
		names := make([]string, 0, len(m.ToolCalls))
		for _, call := range m.ToolCalls {
			names = append(names, call.Name)
		}
		called := "[called " + strings.Join(names, ", ") + "]"
		if text == "" {
			text = called
		} else {
			text = called + " " + text
		}
	}
	if text == "" {
		return ""
	}
	return truncateRunes(label+": "+text, limit)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
