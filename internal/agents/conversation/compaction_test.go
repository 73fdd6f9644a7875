package conversation

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseforge/internal/inference"
)

func chatHistory(n int) []inference.Message {
	msgs := make([]inference.Message, n)
	for i := range msgs {
		role := inference.RoleUser
		if i%2 == 1 {
			role = inference.RoleAssistant
		}
		msgs[i] = inference.Message{Role: role, Content: fmt.Sprintf("message %d", i), ConversationID: fmt.Sprintf("c%d", i/2)}
	}
	return msgs
}

func TestCompactCollapsesOldestSixtyPercent(t *testing.T) {
	history := chatHistory(100)

	out, changed := DefaultCompactor().Compact(history)
	require.True(t, changed)
	require.Len(t, out, 41)

	summary := out[0]
	assert.Equal(t, inference.RoleUser, summary.Role)
	assert.True(t, strings.HasPrefix(summary.ConversationID, SummaryConversationPrefix))
	assert.Contains(t, summary.Content, "- user: message 0")
	assert.Contains(t, summary.Content, "- assistant: message 59")
	assert.NotContains(t, summary.Content, "message 60")
	assert.Equal(t, history[60:], out[1:])
}

func TestCompactIsIdempotentOnPreservedSuffix(t *testing.T) {
	c := DefaultCompactor()
	once, changed := c.Compact(chatHistory(100))
	require.True(t, changed)

	twice, changed := c.Compact(once)
	assert.False(t, changed)
	assert.Equal(t, once, twice)
}

func TestCompactBelowThreshold(t *testing.T) {
	c := DefaultCompactor()
	assert.Equal(t, 80, c.Threshold())

	history := chatHistory(79)
	out, changed := c.Compact(history)
	assert.False(t, changed)
	assert.Len(t, out, 79)

	_, changed = c.Compact(chatHistory(80))
	assert.True(t, changed)
}

func TestCompactKeepsToolPairsTogether(t *testing.T) {
	history := chatHistory(100)
	history[59] = inference.Message{Role: inference.RoleAssistant, ToolCalls: []inference.ToolCall{{ID: "t1", Name: ToolQueueRequest}}}
	history[60] = inference.Message{Role: inference.RoleTool, ToolCallID: "t1", Name: ToolQueueRequest, Content: "queued"}

	out, changed := DefaultCompactor().Compact(history)
	require.True(t, changed)
	require.Len(t, out, 42)
	assert.Equal(t, history[59], out[1])
	assert.Equal(t, history[60], out[2])
}

func TestSummaryLine(t *testing.T) {
	tests := []struct {
		name string
		msg  inference.Message
		want string
	}{
		{
			"whitespace normalized",
			inference.Message{Role: inference.RoleUser, Content: "  add\n\n a   cart\tpage "},
			"user: add a cart page",
		},
		{
			"system context stripped",
			inference.Message{Role: inference.RoleUser, Content: "<system_context>\nPhase 2 deployed\n</system_context> what changed?"},
			"user: what changed?",
		},
		{
			"only system context",
			inference.Message{Role: inference.RoleUser, Content: "<system_context>build ok</system_context>"},
			"",
		},
		{
			"tool call",
			inference.Message{Role: inference.RoleAssistant, ToolCalls: []inference.ToolCall{{Name: ToolQueueRequest}}},
			"assistant: [called queue_request]",
		},
		{
			"tool result",
			inference.Message{Role: inference.RoleTool, Name: ToolWebSearch, Content: "3 results"},
			"tool web_search: 3 results",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, summaryLine(tt.msg, 400))
		})
	}

	long := summaryLine(inference.Message{Role: inference.RoleAssistant, Content: strings.Repeat("é", 1000)}, 400)
	assert.Equal(t, 400, len([]rune(long)))
}
