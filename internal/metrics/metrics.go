// Package metrics provides Prometheus metrics for the generation pipeline.
// Exports inference, codec, fixer, image validation and conversation metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for phaseforge
type Metrics struct {
	// Inference Metrics
	InferenceRequestsTotal *prometheus.CounterVec
	InferenceDuration      *prometheus.HistogramVec
	InferenceTokensUsed    *prometheus.CounterVec
	InferenceRetriesTotal  *prometheus.CounterVec
	InferenceInFlight      *prometheus.GaugeVec
	ToolCallsTotal         *prometheus.CounterVec

	// Pipeline Metrics
	PhasesTotal         *prometheus.CounterVec
	PhaseDuration       *prometheus.HistogramVec
	FilesGeneratedTotal *prometheus.CounterVec
	CodecErrorsTotal    *prometheus.CounterVec
	FixOutcomesTotal    *prometheus.CounterVec
	TaskResultsTotal    *prometheus.CounterVec
	ReviewEntriesTotal  *prometheus.CounterVec

	// Image validation Metrics
	ImageChecksTotal       *prometheus.CounterVec
	ImageURLsReplacedTotal prometheus.Counter

	// Conversation Metrics
	CompactionsTotal             prometheus.Counter
	CompactedMessagesTotal       prometheus.Counter
	ConversationFallbacksTotal   prometheus.Counter
	ConversationTransitionsTotal *prometheus.CounterVec
	WebSocketConnectionsGauge    prometheus.Gauge
	EventsPublishedTotal         *prometheus.CounterVec
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Inference Metrics
	m.InferenceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Total number of inference calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	m.InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "phaseforge",
			Subsystem: "inference",
			Name:      "request_duration_seconds",
			Help:      "Inference call duration in seconds",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"operation"},
	)

	m.InferenceTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "inference",
			Name:      "tokens_total",
			Help:      "Tokens consumed by operation and kind (prompt, completion)",
		},
		[]string{"operation", "kind"},
	)

	m.InferenceRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "inference",
			Name:      "retries_total",
			Help:      "Delegated inference retries by operation",
		},
		[]string{"operation"},
	)

	m.InferenceInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "phaseforge",
			Subsystem: "inference",
			Name:      "requests_in_flight",
			Help:      "Current number of inference calls by operation",
		},
		[]string{"operation"},
	)

	m.ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "inference",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)

	// Pipeline Metrics
	m.PhasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "pipeline",
			Name:      "phases_total",
			Help:      "Phases processed by stage and result",
		},
		[]string{"stage", "result"},
	)

	m.PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "phaseforge",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Wall time of one pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"stage"},
	)

	m.FilesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "pipeline",
			Name:      "files_generated_total",
			Help:      "Files closed by the streaming codec by format",
		},
		[]string{"format"},
	)

	m.CodecErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "pipeline",
			Name:      "codec_errors_total",
			Help:      "Terminal streaming codec errors by kind",
		},
		[]string{"kind"},
	)

	m.FixOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "pipeline",
			Name:      "fix_outcomes_total",
			Help:      "Fixer outcomes by fixer and outcome (applied, declined, rejected, failed)",
		},
		[]string{"fixer", "outcome"},
	)

	m.TaskResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "pipeline",
			Name:      "task_results_total",
			Help:      "Joined file task results by result",
		},
		[]string{"result"},
	)

	m.ReviewEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "pipeline",
			Name:      "review_entries_total",
			Help:      "Code review entries by routing (parallel, coordination)",
		},
		[]string{"routing"},
	)

	// Image validation Metrics
	m.ImageChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "images",
			Name:      "checks_total",
			Help:      "Image URL checks by result (valid, broken, timeout, cached)",
		},
		[]string{"result"},
	)

	m.ImageURLsReplacedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "images",
			Name:      "urls_replaced_total",
			Help:      "Broken image URLs replaced with placeholders",
		},
	)

	// Conversation Metrics
	m.CompactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "conversation",
			Name:      "compactions_total",
			Help:      "Number of history compactions",
		},
	)

	m.CompactedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "conversation",
			Name:      "compacted_messages_total",
			Help:      "Messages collapsed into summaries",
		},
	)

	m.ConversationFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "conversation",
			Name:      "fallbacks_total",
			Help:      "Responses replaced by the fallback acknowledgment",
		},
	)

	m.ConversationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Conversation state transitions by target state",
		},
		[]string{"to"},
	)

	m.WebSocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "phaseforge",
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Open websocket connections",
		},
	)

	m.EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseforge",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Project update events by type and sink",
		},
		[]string{"type", "sink"},
	)

	return m
}
