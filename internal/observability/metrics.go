package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting agent-runtime
// metrics. The metrics system is built on Prometheus and tracks:
//   - Turn scheduling throughput and outcomes
//   - LLM provider request performance and token usage
//   - Tool execution patterns and latencies
//   - Error rates categorized by component
//   - Active session counts and context-compaction activity
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.RecordLLMRequest("anthropic", "claude-opus-4", "success", elapsed, 100, 500)
type Metrics struct {
	// TurnCounter tracks completed turns by outcome.
	// Labels: status (success|error|aborted)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures wall-clock turn duration in seconds.
	TurnDuration *prometheus.HistogramVec

	// LLMRequestDuration measures provider streaming-call latency.
	// Labels: provider (anthropic|openai|google), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider requests by status.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	LLMTokensUsed *prometheus.CounterVec

	// ToolCallCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolCallDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (loop|provider|tool|session|hooks), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking currently running sessions.
	ActiveSessions prometheus.Gauge

	// CompactionCounter counts context compactions by trigger.
	// Labels: trigger (threshold|forced)
	CompactionCounter *prometheus.CounterVec

	// CompactionTokensReclaimed tracks tokens freed per compaction.
	CompactionTokensReclaimed prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// process startup; every metric is registered against the default
// registry and served by a standard prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pi_turns_total",
				Help: "Total number of agent turns by outcome",
			},
			[]string{"status"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pi_turn_duration_seconds",
				Help:    "Duration of agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pi_llm_request_duration_seconds",
				Help:    "Duration of provider streaming requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pi_llm_requests_total",
				Help: "Total number of provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pi_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and token type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pi_tool_calls_total",
				Help: "Total number of tool calls by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pi_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pi_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pi_active_sessions",
				Help: "Current number of active agent sessions",
			},
		),

		CompactionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pi_compactions_total",
				Help: "Total number of context compactions by trigger",
			},
			[]string{"trigger"},
		),

		CompactionTokensReclaimed: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pi_compaction_tokens_reclaimed",
				Help:    "Tokens reclaimed per context compaction",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
		),
	}
}

// RecordTurn records the outcome and duration of a completed turn.
func (m *Metrics) RecordTurn(status string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for a single provider streaming call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordCacheTokens records prompt-cache read/write token counts for a
// provider request that reported them.
func (m *Metrics) RecordCacheTokens(provider, model string, readTokens, writeTokens int) {
	if readTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_read").Add(float64(readTokens))
	}
	if writeTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cache_write").Add(float64(writeTokens))
	}
}

// RecordToolCall records metrics for a single tool execution.
func (m *Metrics) RecordToolCall(toolName, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(toolName, status).Inc()
	m.ToolCallDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and
// error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active-sessions gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active-sessions gauge.
func (m *Metrics) SessionEnded() {
	m.ActiveSessions.Dec()
}

// RecordCompaction records a context compaction and the tokens it freed.
func (m *Metrics) RecordCompaction(trigger string, tokensReclaimed int) {
	m.CompactionCounter.WithLabelValues(trigger).Inc()
	m.CompactionTokensReclaimed.Observe(float64(tokensReclaimed))
}
