// Package observability provides monitoring and debugging capabilities for
// the pi agent runtime through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: minimal impact on turn latency
//   - Type-safe: strongly-typed APIs reduce configuration errors
//   - Standards-based: Prometheus, OpenTelemetry, and slog
//
// # Metrics
//
// Metrics are implemented using the Prometheus client library and track:
//   - Turn scheduling throughput and outcome (success|error|aborted)
//   - Provider request latency, status, and token usage by provider/model
//   - Tool call counts and latency by tool name
//   - Error rates by component
//   - Active session count
//   - Context-compaction frequency and tokens reclaimed
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... run a turn ...
//	metrics.RecordTurn("success", time.Since(start).Seconds())
//
//	start = time.Now()
//	// ... stream a provider request ...
//	metrics.RecordLLMRequest("anthropic", "claude-opus-4", "success",
//	    time.Since(start).Seconds(), inputTokens, outputTokens)
//
//	start = time.Now()
//	// ... execute a tool ...
//	metrics.RecordToolCall("bash", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with:
//   - Automatic session/turn/user ID correlation from context
//   - Sensitive data redaction (API keys, bearer tokens, oauth.json JWTs)
//   - JSON output for RPC mode (spec.md §6), text for interactive use
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	ctx := observability.AddSessionID(ctx, sessionID)
//	ctx = observability.AddTurnID(ctx, turnIndex)
//
//	logger.Info(ctx, "turn started", "tool_count", len(tools))
//	logger.Error(ctx, "provider request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to stitch a turn end to end: the
// scheduler, the provider stream, each tool call, and any compaction
// triggered along the way, per spec.md §2.2 ("observability events... carry
// OpenTelemetry span context").
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "pi",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceTurn(ctx, sessionID, turnIndex)
//	defer span.End()
//
//	ctx, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", "claude-opus-4")
//	defer llmSpan.End()
//
//	ctx, toolSpan := tracer.TraceToolCall(ctx, "bash", toolCallID)
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// # Context Propagation
//
// All three components read correlation IDs from context:
//
//	ctx = observability.AddSessionID(ctx, sessionID)
//	ctx = observability.AddTurnID(ctx, turnIndex)
//	ctx = observability.AddUserID(ctx, userID)
//
//	logger.Info(ctx, "processing turn") // includes session_id, turn_id, ...
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - Anthropic and OpenAI API keys
//   - Bearer/API-key/secret-assignment patterns
//   - JWTs (oauth.json access/refresh tokens, spec.md §6)
//   - Sensitive map keys (password, secret, token, api_key, auth, ...)
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Turn throughput
//	rate(pi_turns_total[5m])
//
//	# LLM request latency (95th percentile)
//	histogram_quantile(0.95, rate(pi_llm_request_duration_seconds_bucket[5m]))
//
//	# Error rate
//	rate(pi_errors_total[5m])
//
//	# Active sessions
//	pi_active_sessions
//
//	# Tool call latency
//	rate(pi_tool_call_duration_seconds_sum[5m]) /
//	rate(pi_tool_call_duration_seconds_count[5m])
//
// # Further Reading
//
//   - Prometheus best practices: https://prometheus.io/docs/practices/naming/
//   - OpenTelemetry specification: https://opentelemetry.io/docs/specs/otel/
//   - slog documentation: https://pkg.go.dev/log/slog
package observability
