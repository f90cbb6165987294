// Package observability provides the kernel's monitoring surface:
// Prometheus metrics, structured logging, and OpenTelemetry tracing.
//
// Metrics (metrics.go) count turn lifecycle events, tool-call
// dispatches with per-tool latency, approval decisions, and transient
// stream retries. A nil *Metrics is a valid no-op collector, so the
// session records unconditionally and the caller decides whether to
// mount an exporter over Metrics.Registry().
//
// Logging (logging.go) wraps log/slog with level/format configuration,
// context correlation (request, session, turn ids), and redaction of
// secrets (API keys, tokens, JWTs) before they reach a sink.
//
// Tracing (tracing.go) emits a span per turn, per model-request
// attempt, and per tool-call dispatch over OTLP/gRPC; with no endpoint
// configured every span is a no-op.
//
// Typical wiring:
//
//	obs := observability.NewLogger(observability.LogConfig{Level: "info"})
//	metrics := observability.NewMetrics()
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "kerneld",
//	    Endpoint:    cfg.OTELEndpoint,
//	})
//	defer shutdown(ctx)
package observability
