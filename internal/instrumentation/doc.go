// Package instrumentation provides comprehensive OpenTelemetry instrumentation
// for the MCP gateway.
//
// This package enables production-grade observability through:
//   - OpenTelemetry metrics for HTTP requests, OAuth flows, and upstream IdP calls
//   - Distributed tracing for request flows and upstream calls
//   - Prometheus metrics export via /metrics endpoint on dedicated port
//   - OTLP export support for modern observability platforms
//
// # Metrics
//
// The package exposes the following metric categories:
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//   - active_sessions: Gauge of active user sessions
//   - sse_connections: Gauge of live SSE connections
//
// OAuth Metrics:
//   - oauth_flow_total: Counter of completed OAuth flows by status and flow type
//   - oauth_token_refresh_total: Counter of upstream token refresh attempts by result
//   - bearer_tokens_issued_total: Counter of bearer tokens issued by grant type
//   - bearer_tokens_revoked_total: Counter of bearer token revocations
//   - rate_limit_rejections_total: Counter of rate-limited requests by scope
//
// Upstream IdP Metrics:
//   - upstream_idp_requests_total: Counter of IdP requests by operation and status
//   - upstream_idp_request_duration_seconds: Histogram of IdP request durations
//
// # Tracing
//
// Distributed tracing spans are created for:
//   - HTTP request handling
//   - Upstream identity provider calls (idp.<operation>)
//   - OAuth token operations
//
// # Configuration
//
// Instrumentation can be configured via environment variables:
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: true)
//   - METRICS_EXPORTER: Metrics exporter type (prometheus, otlp, stdout, default: prometheus)
//   - TRACING_EXPORTER: Tracing exporter type (otlp, stdout, none, default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: mcp-gateway)
//
// # Example Usage
//
//	// Initialize instrumentation
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.Config{
//		ServiceName:    "mcp-gateway",
//		ServiceVersion: "0.1.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	// Get metrics recorder
//	recorder := provider.Metrics()
//
//	// Record an HTTP request
//	recorder.RecordHTTPRequest(ctx, "POST", "/mcp", 200, time.Since(start))
//
//	// Record an upstream IdP call
//	recorder.RecordUpstreamRequest(ctx, "exchange", "success", time.Since(start))
//
//	// Record a completed OAuth flow
//	recorder.RecordOAuthFlow(ctx, "success", instrumentation.FlowTypePKCE)
package instrumentation
