package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys - using constants for consistency and DRY
const (
	// Common attributes (reused across metrics)
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrResult    = "result"
	attrFlowType  = "flow_type"
	attrGrantType = "grant_type"
	attrScope     = "scope"
	attrDomain    = "domain"
)

// Metrics provides methods for recording observability metrics. A nil
// *Metrics is a valid no-op recorder, as is the zero value.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	activeSessions      metric.Int64UpDownCounter

	// OAuth flow metrics
	oauthFlowTotal         metric.Int64Counter
	oauthTokenRefreshTotal metric.Int64Counter

	// Bearer token metrics
	tokensIssuedTotal  metric.Int64Counter
	tokensRevokedTotal metric.Int64Counter

	// Rate limiting
	rateLimitRejectionsTotal metric.Int64Counter

	// SSE connections
	sseConnections metric.Int64UpDownCounter

	// Upstream IdP metrics
	upstreamRequestsTotal   metric.Int64Counter
	upstreamRequestDuration metric.Float64Histogram

	// Configuration
	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether high-cardinality labels are included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	// HTTP Metrics
	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.activeSessions, err = meter.Int64UpDownCounter(
		"active_sessions",
		metric.WithDescription("Number of active user sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_sessions gauge: %w", err)
	}

	// OAuth flow metrics
	m.oauthFlowTotal, err = meter.Int64Counter(
		"oauth_flow_total",
		metric.WithDescription("Total number of completed OAuth flows by outcome"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_flow_total counter: %w", err)
	}

	m.oauthTokenRefreshTotal, err = meter.Int64Counter(
		"oauth_token_refresh_total",
		metric.WithDescription("Total number of upstream token refresh attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_token_refresh_total counter: %w", err)
	}

	// Bearer token metrics
	m.tokensIssuedTotal, err = meter.Int64Counter(
		"bearer_tokens_issued_total",
		metric.WithDescription("Total number of bearer tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bearer_tokens_issued_total counter: %w", err)
	}

	m.tokensRevokedTotal, err = meter.Int64Counter(
		"bearer_tokens_revoked_total",
		metric.WithDescription("Total number of bearer tokens revoked"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bearer_tokens_revoked_total counter: %w", err)
	}

	// Rate limiting
	m.rateLimitRejectionsTotal, err = meter.Int64Counter(
		"rate_limit_rejections_total",
		metric.WithDescription("Total number of requests rejected by a rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit_rejections_total counter: %w", err)
	}

	// SSE connections
	m.sseConnections, err = meter.Int64UpDownCounter(
		"sse_connections",
		metric.WithDescription("Number of live SSE connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sse_connections gauge: %w", err)
	}

	// Upstream IdP metrics
	m.upstreamRequestsTotal, err = meter.Int64Counter(
		"upstream_idp_requests_total",
		metric.WithDescription("Total number of requests to the upstream identity provider"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream_idp_requests_total counter: %w", err)
	}

	m.upstreamRequestDuration, err = meter.Float64Histogram(
		"upstream_idp_request_duration_seconds",
		metric.WithDescription("Upstream identity provider request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream_idp_request_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordOAuthFlow records one terminal OAuth flow outcome.
//
// Parameters:
//   - status: "success" or "error"
//   - flowType: one of FlowTypePKCE, FlowTypeLegacy, FlowTypeDirect
func (m *Metrics) RecordOAuthFlow(ctx context.Context, status, flowType string) {
	if m == nil || m.oauthFlowTotal == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrStatus, status),
		attribute.String(attrFlowType, flowType),
	}

	m.oauthFlowTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOAuthTokenRefresh records an upstream token refresh attempt with result.
// Result should be one of: "success", "failure", "expired"
func (m *Metrics) RecordOAuthTokenRefresh(ctx context.Context, result string) {
	if m == nil || m.oauthTokenRefreshTotal == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrResult, result),
	}

	m.oauthTokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTokenIssued records a bearer token issuance by grant type.
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType string) {
	if m == nil || m.tokensIssuedTotal == nil {
		return // Instrumentation not initialized
	}

	m.tokensIssuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrGrantType, grantType),
	))
}

// RecordTokensRevoked records n bearer token revocations.
func (m *Metrics) RecordTokensRevoked(ctx context.Context, n int) {
	if m == nil || m.tokensRevokedTotal == nil || n <= 0 {
		return // Instrumentation not initialized
	}

	m.tokensRevokedTotal.Add(ctx, int64(n))
}

// RecordRateLimitRejection records a request rejected by the named limiter scope.
func (m *Metrics) RecordRateLimitRejection(ctx context.Context, scope string) {
	if m == nil || m.rateLimitRejectionsTotal == nil {
		return // Instrumentation not initialized
	}

	m.rateLimitRejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrScope, scope),
	))
}

// RecordUpstreamRequest records one upstream IdP request.
//
// Parameters:
//   - operation: "exchange", "refresh", or "userinfo"
//   - status: "success" or "error"
//   - duration: Time taken for the request
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, operation, status string, duration time.Duration) {
	if m == nil || m.upstreamRequestsTotal == nil || m.upstreamRequestDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.upstreamRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.upstreamRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementActiveSessions increments the active sessions counter.
func (m *Metrics) IncrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return // Instrumentation not initialized
	}

	m.activeSessions.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions counter.
func (m *Metrics) DecrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return // Instrumentation not initialized
	}

	m.activeSessions.Add(ctx, -1)
}

// IncrementSSEConnections increments the live SSE connection gauge. When
// detailedLabels is enabled the user's email domain is attached.
func (m *Metrics) IncrementSSEConnections(ctx context.Context, userEmail string) {
	if m == nil || m.sseConnections == nil {
		return // Instrumentation not initialized
	}

	m.sseConnections.Add(ctx, 1, metric.WithAttributes(m.domainAttrs(userEmail)...))
}

// DecrementSSEConnections decrements the live SSE connection gauge.
func (m *Metrics) DecrementSSEConnections(ctx context.Context, userEmail string) {
	if m == nil || m.sseConnections == nil {
		return // Instrumentation not initialized
	}

	m.sseConnections.Add(ctx, -1, metric.WithAttributes(m.domainAttrs(userEmail)...))
}

// domainAttrs returns the email-domain attribute set, empty unless
// detailedLabels is enabled. Up/down pairs must use identical attributes or
// the gauge drifts.
func (m *Metrics) domainAttrs(userEmail string) []attribute.KeyValue {
	if !m.detailedLabels {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(attrDomain, ExtractUserDomain(userEmail)),
	}
}
