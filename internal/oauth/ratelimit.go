package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driveline/mcp-gateway/internal/logging"
	"github.com/driveline/mcp-gateway/internal/storage"
)

// Named limiter scopes.
const (
	LimiterAuth       = "auth"
	LimiterToken      = "token"
	LimiterAPI        = "api"
	LimiterSSE        = "sse"
	LimiterGeneral    = "general"
	LimiterGDPRDelete = "gdpr_delete"
	LimiterGDPRExport = "gdpr_export"
)

// LimiterConfig describes one named windowed limiter.
type LimiterConfig struct {
	// Window is the counting window.
	Window time.Duration

	// Max is the number of hits allowed per window.
	Max int64

	// FailOpen controls behavior when the store is unreachable: allow
	// the request (general traffic) or propagate the error so the
	// handler fails closed (auth and token issuance).
	FailOpen bool

	// ResetWindow re-arms the window's expiry on every hit instead of
	// only the first.
	ResetWindow bool
}

// DefaultLimiters returns the deployment defaults for all named limiters.
func DefaultLimiters() map[string]LimiterConfig {
	return map[string]LimiterConfig{
		LimiterAuth:       {Window: 15 * time.Minute, Max: 10},
		LimiterToken:      {Window: 15 * time.Minute, Max: 5},
		LimiterAPI:        {Window: 15 * time.Minute, Max: 100},
		LimiterSSE:        {Window: 15 * time.Minute, Max: 10},
		LimiterGeneral:    {Window: 15 * time.Minute, Max: 300, FailOpen: true},
		LimiterGDPRDelete: {Window: 15 * time.Minute, Max: 5},
		LimiterGDPRExport: {Window: time.Hour, Max: 10},
	}
}

// LimitResult is the outcome of one rate-limit check.
type LimitResult struct {
	Allowed    bool
	Hits       int64
	Remaining  int64
	RetryAfter time.Duration
}

// RateLimiter evaluates named windowed limiters against the shared store.
// The increment and the expiry arm are one server-side atomic operation, so
// a crash between them can never strand a counter without TTL.
type RateLimiter struct {
	store    storage.Store
	limiters map[string]LimiterConfig
	audit    *AuditLogger
	logger   *slog.Logger
}

// NewRateLimiter creates a limiter set. A nil limiters map selects
// DefaultLimiters.
func NewRateLimiter(store storage.Store, limiters map[string]LimiterConfig, audit *AuditLogger, logger *slog.Logger) *RateLimiter {
	if limiters == nil {
		limiters = DefaultLimiters()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:    store,
		limiters: limiters,
		audit:    audit,
		logger:   logger,
	}
}

// Allow records one hit for key under the named scope and reports whether
// the request may proceed. Unknown scopes fall back to the general limiter.
// Store failures follow the scope's FailOpen policy.
func (r *RateLimiter) Allow(ctx context.Context, scope, key string) (*LimitResult, error) {
	cfg, ok := r.limiters[scope]
	if !ok {
		scope = LimiterGeneral
		cfg = r.limiters[LimiterGeneral]
	}

	counterKey := fmt.Sprintf("%s%s:%s", RateLimitKeyPrefix, scope, key)
	hits, remaining, err := r.store.IncrWindow(ctx, counterKey, cfg.Window, cfg.ResetWindow)
	if err != nil {
		if cfg.FailOpen {
			r.logger.Warn("rate limit store unavailable, failing open",
				logging.Operation("ratelimit.allow"),
				slog.String("scope", scope),
				logging.Err(err),
			)
			return &LimitResult{Allowed: true}, nil
		}
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	result := &LimitResult{
		Hits:       hits,
		Allowed:    hits <= cfg.Max,
		RetryAfter: remaining,
	}
	if hits < cfg.Max {
		result.Remaining = cfg.Max - hits
	}

	if !result.Allowed {
		r.audit.LogRateLimitExceeded(scope, key, "")
	}
	return result, nil
}

// Forgive un-counts one hit for key under the named scope. Scopes that
// exclude successful requests call this after the handler completes, so
// only failed attempts accumulate against the limit.
func (r *RateLimiter) Forgive(ctx context.Context, scope, key string) error {
	if _, ok := r.limiters[scope]; !ok {
		scope = LimiterGeneral
	}
	counterKey := fmt.Sprintf("%s%s:%s", RateLimitKeyPrefix, scope, key)
	if _, err := r.store.DecrWindow(ctx, counterKey); err != nil {
		return fmt.Errorf("rate limit forgive failed: %w", err)
	}
	return nil
}

// Clear deletes every counter in the named scope. Cursor-scanned and
// batched; used by tests and operator tooling.
func (r *RateLimiter) Clear(ctx context.Context, scope string) (int, error) {
	removed := 0
	pattern := fmt.Sprintf("%s%s:*", RateLimitKeyPrefix, scope)
	err := r.store.Scan(ctx, pattern, func(key string) error {
		if ok, _ := r.store.Delete(ctx, key); ok {
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("rate limit clear failed: %w", err)
	}
	return removed, nil
}
