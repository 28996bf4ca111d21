package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, fmt.Errorf("connection reset")
}

func newTestSSEManager(cfg SSEManagerConfig) *SSEManager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBaseURL
	}
	return NewSSEManager(cfg, nil, logger)
}

func TestSSEManagerConnectSendsEndpointEvent(t *testing.T) {
	m := newTestSSEManager(SSEManagerConfig{})
	var buf bytes.Buffer

	conn, err := m.Connect(context.Background(), testEmail, &buf, nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "event: endpoint")
	assert.Contains(t, out, fmt.Sprintf("%s/mcp/%s", testBaseURL, conn.ID()))
}

func TestSSEManagerGlobalCapacity(t *testing.T) {
	m := newTestSSEManager(SSEManagerConfig{MaxTotal: 1})

	var first bytes.Buffer
	_, err := m.Connect(context.Background(), testEmail, &first, nil)
	require.NoError(t, err)

	var second bytes.Buffer
	_, err = m.Connect(context.Background(), "other@example.com", &second, nil)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestSSEManagerPerUserEvictsOldest(t *testing.T) {
	m := newTestSSEManager(SSEManagerConfig{MaxPerUser: 2})
	now := time.Now()
	m.now = func() time.Time { return now }

	var b1, b2, b3 bytes.Buffer
	first, err := m.Connect(context.Background(), testEmail, &b1, nil)
	require.NoError(t, err)
	now = now.Add(time.Second)
	second, err := m.Connect(context.Background(), testEmail, &b2, nil)
	require.NoError(t, err)
	now = now.Add(time.Second)
	third, err := m.Connect(context.Background(), testEmail, &b3, nil)
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("oldest connection should have been evicted")
	}
	assert.Equal(t, 2, m.Stats().TotalConnections)

	// The survivors are untouched.
	assert.True(t, m.SendMessage(second.ID(), []byte(`{}`)))
	assert.True(t, m.SendMessage(third.ID(), []byte(`{}`)))
}

func TestSSEManagerEvictionDoesNotAffectOtherUsers(t *testing.T) {
	m := newTestSSEManager(SSEManagerConfig{MaxPerUser: 1})

	var b1, b2 bytes.Buffer
	other, err := m.Connect(context.Background(), "other@example.com", &b1, nil)
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), testEmail, &b2, nil)
	require.NoError(t, err)

	select {
	case <-other.Done():
		t.Fatal("another user's connection must not be evicted")
	default:
	}
}

func TestSSEManagerSendMessageWriteFailureRemoves(t *testing.T) {
	m := newTestSSEManager(SSEManagerConfig{})
	var buf bytes.Buffer
	conn, err := m.Connect(context.Background(), testEmail, &buf, nil)
	require.NoError(t, err)

	// Swap in a broken transport after admission.
	m.mu.Lock()
	m.conns[conn.ID()].w = failingWriter{}
	m.mu.Unlock()

	assert.False(t, m.SendMessage(conn.ID(), []byte(`{}`)))
	assert.Equal(t, 0, m.Stats().TotalConnections)
	select {
	case <-conn.Done():
	default:
		t.Fatal("removed connection must be signalled")
	}
}

func TestSSEManagerHeartbeatPingsIdleConnections(t *testing.T) {
	m := newTestSSEManager(SSEManagerConfig{})
	now := time.Now()
	m.now = func() time.Time { return now }

	var buf bytes.Buffer
	conn, err := m.Connect(context.Background(), testEmail, &buf, nil)
	require.NoError(t, err)
	buf.Reset()

	// Fresh connections are left alone.
	m.sweep()
	assert.Empty(t, buf.String())

	now = now.Add(heartbeatIdle + time.Second)
	m.sweep()
	assert.Contains(t, buf.String(), ": ping")
	assert.Equal(t, 1, m.Stats().TotalConnections)

	// A dead transport is removed by the next sweep.
	m.mu.Lock()
	m.conns[conn.ID()].w = failingWriter{}
	m.mu.Unlock()
	now = now.Add(heartbeatIdle + time.Second)
	m.sweep()
	assert.Equal(t, 0, m.Stats().TotalConnections)
}

func TestSSEManagerCloseForUser(t *testing.T) {
	m := newTestSSEManager(SSEManagerConfig{})

	var b1, b2, b3 bytes.Buffer
	_, err := m.Connect(context.Background(), testEmail, &b1, nil)
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), testEmail, &b2, nil)
	require.NoError(t, err)
	other, err := m.Connect(context.Background(), "other@example.com", &b3, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, m.CloseForUser(testEmail))
	assert.Equal(t, 1, m.Stats().TotalConnections)
	_, stillThere := m.Owner(other.ID())
	assert.True(t, stillThere)
}

func TestSSEManagerShutdownClosesEverything(t *testing.T) {
	m := newTestSSEManager(SSEManagerConfig{})
	m.StartHeartbeat()

	var buf bytes.Buffer
	conn, err := m.Connect(context.Background(), testEmail, &buf, nil)
	require.NoError(t, err)

	m.Shutdown()
	assert.Equal(t, 0, m.Stats().TotalConnections)
	select {
	case <-conn.Done():
	default:
		t.Fatal("shutdown must signal all connections")
	}
}

func TestSSEManagerStatsAggregatesByDomain(t *testing.T) {
	m := newTestSSEManager(SSEManagerConfig{})

	var b1, b2, b3 bytes.Buffer
	_, _ = m.Connect(context.Background(), "a@example.com", &b1, nil)
	_, _ = m.Connect(context.Background(), "b@example.com", &b2, nil)
	_, _ = m.Connect(context.Background(), "c@other.org", &b3, nil)

	stats := m.Stats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, DefaultMaxTotalConnections, stats.MaxTotal)
	assert.Equal(t, DefaultMaxPerUser, stats.MaxPerUser)
	assert.Equal(t, 2, stats.ConnectionsByUser["example.com"])
	assert.Equal(t, 1, stats.ConnectionsByUser["other.org"])
}

func TestSSEEndpointStreamsUntilDisconnect(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/sse", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		env.routes.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return env.sse.Stats().TotalConnections == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.Contains(t, rec.Body.String(), "event: endpoint")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, 0, env.sse.Stats().TotalConnections)
}

func TestSSEMessageOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	var buf bytes.Buffer
	conn, err := env.sse.Connect(context.Background(), "someone-else@example.com", &buf, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp/"+conn.ID(),
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSSEMessageUnknownConnection(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	req := httptest.NewRequest(http.MethodPost, "/mcp/no-such-connection",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := env.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSEMessageDeliveredOverStream(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	var buf bytes.Buffer
	conn, err := env.sse.Connect(context.Background(), testEmail, &buf, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp/"+conn.ID(),
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := env.do(req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, buf.String(), "event: message")
	assert.Contains(t, buf.String(), `"echo":"ping"`)
}

func TestSSEMessageFallsBackToHTTPWhenStreamGone(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	var buf bytes.Buffer
	conn, err := env.sse.Connect(context.Background(), testEmail, &buf, nil)
	require.NoError(t, err)

	env.sse.mu.Lock()
	env.sse.conns[conn.ID()].w = failingWriter{}
	env.sse.mu.Unlock()

	req := httptest.NewRequest(http.MethodPost, "/mcp/"+conn.ID(),
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"echo":"ping"`)
}

func TestSSEStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	session := env.authenticatedSession(t)
	bearer := env.bearerToken(t, session.ID)

	var buf bytes.Buffer
	_, err := env.sse.Connect(context.Background(), testEmail, &buf, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/sse/stats", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats SSEStats
	decodeJSON(t, rec, &stats)
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.ConnectionsByUser["example.com"])
}
