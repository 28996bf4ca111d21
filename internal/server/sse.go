package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/mcp-gateway/internal/instrumentation"
	"github.com/driveline/mcp-gateway/internal/logging"
	"github.com/driveline/mcp-gateway/internal/oauth"
)

// SSE admission limits and heartbeat cadence.
const (
	DefaultMaxTotalConnections = 1000
	DefaultMaxPerUser          = 5

	// heartbeatIdle is how long a connection may sit quiet before the
	// sweep pings it.
	heartbeatIdle = 55 * time.Second

	// heartbeatInterval is how often the sweep runs.
	heartbeatInterval = 30 * time.Second
)

// ErrCapacity is returned when the global connection ceiling is hit.
// Per-user pressure never returns it: the oldest connection of that user
// is evicted instead.
var ErrCapacity = errors.New("sse connection capacity reached")

// SSEConn is one live event stream.
type SSEConn struct {
	id           string
	userEmail    string
	w            io.Writer
	flusher      http.Flusher
	createdAt    time.Time
	lastActivity time.Time

	// done is closed when the connection is removed so the serving
	// handler can unblock.
	done chan struct{}
}

// SSEManager owns every live SSE connection. One mutex covers admission,
// eviction, writes, and the heartbeat sweep; SSE writes are short and the
// lock keeps frame interleaving impossible.
type SSEManager struct {
	mu    sync.Mutex
	conns map[string]*SSEConn

	maxTotal   int
	maxPerUser int
	baseURL    string

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}

	metrics *instrumentation.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// SSEManagerConfig tunes the manager; zero values select the defaults.
type SSEManagerConfig struct {
	MaxTotal   int
	MaxPerUser int
	BaseURL    string
}

// NewSSEManager creates an empty manager. Call StartHeartbeat to begin
// the idle sweep.
func NewSSEManager(cfg SSEManagerConfig, metrics *instrumentation.Metrics, logger *slog.Logger) *SSEManager {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = DefaultMaxTotalConnections
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEManager{
		conns:      make(map[string]*SSEConn),
		maxTotal:   cfg.MaxTotal,
		maxPerUser: cfg.MaxPerUser,
		baseURL:    cfg.BaseURL,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Connect admits a new stream for userEmail and immediately sends the
// endpoint event naming the connection's message URI. At the global limit
// it fails with ErrCapacity; at the per-user limit the user's oldest
// connection is evicted first.
func (m *SSEManager) Connect(ctx context.Context, userEmail string, w io.Writer, flusher http.Flusher) (*SSEConn, error) {
	m.mu.Lock()

	if len(m.conns) >= m.maxTotal {
		m.mu.Unlock()
		return nil, ErrCapacity
	}

	if oldest := m.oldestForUserLocked(userEmail); oldest != nil && m.countForUserLocked(userEmail) >= m.maxPerUser {
		m.removeLocked(oldest, "evicted: per-user connection limit")
	}

	now := m.now()
	conn := &SSEConn{
		id:           m.newID(),
		userEmail:    userEmail,
		w:            w,
		flusher:      flusher,
		createdAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
	m.conns[conn.id] = conn

	endpoint := map[string]string{"uri": fmt.Sprintf("%s/mcp/%s", m.baseURL, conn.id)}
	if err := m.writeEventLocked(conn, "endpoint", mustJSON(endpoint)); err != nil {
		delete(m.conns, conn.id)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to send endpoint event: %w", err)
	}
	m.mu.Unlock()

	m.metrics.IncrementSSEConnections(ctx, userEmail)
	m.logger.Info("sse connection opened",
		logging.Operation("sse.connect"),
		slog.String("connection_id", conn.id),
	)
	return conn, nil
}

// Owner returns the owning user of a connection.
func (m *SSEManager) Owner(connectionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return "", false
	}
	return conn.userEmail, true
}

// SendMessage pushes a message event to the named connection. A write
// failure removes the connection; the caller falls back to the HTTP
// response.
func (m *SSEManager) SendMessage(connectionID string, payload json.RawMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connectionID]
	if !ok {
		return false
	}
	if err := m.writeEventLocked(conn, "message", payload); err != nil {
		m.removeLocked(conn, "write failed")
		return false
	}
	conn.lastActivity = m.now()
	return true
}

// CloseForUser removes every connection owned by userEmail.
func (m *SSEManager) CloseForUser(userEmail string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed := 0
	for _, conn := range m.conns {
		if conn.userEmail == userEmail {
			m.removeLocked(conn, "transport teardown")
			closed++
		}
	}
	return closed
}

// Remove closes and forgets a connection.
func (m *SSEManager) Remove(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[connectionID]; ok {
		m.removeLocked(conn, "closed")
	}
}

// Done exposes the connection's removal signal.
func (c *SSEConn) Done() <-chan struct{} {
	return c.done
}

// ID returns the connection id.
func (c *SSEConn) ID() string {
	return c.id
}

// StartHeartbeat begins the periodic idle sweep. Connections quiet for
// longer than the idle threshold get a ping; a failed ping removes them.
func (m *SSEManager) StartHeartbeat() {
	m.mu.Lock()
	if m.heartbeatStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.heartbeatStop = stop
	m.heartbeatDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat stops the sweep and waits for it to exit.
func (m *SSEManager) StopHeartbeat() {
	m.mu.Lock()
	stop, done := m.heartbeatStop, m.heartbeatDone
	m.heartbeatStop, m.heartbeatDone = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// sweep pings idle connections, removing any whose transport is gone.
func (m *SSEManager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-heartbeatIdle)
	for _, conn := range m.conns {
		if conn.lastActivity.After(cutoff) {
			continue
		}
		if err := m.writeCommentLocked(conn, "ping"); err != nil {
			m.removeLocked(conn, "heartbeat failed")
			continue
		}
		conn.lastActivity = m.now()
	}
}

// Shutdown stops the heartbeat and closes every connection.
func (m *SSEManager) Shutdown() {
	m.StopHeartbeat()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		m.removeLocked(conn, "server shutdown")
	}
}

// SSEStats is the operator view of the connection table.
type SSEStats struct {
	TotalConnections  int            `json:"total_connections"`
	MaxTotal          int            `json:"max_total"`
	MaxPerUser        int            `json:"max_per_user"`
	ConnectionsByUser map[string]int `json:"connections_by_user"`
}

// Stats snapshots the connection table. User emails appear as domains
// only.
func (m *SSEManager) Stats() SSEStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byUser := make(map[string]int)
	for _, conn := range m.conns {
		byUser[instrumentation.ExtractUserDomain(conn.userEmail)]++
	}
	return SSEStats{
		TotalConnections: len(m.conns),
		MaxTotal:         m.maxTotal,
		MaxPerUser:       m.maxPerUser,
		ConnectionsByUser: byUser,
	}
}

func (m *SSEManager) countForUserLocked(userEmail string) int {
	n := 0
	for _, conn := range m.conns {
		if conn.userEmail == userEmail {
			n++
		}
	}
	return n
}

func (m *SSEManager) oldestForUserLocked(userEmail string) *SSEConn {
	var oldest *SSEConn
	for _, conn := range m.conns {
		if conn.userEmail != userEmail {
			continue
		}
		if oldest == nil || conn.createdAt.Before(oldest.createdAt) {
			oldest = conn
		}
	}
	return oldest
}

func (m *SSEManager) removeLocked(conn *SSEConn, reason string) {
	delete(m.conns, conn.id)
	close(conn.done)
	m.metrics.DecrementSSEConnections(context.Background(), conn.userEmail)
	m.logger.Info("sse connection removed",
		logging.Operation("sse.remove"),
		slog.String("connection_id", conn.id),
		slog.String("reason", reason),
	)
}

func (m *SSEManager) writeEventLocked(conn *SSEConn, event string, data []byte) error {
	if _, err := fmt.Fprintf(conn.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if conn.flusher != nil {
		conn.flusher.Flush()
	}
	return nil
}

func (m *SSEManager) writeCommentLocked(conn *SSEConn, comment string) error {
	if _, err := fmt.Fprintf(conn.w, ": %s\n\n", comment); err != nil {
		return err
	}
	if conn.flusher != nil {
		conn.flusher.Flush()
	}
	return nil
}

func mustJSON(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}

// handleSSE opens an event stream for the authenticated caller and blocks
// until the client disconnects or the manager removes the connection.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeOAuthError(w, oauth.ErrServerError("streaming not supported"))
		return
	}

	// Headers are only transmitted when the endpoint event is written, so
	// a capacity rejection can still produce a real status code.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	conn, err := h.sse.Connect(r.Context(), info.Session.UserEmail, w, flusher)
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			h.logger.Warn("sse admission rejected", logging.Operation("sse.connect"), logging.Err(err))
			h.writeOAuthError(w, oauth.NewOAuthError("temporarily_unavailable", "connection capacity reached", http.StatusTooManyRequests))
			return
		}
		h.writeServerError(w, "sse.connect", err)
		return
	}

	select {
	case <-r.Context().Done():
		h.sse.Remove(conn.ID())
	case <-conn.Done():
	}
}

// handleSSEMessage accepts a JSON-RPC message addressed to an existing
// SSE connection. The response goes out on the event stream when it is
// still alive, otherwise in the HTTP response body.
func (h *Handler) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	info, _ := AuthFrom(r.Context())
	connectionID := r.PathValue("connectionId")

	owner, ok := h.sse.Owner(connectionID)
	if !ok {
		h.writeOAuthError(w, oauth.NewOAuthError("invalid_request", "unknown connection", http.StatusNotFound))
		return
	}
	if owner != info.Session.UserEmail {
		h.writeOAuthError(w, oauth.ErrAccessDenied("connection belongs to another user"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRPCRequestBody))
	if err != nil {
		h.writeOAuthError(w, oauth.ErrInvalidRequest("failed to read request body"))
		return
	}

	response := h.dispatcher.Dispatch(r.Context(), info.Session, body)
	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if h.sse.SendMessage(connectionID, response) {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Stream is gone; answer on this request instead.
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(response)
}

// handleSSEStats reports the connection table.
func (h *Handler) handleSSEStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sse.Stats())
}
