package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/driveline/mcp-gateway/internal/logging"
	"github.com/driveline/mcp-gateway/internal/oauth"
)

// Dispatcher handles one authenticated JSON-RPC message and returns the
// response to write back, or nil for notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, session *oauth.Session, message json.RawMessage) json.RawMessage
}

type sessionContextKey struct{}

// WithSession attaches the authenticated session to a request context so
// tool handlers can reach the caller's identity and Google tokens.
func WithSession(ctx context.Context, session *oauth.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFrom returns the session attached by WithSession, or nil.
func SessionFrom(ctx context.Context) *oauth.Session {
	session, _ := ctx.Value(sessionContextKey{}).(*oauth.Session)
	return session
}

// MCPDispatcher adapts the MCP protocol server to the Dispatcher contract.
type MCPDispatcher struct {
	server *mcpserver.MCPServer
	logger *slog.Logger
}

// NewMCPDispatcher wraps an MCP server.
func NewMCPDispatcher(server *mcpserver.MCPServer, logger *slog.Logger) *MCPDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPDispatcher{server: server, logger: logger}
}

// Dispatch forwards the message to the MCP server with the session on the
// context. Protocol-level errors come back as JSON-RPC error responses,
// never as transport failures.
func (d *MCPDispatcher) Dispatch(ctx context.Context, session *oauth.Session, message json.RawMessage) json.RawMessage {
	env := ParseEnvelope(message)
	if session != nil {
		ctx = WithSession(ctx, session)
	}

	response := d.server.HandleMessage(ctx, message)
	if response == nil {
		// Notification: nothing to send back.
		return nil
	}

	out, err := json.Marshal(response)
	if err != nil {
		d.logger.Error("failed to serialize rpc response",
			logging.Operation("dispatch"),
			slog.String("method", env.Method),
			logging.Err(err),
		)
		return NewErrorResponse(env.ID, CodeServerError, "internal error")
	}
	return out
}
