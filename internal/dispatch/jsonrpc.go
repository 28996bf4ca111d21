package dispatch

import "encoding/json"

// JSON-RPC 2.0 error codes used by the gateway's own responses.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeServerError    = -32000
	CodeUnauthorized   = -32001
)

// Envelope is the part of an incoming JSON-RPC message the gateway reads
// before handing the raw bytes to the MCP server: the id for error
// correlation and the method for logging.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
}

// ParseEnvelope extracts the envelope from a raw message. A parse failure
// returns a zero envelope; the id stays null in any error response.
func ParseEnvelope(raw json.RawMessage) Envelope {
	var env Envelope
	_ = json.Unmarshal(raw, &env)
	return env
}

// IsNotification reports whether the message carries no id and therefore
// expects no response.
func (e Envelope) IsNotification() bool {
	return len(e.ID) == 0 || string(e.ID) == "null"
}

// ErrorObject is a JSON-RPC 2.0 error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is a complete JSON-RPC 2.0 error response.
type ErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   ErrorObject     `json:"error"`
}

// NewErrorResponse frames a gateway-generated JSON-RPC error. A nil id is
// encoded as null per the JSON-RPC 2.0 error rules.
func NewErrorResponse(id json.RawMessage, code int, message string) json.RawMessage {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	out, err := json.Marshal(ErrorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   ErrorObject{Code: code, Message: message},
	})
	if err != nil {
		// Every field marshals; this cannot happen with valid inputs.
		return json.RawMessage(`{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"internal error"}}`)
	}
	return out
}
