// Package dispatch routes authenticated JSON-RPC traffic from the HTTP
// transports into the MCP server. It owns the minimal JSON-RPC envelope
// types the gateway needs to frame its own error responses and to peek at
// incoming messages without fully parsing them.
package dispatch
