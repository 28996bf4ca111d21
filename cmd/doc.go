// Package cmd implements the command-line interface for mcp-gateway.
//
// This package provides the following commands:
//   - serve: Start the OAuth gateway and MCP transports
//   - cleanup: Remove expired sessions and tokens from the storage backend
//   - version: Display version information
//
// The serve command is the default command when no subcommand is specified.
package cmd
