package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the mcp-gateway application
var rootCmd = &cobra.Command{
	Use:   "mcp-gateway",
	Short: "OAuth 2.1 authentication gateway for MCP servers",
	Long: `mcp-gateway brokers authentication between MCP clients and Google
OAuth, issuing its own bearer tokens so downstream clients never see
Google credentials.

It serves the OAuth flow (with PKCE and dynamic client registration),
the SSE and Streamable HTTP MCP transports, and the supporting
discovery, health, and data-export endpoints.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-gateway version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newVersionCmd())
}
