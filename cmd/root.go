package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "Authenticated MCP gateway with dynamic tool discovery",
	Long: `mcpgate sits between AI agent clients and a fleet of downstream MCP tool
servers. Clients connect to a single authenticated endpoint; the gateway
validates bearer tokens offline against the identity provider's JWKS,
exchanges them (RFC 8693) for audience-narrowed downstream credentials,
discovers downstream tools on demand, and proxies tool calls with
per-session activation.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
