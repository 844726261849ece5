// ABOUTME: version subcommand
// ABOUTME: Prints the build version and the newest MCP protocol revision spoken

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harper/mcp-relay/internal/session"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "mcp-relay %s (MCP protocol %s)\n", version, session.LatestProtocolVersion)
			return err
		},
	}
}
