package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
	"github.com/ppiankov/shieldclaw/internal/mcp"
)

var mcpAgentID string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpAgentID, "agent", "", "Agent identity recorded as the actor of activations")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server (stdio)",
	Long: "Runs shieldclaw as an MCP tool server over stdio. Agents can screen input,\n" +
		"read the kill switch state, run health checks, check drift and engage the\n" +
		"kill switch. Unlocking is never exposed to agents.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, closeFn, err := openPlane(cmd)
		if err != nil {
			exitCode = controlplane.ExitHard
			return err
		}
		defer closeFn()

		srv := mcp.New(mcp.Config{AgentID: mcpAgentID, Version: version}, p)
		if err := srv.Run(cmd.Context()); err != nil {
			exitCode = controlplane.ExitFailure
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	},
}
