package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
	"github.com/ppiankov/shieldclaw/internal/health"
)

var healthFull bool

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthFull, "full", false, "Run every check (default runs the config checks only)")
}

var healthCmd = &cobra.Command{
	Use:     "health",
	Aliases: []string{"doctor"},
	Short:   "Score the deployment's security posture",
	Long: "Runs the health checks and prints a 0-100 score with its tier.\n" +
		"A critical tier journals health_critical and engages the kill switch.",
	Args: cobra.NoArgs,
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		mode := health.ModeQuick
		if healthFull {
			mode = health.ModeFull
		}
		return p.RunHealth(cmd.Context(), mode)
	}),
}
