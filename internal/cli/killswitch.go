package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
)

var (
	activateReason string
	activateActor  string
	unlockConfirm  bool
	unlockReason   string
	unlockActor    string
)

func init() {
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(unlockCmd)

	activateCmd.Flags().StringVar(&activateReason, "reason", "", "Why the deployment is being stopped (required)")
	activateCmd.Flags().StringVar(&activateActor, "actor", "operator", "Who is activating")
	activateCmd.MarkFlagRequired("reason")

	unlockCmd.Flags().BoolVar(&unlockConfirm, "confirm", false, "Confirm that the incident is resolved")
	unlockCmd.Flags().StringVar(&unlockReason, "reason", "", "Resolution note for the journal")
	unlockCmd.Flags().StringVar(&unlockActor, "actor", "operator", "Who is unlocking")
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Engage the kill switch",
	Long: "Creates the durable lock marker, journals the activation, stops the agent\n" +
		"runtime and disables its credential. Safe to repeat: a locked switch stays locked.",
	Args: cobra.NoArgs,
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		return p.Activate(cmd.Context(), activateReason, activateActor)
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the kill switch state",
	Long:  "Prints OPERATIONAL or LOCKED. Exits 1 when locked.",
	Args:  cobra.NoArgs,
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		return p.Status(cmd.Context())
	}),
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Release the kill switch (requires --confirm)",
	Long: "Restores the credential, removes the lock marker and journals the unlock.\n" +
		"Without --confirm nothing changes and the command exits 2.",
	Args: cobra.NoArgs,
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		return p.Unlock(cmd.Context(), unlockConfirm, unlockActor, unlockReason)
	}),
}
