package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
)

var initForce bool

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	initPolicyCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing policy file")
}

var initPolicyCmd = &cobra.Command{
	Use:     "init-policy",
	Aliases: []string{"init"},
	Short:   "Generate the default policy.yaml with comments",
	Long: "Creates <state_dir>/policy.yaml with the default pattern rules and features,\n" +
		"and registers the configured credential as active.",
	Args: cobra.NoArgs,
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		return p.Init(cmd.Context(), initForce)
	}),
}
