package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
)

var (
	baselineActor string
	rebaseReason  string
)

func init() {
	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(driftCmd)
	baselineCmd.AddCommand(baselineCaptureCmd)
	baselineCmd.AddCommand(baselineRebaselineCmd)

	baselineCmd.PersistentFlags().StringVar(&baselineActor, "actor", "operator", "Who is recording the baseline")
	baselineRebaselineCmd.Flags().StringVar(&rebaseReason, "reason", "", "Why the baseline is being replaced (required)")
	baselineRebaselineCmd.MarkFlagRequired("reason")
}

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Integrity baseline operations",
}

var baselineCaptureCmd = &cobra.Command{
	Use:   "capture [paths...]",
	Short: "Record the first baseline of the watched artifacts",
	Long: "Hashes each artifact (default: watched_artifacts from the config) and stores\n" +
		"the digests. Refuses when a baseline already exists; use rebaseline instead.",
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		return p.CaptureBaseline(cmd.Context(), args, baselineActor)
	}),
}

var baselineRebaselineCmd = &cobra.Command{
	Use:   "rebaseline [paths...]",
	Short: "Replace the baseline after an intended change",
	Long: "Re-hashes the artifacts (default: those in the current baseline), keeps the\n" +
		"old digests in history and journals baseline_captured with the reason.",
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		return p.Rebaseline(cmd.Context(), args, baselineActor, rebaseReason)
	}),
}

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Compare watched artifacts against the baseline",
	Long:  "Journals drift_detected for every changed or missing artifact. Exits 1 on drift.",
	Args:  cobra.NoArgs,
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		return p.CheckDrift(cmd.Context())
	}),
}
