package cli

import (
	"github.com/spf13/cobra"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
)

var tailLines int

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalVerifyCmd)
	journalCmd.AddCommand(journalTailCmd)
	journalTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent incidents to show (0 for all)")
}

var journalCmd = &cobra.Command{
	Use:     "journal",
	Aliases: []string{"audit"},
	Short:   "Incident journal operations",
	Long:    "Commands for verifying and inspecting the hash-chained incident journal.",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity of the incident journal",
	Long:  "Walks the JSONL journal and validates that every record's prev_hash\nmatches the SHA-256 of the previous record. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.NoArgs,
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		return p.VerifyJournal(cmd.Context())
	}),
}

var journalTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent incidents",
	Args:  cobra.NoArgs,
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		return p.TailJournal(cmd.Context(), tailLines)
	}),
}
