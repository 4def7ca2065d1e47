package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shieldclaw/internal/controlplane"
)

// maxStdin bounds input read from stdin; the policy's max_input_length
// rejects anything longer anyway.
const maxStdin = 16 << 20

var (
	evalTool   string
	evalRemote string
)

func init() {
	evaluateCmd.Flags().StringVar(&evalTool, "tool", "", "Check a tool name against the policy tool lists before screening")
	evaluateCmd.Flags().StringVar(&evalRemote, "remote", "", "Check a remote address against the policy ip_allowlist before screening")
	rootCmd.AddCommand(evaluateCmd)
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [text|-]",
	Short: "Screen text for prompt injection",
	Long: "Evaluates the text (or stdin when the argument is -) against the pattern\n" +
		"rules. With --tool or --remote the request is first checked against the\n" +
		"policy tool lists and IP allow-list; a denial stops there.\n" +
		"Exits 0 when allowed, 1 when rejected, 3 when no valid policy is loaded.",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && evalTool == "" && evalRemote == "" {
			return fmt.Errorf("requires text, - for stdin, or --tool/--remote")
		}
		return nil
	},
	RunE: withPlane(func(cmd *cobra.Command, p *controlplane.Plane, args []string) controlplane.Result {
		if evalTool != "" || evalRemote != "" {
			res := p.CheckAccess(cmd.Context(), controlplane.AccessRequest{Tool: evalTool, Remote: evalRemote})
			if !res.OK || len(args) == 0 {
				return res
			}
		}

		text := strings.Join(args, " ")
		if len(args) == 1 && args[0] == "-" {
			data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxStdin))
			if err != nil {
				return controlplane.Result{Command: "evaluate", Error: fmt.Sprintf("read stdin: %v", err), Code: controlplane.ExitUsage}
			}
			text = string(data)
		}
		return p.EvaluateInput(cmd.Context(), text)
	}),
}
