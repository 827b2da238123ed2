package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	stackresize "github.com/superfly/stackresize"
)

var probeJSON bool

var probeCmd = &cobra.Command{
	Use:   "probe <device>",
	Short: "Inspect a storage stack without changing it",
	Long: `Walk the stack behind the named volume (vg/lv or /dev path) from the
logical volume up through any dm-crypt mapping to the filesystem, and
print each layer's identity, size and capabilities.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prober, _, _, _, _, err := newProber()
		if err != nil {
			return err
		}
		stack, err := prober.Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if probeJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stack)
		}
		printStack(stack)
		for _, layer := range stack.Layers {
			fmt.Printf("  %-13s grow=%t shrink=%t", layer.Kind, layer.SupportsGrow, layer.SupportsShrink)
			if layer.MinSizeBytes > 0 {
				fmt.Printf(" min=%s", stackresize.FormatBytes(layer.MinSizeBytes))
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(probeCmd)
}
