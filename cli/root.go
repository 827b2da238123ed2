package cli

import (
	"github.com/spf13/cobra"
)

// rootCmd is the root command for stackresize.
var rootCmd = &cobra.Command{
	Use:     "stackresize",
	Version: "dev",
	Short:   "Resize layered storage stacks",
	Long: `stackresize grows and shrinks a storage stack as a unit: an LVM logical
volume, an optional dm-crypt mapping on top of it, and an optional
filesystem on top of that.

Grows are applied bottom-up, shrinks top-down, each layer checked before
and after its own resize. Nothing is applied until the whole request is
validated against every layer's capabilities.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
}

// SetVersion overrides the build version shown by --version.
func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

// Execute runs the CLI. The returned error, if any, carries the pipeline
// error taxonomy for exit-code mapping in main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&config.DBPath, "db", config.DBPath, "Run history database path")
	rootCmd.PersistentFlags().StringVar(&config.JournalPath, "journal", config.JournalPath, "Execution journal path")
}
