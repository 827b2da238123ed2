package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	stackresize "github.com/superfly/stackresize"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <device>",
	Short: "Release a stale advisory lock",
	Long: `Remove the advisory lock held for the named volume's stack. Locks are
released automatically on every normal exit; a lock only outlives its run
when the process holding it crashed or was killed.

Only unlock after confirming no resize is still running against the
stack. Releasing a live run's lock lets a second run mutate the same
devices concurrently.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		lockKey := stackresize.DeriveLockKey(args[0])
		locked, err := db.IsVolumeLocked(cmd.Context(), lockKey)
		if err != nil {
			return err
		}
		if !locked {
			fmt.Printf("No lock held for %s.\n", args[0])
			return nil
		}
		if err := db.ReleaseVolumeLock(cmd.Context(), lockKey); err != nil {
			return err
		}
		fmt.Printf("Released lock for %s.\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unlockCmd)
}
