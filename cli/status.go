package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	stackresize "github.com/superfly/stackresize"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a run's step-by-step journal",
	Long: `Read the execution journal for one run and print every recorded step
transition in order. With no run ID, the most recent run is shown.

The journal is written transition by transition during execution, so a
run that was killed mid-step still shows exactly how far it got.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jnl, err := openJournal()
		if err != nil {
			return err
		}
		defer jnl.Close()

		var runID string
		if len(args) == 1 {
			runID = args[0]
		} else {
			ids, err := jnl.ListRuns()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No runs journaled.")
				return nil
			}
			runID = ids[len(ids)-1]
		}

		p, events, result, err := jnl.ReadRun(runID)
		if err != nil {
			return err
		}

		fmt.Printf("Run %s\n", runID)
		if p != nil {
			printPlan(p)
		}
		fmt.Println("Journal:")
		for _, ev := range events {
			line := fmt.Sprintf("  %s step %d %s", ev.At.Format("15:04:05.000"), ev.StepIndex+1, ev.State)
			if ev.Detail != "" {
				line += ": " + ev.Detail
			}
			fmt.Println(line)
		}
		if result == nil {
			fmt.Println("No final result recorded: the run is in flight or was interrupted.")
			return nil
		}
		if result.Succeeded() {
			fmt.Printf("Finished: %s is %s.\n", result.Device, stackresize.FormatBytes(result.FinalSizeBytes))
		} else {
			fmt.Printf("Finished: halted after %d applied step(s).\n", result.AppliedSteps())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
