package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var redriveCmd = &cobra.Command{
	Use:   "redrive <call_id>...",
	Short: "Re-queue failed or stalled calls",
	Long: `Returns each call to the start of the stage it failed in, clears its error
and queues that stage again.

Examples:
  callctl redrive 3f2b9c1e-5a7d-4c2e-9f61-0b8d2e4a7c13`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRedrive,
}

func runRedrive(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, id := range args {
		call, stage, err := application.Trigger.Redrive(cmd.Context(), id)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "%s: %s queued (status %s)\n", id, stage, call.Status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d call(s) not redriven", failed, len(args))
	}
	return nil
}
