package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"call-insights-go/internal/actionable"
	"call-insights-go/internal/aggregator"
	"call-insights-go/internal/dataset"
)

var reportXLSX string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize pipeline status, stage cost and failures",
	Long: `Aggregates every stored call by status, company and call type, rolls up
per-stage duration and cost, and suggests actions for failing stages.

Examples:
  callctl report
  callctl report --xlsx pipeline.xlsx`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportXLSX, "xlsx", "", "also export the report to this xlsx file")
}

func runReport(cmd *cobra.Command, args []string) error {
	calls, err := application.Store.ListCalls(cmd.Context(), 0)
	if err != nil {
		return fmt.Errorf("list calls: %w", err)
	}
	rep := aggregator.Aggregate(calls)
	cards := actionable.Generate(rep)

	fmt.Fprintf(out, "Calls: %d  audio: %.1f min  cost: $%.4f\n", rep.TotalCalls, rep.AudioSeconds/60, rep.TotalCostUSD)
	printCounts("status", rep.ByStatus)
	for _, name := range rep.StageNames() {
		s := rep.Stages[name]
		fmt.Fprintf(out, "  stage %-14s calls=%d failures=%d avg=%.1fs cost=$%.4f\n", name, s.Calls, s.Failures, s.AvgSeconds, s.TotalCostUSD)
	}
	for _, id := range rep.Stalled {
		fmt.Fprintf(out, "  stalled %s\n", id)
	}
	fmt.Fprintln(out, "\nActions:")
	for _, c := range cards {
		fmt.Fprintf(out, "  - %s: %s\n", c.Insight, c.Action)
	}

	if reportXLSX != "" {
		if err := dataset.WriteReport(reportXLSX, rep, cards); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nReport written to %s\n", reportXLSX)
	}
	return nil
}
