package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"call-insights-go/internal/dataset"
	"call-insights-go/internal/types"
)

var (
	backfillWait    time.Duration
	backfillLimit   int
	backfillDryRun  bool
	backfillRetries time.Duration
)

var backfillCmd = &cobra.Command{
	Use:   "backfill <xlsx>",
	Short: "Import call recordings listed in a spreadsheet",
	Long: `Reads a spreadsheet of calls (call id, recording URL, company, call type),
downloads each recording and submits it for transcription.

With --wait the stage workers run in this process until every submitted
call is indexed or failed, which is how the memory backends are used.

Examples:
  callctl backfill calls.xlsx --dry-run
  callctl backfill calls.xlsx --limit 20 --wait 10m`,
	Args: cobra.ExactArgs(1),
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().DurationVar(&backfillWait, "wait", 0, "run workers and wait up to this long for processing")
	backfillCmd.Flags().IntVarP(&backfillLimit, "limit", "n", 0, "import at most n rows (0 = all)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "only summarize the spreadsheet")
	backfillCmd.Flags().DurationVar(&backfillRetries, "download-timeout", 30*time.Second, "retry budget per recording download")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	records, summary, err := dataset.LoadAndSummarize(args[0], application.Log)
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}
	fmt.Fprintf(out, "Loaded %d calls\n", summary.TotalCalls)
	printCounts("call type", summary.ByCallType)
	printCounts("company", summary.ByCompany)
	if backfillDryRun {
		return nil
	}
	if backfillLimit > 0 && len(records) > backfillLimit {
		records = records[:backfillLimit]
	}

	var stopWorkers func()
	if backfillWait > 0 {
		stopWorkers = startWorkers(ctx)
		defer stopWorkers()
	}

	res, err := dataset.Backfill(ctx, records, application.Intake, dataset.BackfillOptions{
		MaxElapsed: backfillRetries,
		Log:        application.Log,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Submitted %d, skipped %d existing, failed %d\n", len(res.Submitted), len(res.Skipped), len(res.Failed))
	for _, id := range sortedKeys(res.Failed) {
		fmt.Fprintf(out, "  %s: %s\n", id, res.Failed[id])
	}

	if backfillWait > 0 && len(res.Submitted) > 0 {
		counts, err := waitForCalls(ctx, res.Submitted, backfillWait)
		fmt.Fprintln(out, "Processing results:")
		printCounts("status", counts)
		return err
	}
	return nil
}

// startWorkers runs the stage dispatchers until the returned stop is called.
func startWorkers(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		// dispatcher errors are logged by RunWorkers; waitForCalls reports
		// the calls left unfinished
		_ = application.RunWorkers(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitForCalls(ctx context.Context, ids []string, timeout time.Duration) (map[string]int, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		counts := map[string]int{}
		pending := 0
		for _, id := range ids {
			call, err := application.Store.GetCall(ctx, id)
			if err != nil {
				return counts, err
			}
			counts[string(call.Status)]++
			if call.Status != types.StatusFailed && call.Status.Rank() < types.StatusIndexed.Rank() {
				pending++
			}
		}
		if pending == 0 {
			return counts, nil
		}
		if time.Now().After(deadline) {
			return counts, fmt.Errorf("%d call(s) still processing after %s", pending, timeout)
		}
		select {
		case <-ctx.Done():
			return counts, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printCounts(label string, m map[string]int) {
	for _, k := range sortedKeys(m) {
		fmt.Fprintf(out, "  %s %-20s %d\n", label, k, m[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
