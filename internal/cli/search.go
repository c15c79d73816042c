package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"call-insights-go/internal/types"
)

var (
	searchCompany  string
	searchCallType string
	searchSince    string
	searchLimit    int
	searchMinScore float64
	searchHybrid   bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search call transcripts without LLM synthesis",
	Long: `Ranks transcript chunks by similarity to the query.

Use 'ask' for an answer synthesized from the matching calls.

Examples:
  callctl search "refund for a duplicate charge"
  callctl search "pricing" --company Acme --since 2025-01-01
  callctl search "warehouse delay" --hybrid --min-score 0.5`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	addFilterFlags(searchCmd, &searchCompany, &searchCallType, &searchSince)
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "max results")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0.7, "minimum similarity score")
	searchCmd.Flags().BoolVar(&searchHybrid, "hybrid", false, "blend keyword matching into the score")
}

func addFilterFlags(cmd *cobra.Command, company, callType, since *string) {
	cmd.Flags().StringVar(company, "company", "", "only calls from this company")
	cmd.Flags().StringVar(callType, "call-type", "", "only calls of this type")
	cmd.Flags().StringVar(since, "since", "", "only calls uploaded on or after this date (YYYY-MM-DD)")
}

func buildFilters(company, callType, since string) (types.SearchFilters, error) {
	f := types.SearchFilters{CompanyName: company, CallType: callType}
	if since != "" {
		t, err := time.Parse(time.DateOnly, since)
		if err != nil {
			return f, fmt.Errorf("--since: %w", err)
		}
		f.DateFrom = &t
	}
	return f, nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	filters, err := buildFilters(searchCompany, searchCallType, searchSince)
	if err != nil {
		return err
	}
	minScore := searchMinScore
	resp, err := application.Retrieval.Search(cmd.Context(), types.SearchRequest{
		Query:    args[0],
		Filters:  filters,
		K:        searchLimit,
		MinScore: &minScore,
		Hybrid:   searchHybrid,
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}
	fmt.Fprintf(out, "Found %d results in %dms:\n\n", resp.Total, resp.LatencyMs)
	for i, r := range resp.Results {
		fmt.Fprintf(out, "%d. %s [%.3f]\n", i+1, r.CallID, r.Score)
		fmt.Fprintf(out, "   %s\n", preview(r.Text, 160))
		if verbose && r.UploadedAt != nil {
			fmt.Fprintf(out, "   uploaded %s, %.0fs of audio\n", r.UploadedAt.Format(time.RFC3339), r.DurationSeconds)
		}
	}
	return nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
