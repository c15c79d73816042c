package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"call-insights-go/internal/types"
)

var (
	askCompany    string
	askCallType   string
	askSince      string
	askLimit      int
	askModel      string
	askOutputFile string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and get an answer grounded in call transcripts",
	Long: `Retrieves the most relevant transcript passages and asks the configured
LLM to answer from them. When nothing relevant is found the model is not
called.

Examples:
  callctl ask "Why are customers asking for refunds?"
  callctl ask "What did Acme complain about?" --company Acme --model claude-3-5-sonnet-latest
  callctl ask "Summarize shipping issues" -o answer.md`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	addFilterFlags(askCmd, &askCompany, &askCallType, &askSince)
	askCmd.Flags().IntVarP(&askLimit, "limit", "n", 5, "max context passages")
	askCmd.Flags().StringVar(&askModel, "model", "", "LLM model (default from LLM_MODEL)")
	askCmd.Flags().StringVarP(&askOutputFile, "output", "o", "", "write the answer to a file")
}

func runAsk(cmd *cobra.Command, args []string) error {
	filters, err := buildFilters(askCompany, askCallType, askSince)
	if err != nil {
		return err
	}
	ans, err := application.Retrieval.Answer(cmd.Context(), types.AnswerRequest{
		Question: args[0],
		Filters:  filters,
		K:        askLimit,
		Model:    askModel,
	})
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}

	if askOutputFile != "" {
		if err := os.WriteFile(askOutputFile, []byte(ans.Answer+"\n"), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		fmt.Fprintf(out, "Answer written to %s\n", askOutputFile)
	} else {
		fmt.Fprintln(out, ans.Answer)
	}

	if len(ans.Sources) > 0 {
		fmt.Fprintf(out, "\nSources (%s):\n", ans.ModelUsed)
		for i, s := range ans.Sources {
			fmt.Fprintf(out, "  %d. %s [%.3f] %s\n", i+1, s.CallID, s.Score, preview(s.Text, 80))
		}
	}
	return nil
}
