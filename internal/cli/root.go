// Package cli provides the callctl operator commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"call-insights-go/internal/app"
	"call-insights-go/internal/config"
	"call-insights-go/internal/logger"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	verbose bool

	// application shared by every subcommand; tests may preset it
	application *app.App
	out         io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "callctl",
	Short: "Operate the call insights pipeline",
	Long: `callctl backfills call recordings into the processing pipeline, queries
the search index and reports on pipeline health.

Configuration is read from .env, CONFIG_FILE and the environment, the same
way the api and worker binaries read it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" || application != nil {
			return nil
		}
		_ = godotenv.Load()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logger.New()
		if !verbose {
			log = logger.Nop()
		}
		a, err := app.New(cmd.Context(), cfg, log)
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		application = a
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if application != nil {
			if err := application.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close backends: %v\n", err)
			}
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline activity")

	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(redriveCmd)
}
