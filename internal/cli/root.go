// Package cli implements the riboflow command line.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	workDir    string
	ledgerPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "riboflow",
	Short: "Run ribosome profiling pipelines with content-addressed caching",
	Long: `riboflow runs a ribosome profiling pipeline: a chain of external tools applied
to every sample, followed by dataset-wide aggregation.

Tasks run concurrently, results are cached by the content of their inputs, a
failing sample never blocks the others, and re-running after a failure only
repeats the work that did not complete.

WORKFLOW:
  1. riboflow graph --pipeline pipeline.yaml     (inspect the task graph)
  2. riboflow run --pipeline pipeline.yaml       (run it)
  3. riboflow status                             (inspect the last run)
  4. fix the failing input or tool, then run again; completed tasks are cached

EXAMPLES:
  # Run a pipeline definition with 8 workers
  riboflow run --pipeline pipeline.yaml --workers 8

  # Run the riboviz workflow from a riboviz configuration
  riboflow run --riboviz vignette/vignette_config.yaml

  # Show why the last run failed
  riboflow status`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "runtime configuration file (YAML)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&workDir, "work-dir", "", "directory holding task working areas")
	flags.StringVar(&ledgerPath, "ledger", "", "ledger database (default <work-dir>/ledger.db)")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
