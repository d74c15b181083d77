package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/report"
	"github.com/example/riboflow/pkg/id"
)

var (
	statusRun string
	listRuns  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the outcome of a run",
	Long: `Show the per-task outcome of a run recorded in the ledger.

Without --run the most recent run is shown. Run ids may be abbreviated to any
unique prefix.

EXAMPLES:
  riboflow status
  riboflow status --run 3f2a
  riboflow status --list`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRun, "run", "", "run id or unique prefix (default: latest run)")
	statusCmd.Flags().BoolVar(&listRuns, "list", false, "list recorded runs")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	cfg, err := runtimeConfig()
	if err != nil {
		return err
	}
	ledger, err := openLedger(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if listRuns {
		runs, err := ledger.Runs(ctx, 0)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			finished := "-"
			if r.FinishedAt != nil {
				finished = report.FormatDuration(r.FinishedAt.Sub(r.StartedAt))
			}
			rows = append(rows, []string{r.ID, r.Pipeline, r.StartedAt.Local().Format("2006-01-02 15:04:05"), finished, r.Status.String()})
		}
		report.Table(out, []string{"RUN", "PIPELINE", "STARTED", "DURATION", "STATUS"}, rows)
		return nil
	}

	var run *domain.RunRecord
	if statusRun == "" {
		run, err = ledger.LatestRun(ctx)
		if err != nil {
			return fmt.Errorf("latest run: %w", err)
		}
	} else {
		runs, err := ledger.Runs(ctx, 0)
		if err != nil {
			return err
		}
		ids := make([]string, len(runs))
		for i, r := range runs {
			ids[i] = r.ID
		}
		match, ok := id.MatchPrefix(ids, statusRun)
		if !ok {
			return fmt.Errorf("run %q: %w (or ambiguous)", statusRun, domain.ErrNotFound)
		}
		if run, err = ledger.Run(ctx, match); err != nil {
			return err
		}
	}

	recs, err := ledger.RunTasks(ctx, run.ID)
	if err != nil {
		return err
	}
	summary := report.FromLedger(run, recs)
	report.Print(out, summary)
	if run.FinishedAt == nil {
		report.Warning(out, "This run did not finish; it may still be running or was killed.")
	}
	return nil
}
