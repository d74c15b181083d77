package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/report"
	"github.com/example/riboflow/internal/storage"
)

var (
	ledgerTask  string
	ledgerStage string
	ledgerLimit int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or edit the run ledger",
	Long: `The ledger records the outcome of every task for each distinct set of
inputs. A successful entry lets later runs skip the task.`,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries",
	Long: `List ledger entries, newest first within each task.

EXAMPLES:
  riboflow ledger list
  riboflow ledger list --task hisat2_orf@WTnone
  riboflow ledger list --stage collate_tpms`,
	Args: cobra.NoArgs,
	RunE: runLedgerList,
}

var ledgerForgetCmd = &cobra.Command{
	Use:   "forget TASK",
	Short: "Remove a task's entries so it runs again",
	Long: `Remove every ledger entry of a task. The next run recomputes the task and,
if its outputs change, everything downstream of it.

EXAMPLES:
  riboflow ledger forget bam_to_h5@WT3AT
  riboflow ledger forget collate_tpms@dataset`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerForget,
}

func init() {
	ledgerListCmd.Flags().StringVar(&ledgerTask, "task", "", "only entries of this task (stage@sample)")
	ledgerListCmd.Flags().StringVar(&ledgerStage, "stage", "", "only entries of this stage")
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 0, "maximum entries to list (0 = all)")
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerForgetCmd)
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := runtimeConfig()
	if err != nil {
		return err
	}
	opts := storage.ListOptions{Limit: ledgerLimit}
	if ledgerTask != "" {
		taskID, err := domain.ParseTaskID(ledgerTask)
		if err != nil {
			return domain.Configf(domain.ErrConfig, "--task: %v", err)
		}
		opts.TaskIDs = []domain.TaskID{taskID}
	}
	if ledgerStage != "" {
		opts.Stages = []string{ledgerStage}
	}

	ledger, err := openLedger(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer ledger.Close()
	entries, err := ledger.Entries(ctx, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		report.Info(out, "No ledger entries.")
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.TaskID.String(),
			short(string(e.InputKey)),
			string(e.Status),
			fmt.Sprint(e.ExitCode),
			fmt.Sprint(len(e.Outputs)),
			short(e.RunID),
			e.RecordedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	report.Table(out, []string{"TASK", "INPUT KEY", "STATUS", "EXIT", "OUTPUTS", "RUN", "RECORDED"}, rows)
	return nil
}

func runLedgerForget(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	taskID, err := domain.ParseTaskID(args[0])
	if err != nil {
		return domain.Configf(domain.ErrConfig, "%v", err)
	}
	cfg, err := runtimeConfig()
	if err != nil {
		return err
	}
	ledger, err := openLedger(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer ledger.Close()

	n, err := ledger.Forget(ctx, taskID)
	if err != nil {
		return err
	}
	if n == 0 {
		report.Warning(cmd.OutOrStdout(), fmt.Sprintf("No entries for %s", taskID))
		return nil
	}
	report.Success(cmd.OutOrStdout(), fmt.Sprintf("Forgot %d entries for %s", n, taskID))
	return nil
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
