package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/report"
	"github.com/example/riboflow/internal/workspace"
)

var cleanLedger bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove task working areas",
	Long: `Remove every task working area under the work directory.

The ledger is kept unless --ledger-too is given. Cached entries whose outputs
were removed are detected on the next run and recomputed.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanLedger, "ledger-too", false, "also delete the ledger database")
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := runtimeConfig()
	if err != nil {
		return err
	}
	ws, err := workspace.New(cfg.WorkDir, "")
	if err != nil {
		return err
	}
	if err := ws.Clean(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	report.Success(out, fmt.Sprintf("Removed working areas under %s", ws.Root()))

	if cleanLedger {
		path := cfg.Ledger()
		for _, p := range []string{path, path + "-wal", path + "-shm"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: %v", domain.ErrIO, err)
			}
		}
		report.Success(out, fmt.Sprintf("Removed ledger %s", path))
	}
	return nil
}
