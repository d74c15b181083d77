package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/riboflow/internal/web"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ledger as a read-only JSON API",
	Long: `Serve recorded runs, per-task states and ledger entries over HTTP.

The server only reads the ledger, so it can run next to "riboflow run" and
show a run's progress while it executes.

EXAMPLES:
  riboflow serve
  riboflow serve --addr :9090 --ledger work/ledger.db`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost:8080", "address to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := runtimeConfig()
	if err != nil {
		return err
	}
	ctx = withLogger(ctx, cmd, cfg)
	ledger, err := openLedger(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer ledger.Close()

	return web.NewServer(serveAddr, ledger).Start(ctx)
}
