package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/riboflow/internal/config"
	"github.com/example/riboflow/internal/contentstore"
	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/graph"
	"github.com/example/riboflow/internal/report"
	"github.com/example/riboflow/internal/runner"
	"github.com/example/riboflow/internal/scheduler"
	"github.com/example/riboflow/internal/workspace"
)

var (
	pipelinePath string
	ribovizPath  string
	workers      int
	threads      int
	aggregation  string
	publishDir   string
	params       []string
	dryRun       bool
	showMetrics  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline",
	Long: `Run every task of a pipeline that is not already cached.

Tasks whose inputs and command are unchanged since a previous successful run
are satisfied from the ledger without running anything. A failing task skips
only the tasks that depend on it; everything else keeps running.

The run can be interrupted with Ctrl+C. Completed tasks stay in the ledger,
so running the same command again resumes where it stopped.

EXIT CODES:
  0    every task succeeded or was cached
  1    configuration or internal error
  2    partial failure: some tasks failed or were skipped
  3    total failure: nothing succeeded
  130  interrupted

EXAMPLES:
  riboflow run --pipeline pipeline.yaml --workers 8
  riboflow run --riboviz vignette/vignette_config.yaml --aggregation partial
  riboflow run --pipeline pipeline.yaml --param adapters=CTGTAGGCACC --dry-run`,
	RunE: runRun,
}

func init() {
	addSourceFlags(runCmd)
	runCmd.Flags().IntVarP(&workers, "workers", "j", 0, "maximum concurrently running tasks (default: number of CPUs)")
	runCmd.Flags().IntVar(&threads, "threads", 0, "value of ${threads} in commands (default 1, or num_processes for riboviz)")
	runCmd.Flags().StringVar(&aggregation, "aggregation", "", "dataset tasks with failed samples: strict or partial")
	runCmd.Flags().StringVar(&publishDir, "publish-dir", "", "directory to link published outputs into")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the tasks that would run and exit")
	runCmd.Flags().BoolVar(&showMetrics, "metrics", false, "print run metrics after the summary")
}

func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline definition file")
	cmd.Flags().StringVar(&ribovizPath, "riboviz", "", "riboviz configuration file")
	cmd.Flags().StringArrayVar(&params, "param", nil, "override a pipeline parameter (key=value, repeatable)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	cfg, err := runtimeConfig()
	if err != nil {
		return err
	}
	src, err := loadSource(pipelinePath, ribovizPath, params)
	if err != nil {
		return err
	}
	if err := cfg.Merge(&config.Config{Workers: workers, PublishDir: publishDir}); err != nil {
		return err
	}
	nthreads := threads
	if src.riboviz != nil {
		if cfg.PublishDir == "" {
			cfg.PublishDir = src.riboviz.PublishDir()
		}
		if workDir == "" && cfg.WorkDir == config.Default().WorkDir {
			cfg.WorkDir = src.riboviz.WorkDir()
		}
		if nthreads == 0 {
			nthreads = src.riboviz.NumProcesses
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, err := aggregationPolicy(cfg, src)
	if err != nil {
		return err
	}
	ctx = withLogger(ctx, cmd, cfg)

	g, err := graph.Build(src.def)
	if err != nil {
		return err
	}
	if dryRun {
		printPlan(out, g)
		return nil
	}

	ledger, err := openLedger(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer ledger.Close()
	ws, err := workspace.New(cfg.WorkDir, cfg.PublishDir)
	if err != nil {
		return err
	}
	r := runner.NewRetryingRunner(runner.NewCommandRunner(cfg.Shell, cfg.KillGrace.Duration()))
	sched := scheduler.New(g, contentstore.New(), ledger, r, ws, scheduler.Options{
		Workers:     cfg.Workers,
		Aggregation: policy,
		Threads:     nthreads,
	})

	report.Step(out, fmt.Sprintf("Run %s: %d tasks over %d samples, %d workers, %s aggregation",
		sched.RunID(), g.Len(), len(g.Samples()), cfg.Workers, policy))
	res, err := sched.Run(ctx)
	if res == nil {
		return err
	}
	if errors.Is(err, domain.ErrCancelled) {
		report.Warning(out, "Interrupted. Completed tasks are in the ledger; run the same command again to resume.")
	} else if err != nil {
		return err
	}

	report.Print(out, report.Summarize(res))
	if showMetrics {
		fmt.Fprintln(out)
		sched.Metrics().Snapshot().WriteText(out)
	}
	if code := report.ExitCode(res.Status); code != domain.ExitSuccess {
		return &ExitError{Code: code, Status: res.Status}
	}
	return nil
}

// aggregationPolicy picks the policy from, in order, --aggregation, the
// pipeline definition and the runtime configuration.
func aggregationPolicy(cfg *config.Config, src *source) (domain.AggregationPolicy, error) {
	name := cfg.Aggregation
	if src.def.Aggregation != "" {
		name = src.def.Aggregation
	}
	if aggregation != "" {
		name = aggregation
	}
	return domain.ParseAggregationPolicy(name)
}

func printPlan(w io.Writer, g *graph.Graph) {
	report.Header(w, fmt.Sprintf("Plan for %s: %d tasks", g.Name(), g.Len()))
	var rows [][]string
	for _, h := range g.TopologicalOrder() {
		task := g.Task(h)
		var after []string
		for _, p := range g.Producers(h) {
			after = append(after, g.Task(p).ID.String())
		}
		rows = append(rows, []string{task.ID.String(), task.Scope.String(), strings.Join(after, ", ")})
	}
	report.Table(w, []string{"TASK", "SCOPE", "AFTER"}, rows)
}
