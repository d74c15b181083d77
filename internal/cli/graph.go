package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/riboflow/internal/graph"
)

var (
	dot  bool
	tree bool
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the task graph of a pipeline",
	Long: `Build the task graph of a pipeline without running anything.

Configuration errors such as undeclared inputs or dependency cycles are
reported exactly as "run" would report them.

EXAMPLES:
  riboflow graph --pipeline pipeline.yaml
  riboflow graph --pipeline pipeline.yaml --tree
  riboflow graph --riboviz config.yaml --dot | dot -Tsvg > graph.svg`,
	RunE: runGraph,
}

func init() {
	addSourceFlags(graphCmd)
	graphCmd.Flags().BoolVar(&dot, "dot", false, "print Graphviz DOT instead of a table")
	graphCmd.Flags().BoolVar(&tree, "tree", false, "print the graph as a tree")
}

func runGraph(cmd *cobra.Command, args []string) error {
	src, err := loadSource(pipelinePath, ribovizPath, params)
	if err != nil {
		return err
	}
	g, err := graph.Build(src.def)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if dot {
		fmt.Fprint(out, g.Dot())
		return nil
	}
	if tree {
		fmt.Fprint(out, g.Tree())
		return nil
	}
	printPlan(out, g)
	fmt.Fprintf(out, "\nfingerprint %s\n", g.Fingerprint())
	return nil
}
