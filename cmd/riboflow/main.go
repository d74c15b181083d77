// Command riboflow runs ribosome profiling pipelines.
package main

import (
	"fmt"
	"os"

	"github.com/example/riboflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		if !cli.Reported(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.ExitCode(err))
	}
}
