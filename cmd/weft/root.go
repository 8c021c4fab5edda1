package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootProfile string

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Prompt pipeline build tool",
	Long: `Weft builds pipelines of prompt units: templated model calls wired
together by ref() dependencies into a directed acyclic graph.

Units are YAML files in the project's units directory. Each unit declares
a template, the variables it needs, and the units it depends on; a unit's
rendered prompt can splice in the outputs of its dependencies. Runs are
recorded in .weft/weft.db so unchanged incremental units reuse their
cached output on the next run.

Core commands:
  weft run [target]   Execute units (all, one target's closure, or changed)
  weft deps <target>  Show a unit's upstream or downstream lineage
  weft validate       Check the graph and report stale units
  weft ls             List units with materialization and dependencies
  weft history        Show recent run manifests`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootProfile, "profile", "", "Named config profile to apply (also WEFT_PROFILE)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
