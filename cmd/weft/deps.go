package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/internal/orchestrator"
)

var (
	depsDirection string
	depsFormat    string
)

var depsCmd = &cobra.Command{
	Use:   "deps <target>",
	Short: "Show a unit's lineage",
	Long: `Show the transitive lineage of a unit in dependency order.

--direction upstream lists everything the unit depends on; downstream
lists everything that depends on it. --format mermaid emits a Mermaid
flowchart of the lineage for embedding in docs.`,
	Args: cobra.ExactArgs(1),
	RunE: showDeps,
}

func init() {
	depsCmd.Flags().StringVar(&depsDirection, "direction", "upstream", "Lineage direction: upstream or downstream")
	depsCmd.Flags().StringVar(&depsFormat, "format", "text", "Output format: text or mermaid")
}

func showDeps(cmd *cobra.Command, args []string) error {
	cfg, reg, err := loadProject()
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	orch, err := buildOrchestrator(cfg, reg, store, nil)
	if err != nil {
		return err
	}

	target := args[0]
	direction := orchestrator.Direction(depsDirection)
	lineage, err := orch.Deps(target, direction)
	if err != nil {
		return err
	}

	switch depsFormat {
	case "text":
		for _, id := range lineage {
			if id == target {
				fmt.Println(color.CyanString(id))
			} else {
				fmt.Println(id)
			}
		}
	case "mermaid":
		printMermaid(orch, lineage)
	default:
		return fmt.Errorf("unknown format %q", depsFormat)
	}
	return nil
}

// printMermaid emits the lineage as a Mermaid flowchart, edges pointing
// from dependency to dependent.
func printMermaid(orch *orchestrator.Orchestrator, lineage []string) {
	inLineage := make(map[string]bool, len(lineage))
	for _, id := range lineage {
		inLineage[id] = true
	}

	fmt.Println("flowchart TD")
	for _, id := range lineage {
		fmt.Printf("    %s\n", id)
		for _, depID := range orch.Graph().Dependencies(id) {
			if inLineage[depID] {
				fmt.Printf("    %s --> %s\n", depID, id)
			}
		}
	}
}
