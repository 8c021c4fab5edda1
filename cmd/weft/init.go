package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a Weft project",
	Long: `Initialize a directory for use with Weft.

Creates a weft.yaml project config and a units/ directory with a small
example pipeline. The directory argument is optional and defaults to the
current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

const initConfigTemplate = `# Weft project configuration.
run:
  units_dir: units
  max_parallelism: 4

model:
  name: claude-sonnet-4-20250514
  max_tokens: 1024

retries:
  max_attempts: 2
  backoff: 1s
  on_exhausted: fail

# anthropic:
#   api_key: ${ANTHROPIC_API_KEY}
`

const initExampleSource = `description: Collect the raw notes to build on.
template: |
  Clean up the following meeting notes. Fix grammar, remove filler,
  keep every decision and action item.

  {{ notes }}
variables:
  - notes
config:
  materialized: incremental
`

const initExampleSummary = `description: Summarize the cleaned notes.
depends_on:
  - ref('clean_notes')
template: |
  Summarize these meeting notes in five bullet points:

  {{ clean_notes }}
variables:
  - clean_notes
config:
  materialized: incremental
  retries:
    max_attempts: 3
    backoff: 2s
    on_exhausted: use_cached
`

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	files := map[string]string{
		filepath.Join(absPath, "weft.yaml"):                 initConfigTemplate,
		filepath.Join(absPath, "units", "clean_notes.yaml"): initExampleSource,
		filepath.Join(absPath, "units", "summarize.yaml"):   initExampleSummary,
	}

	for path, content := range files {
		if _, err := os.Stat(path); err == nil && !initForce {
			fmt.Printf("%s %s (exists, use --force to overwrite)\n", color.YellowString("skip"), path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Printf("%s %s\n", color.GreenString("wrote"), path)
	}

	fmt.Println("\nnext steps:")
	fmt.Println("  export ANTHROPIC_API_KEY=sk-ant-...")
	fmt.Println("  weft run --dry-run")
	return nil
}
