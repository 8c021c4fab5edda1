package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/internal/state"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the unit graph and report stale units",
	Long: `Validate the project's units without executing anything.

Loads every unit, resolves references, and rejects cycles. Then compares
each unit's current definition against the checksum recorded at its last
successful run and lists the units that would execute on the next
'weft run --changed'.`,
	RunE: validateUnits,
}

func validateUnits(cmd *cobra.Command, args []string) error {
	cfg, reg, err := loadProject()
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	// Building the orchestrator resolves references and rejects cycles.
	if _, err := buildOrchestrator(cfg, reg, store, nil); err != nil {
		return err
	}
	fmt.Printf("%s %d units, graph is valid\n", color.GreenString("ok"), reg.Len())

	recorder := state.NewRecorder(store)
	dirty, err := recorder.DirtyUnits(reg.Units())
	if err != nil {
		return fmt.Errorf("checking freshness: %w", err)
	}

	if len(dirty) == 0 {
		fmt.Println("all units are up to date")
		return nil
	}

	fmt.Printf("%d units stale:\n", len(dirty))
	for _, d := range dirty {
		reason := "definition changed"
		if d.RecordedChecksum == "" {
			reason = "never run"
		}
		fmt.Printf("  %s (%s)\n", color.YellowString(d.UnitID), reason)
	}
	return nil
}
