package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/pkg/models"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recent runs",
	Long: `Show recent run manifests, newest first.

With a run ID argument, shows the per-unit results of that run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: showHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "Max runs to list")
}

func showHistory(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		m, err := store.GetManifest(args[0])
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("run %s not found", args[0])
		}
		printManifest(m)
		return nil
	}

	manifests, err := store.ListManifests(historyLimit)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	for _, m := range manifests {
		counts := m.Counts()
		status := color.GreenString("ok")
		if !m.Success {
			status = color.RedString("failed")
		}
		fmt.Printf("%s  %s  %-13s %s  %d ok, %d cached, %d failed, %d skipped\n",
			m.RunID,
			m.StartedAt.Format("2006-01-02 15:04:05"),
			m.Selection,
			status,
			counts[models.StatusSuccess], counts[models.StatusCached],
			counts[models.StatusFailed], counts[models.StatusSkipped])
	}
	return nil
}

func printManifest(m *models.RunManifest) {
	fmt.Printf("run %s (%s", m.RunID, m.Selection)
	if m.Target != "" {
		fmt.Printf(" %s", m.Target)
	}
	fmt.Printf(") started %s\n", m.StartedAt.Format("2006-01-02 15:04:05"))

	for _, r := range m.Results {
		var status string
		switch r.Status {
		case models.StatusSuccess:
			status = color.GreenString("%-7s", r.Status)
		case models.StatusFailed:
			status = color.RedString("%-7s", r.Status)
		case models.StatusSkipped:
			status = color.HiBlackString("%-7s", r.Status)
		default:
			status = fmt.Sprintf("%-7s", r.Status)
		}
		fmt.Printf("  %s %-24s attempts=%d", status, r.UnitID, r.Attempts)
		if r.TokensIn > 0 || r.TokensOut > 0 {
			fmt.Printf(" tokens=%d/%d cost=$%.4f", r.TokensIn, r.TokensOut, r.CostUSD)
		}
		if r.Resolution != "" {
			fmt.Printf(" (%s)", r.Resolution)
		}
		fmt.Println()
		if r.Error != "" {
			fmt.Printf("          %s\n", color.RedString(r.Error))
		}
	}
}
