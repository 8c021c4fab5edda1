package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/internal/config"
	"github.com/ShayCichocki/weft/internal/orchestrator"
	"github.com/ShayCichocki/weft/pkg/models"
)

var (
	runChanged     bool
	runForce       bool
	runParallelism int
	runDryRun      bool
	runWatch       bool
	runVars        []string
)

var runCmd = &cobra.Command{
	Use:   "run [target]",
	Short: "Execute prompt units over the dependency graph",
	Long: `Execute prompt units, dependencies first.

With no arguments every unit runs. With a target argument only the target
and its transitive dependencies run. With --changed only units whose
definitions changed since their last successful run (and everything
downstream of them) run.

Incremental units whose definition and dependencies are unchanged reuse
their cached output; --force re-executes them anyway. --dry-run resolves
the plan and freshness decisions without calling any model or recording
the run.

Examples:
  weft run                       # run everything
  weft run summarize             # run summarize and its dependencies
  weft run --changed             # run only stale units and dependents
  weft run --dry-run             # show what would execute
  weft run --watch               # rerun changed units as files change
  weft run --var tone=formal     # override a template variable`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnits,
}

func init() {
	runCmd.Flags().BoolVar(&runChanged, "changed", false, "Run only units changed since their last successful run, plus dependents")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Re-execute units even when cached output is fresh")
	runCmd.Flags().IntVar(&runParallelism, "parallelism", 0, "Max units executing concurrently (0 uses the configured default)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Resolve the plan without executing or recording")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Watch the units directory and rerun on changes")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Template variable override as key=value (repeatable)")
}

func runUnits(cmd *cobra.Command, args []string) error {
	req := orchestrator.RunRequest{
		Selection:      models.SelectAll,
		Force:          runForce,
		MaxParallelism: runParallelism,
		DryRun:         runDryRun,
	}
	if len(args) == 1 {
		req.Selection = models.SelectTarget
		req.Target = args[0]
	}
	if runChanged {
		if req.Target != "" {
			return fmt.Errorf("--changed cannot be combined with a target")
		}
		req.Selection = models.SelectChanged
	}

	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}
	req.Variables = vars

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runWatch {
		return watchAndRun(ctx, req)
	}

	manifest, err := executeRun(ctx, req)
	if err != nil {
		return err
	}
	if !manifest.Success {
		return fmt.Errorf("run %s failed", manifest.RunID)
	}
	return nil
}

// executeRun loads the project, performs one run, and prints the summary.
func executeRun(ctx context.Context, req orchestrator.RunRequest) (*models.RunManifest, error) {
	cfg, reg, err := loadProject()
	if err != nil {
		return nil, err
	}

	store, err := openStore()
	if err != nil {
		return nil, err
	}
	defer store.Close()

	var exec *orchestrator.Orchestrator
	if req.DryRun {
		exec, err = buildOrchestrator(cfg, reg, store, nil)
	} else {
		executor, execErr := newExecutor(cfg)
		if execErr != nil {
			return nil, execErr
		}
		exec, err = buildOrchestrator(cfg, reg, store, executor)
	}
	if err != nil {
		return nil, err
	}

	printerDone := make(chan struct{})
	go printProgress(exec.Events(), printerDone)

	manifest, runErr := exec.Run(ctx, req)
	// Run ends the event stream on every exit path; let the printer drain.
	<-printerDone

	if manifest != nil {
		printSummary(manifest)
	}
	if runErr != nil {
		return manifest, runErr
	}
	return manifest, nil
}

// watchAndRun reruns the request whenever a unit file changes. The first
// run happens immediately.
func watchAndRun(ctx context.Context, req orchestrator.RunRequest) error {
	if _, err := executeRun(ctx, req); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("run failed:"), err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	unitsDir := filepath.Join(config.ProjectRoot(), cfg.Run.UnitsDir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(unitsDir); err != nil {
		return fmt.Errorf("watch %s: %w", unitsDir, err)
	}
	fmt.Printf("watching %s for changes (ctrl-c to stop)\n", unitsDir)

	// Editors fire bursts of events per save; coalesce them.
	var debounce *time.Timer
	rerun := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isUnitFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case rerun <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)

		case <-rerun:
			fmt.Printf("\n%s\n", color.CyanString("units changed, rerunning"))
			if _, err := executeRun(ctx, req); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("run failed:"), err)
			}
		}
	}
}

func isUnitFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// printProgress renders orchestrator events until the run completes.
func printProgress(events <-chan orchestrator.Event, done chan<- struct{}) {
	defer close(done)

	for ev := range events {
		switch ev.Type {
		case orchestrator.EventUnitStarted:
			fmt.Printf("%s %s\n", color.CyanString("RUN "), ev.UnitID)
		case orchestrator.EventUnitSucceeded:
			fmt.Printf("%s %s\n", color.GreenString("OK  "), ev.UnitID)
		case orchestrator.EventUnitCached:
			fmt.Printf("%s %s (%s)\n", color.HiBlackString("HIT "), ev.UnitID, ev.Message)
		case orchestrator.EventUnitRetrying:
			fmt.Printf("%s %s attempt %d: %s\n", color.YellowString("RTRY"), ev.UnitID, ev.Attempt, ev.Message)
		case orchestrator.EventUnitFailed:
			fmt.Printf("%s %s: %s\n", color.RedString("FAIL"), ev.UnitID, ev.Message)
		case orchestrator.EventUnitSkipped:
			fmt.Printf("%s %s (%s)\n", color.HiBlackString("SKIP"), ev.UnitID, ev.Message)
		case orchestrator.EventRunCompleted:
			return
		}
	}
}

// printSummary prints the run outcome with aggregate token and cost totals.
func printSummary(m *models.RunManifest) {
	counts := m.Counts()
	var tokensIn, tokensOut int64
	var cost float64
	for _, r := range m.Results {
		tokensIn += r.TokensIn
		tokensOut += r.TokensOut
		cost += r.CostUSD
	}

	status := color.GreenString("succeeded")
	if !m.Success {
		status = color.RedString("failed")
	}
	if m.DryRun {
		status = color.CyanString("dry run")
	}

	fmt.Printf("\nrun %s %s: %d ok, %d cached, %d failed, %d skipped\n",
		m.RunID, status,
		counts[models.StatusSuccess], counts[models.StatusCached],
		counts[models.StatusFailed], counts[models.StatusSkipped])
	if tokensIn > 0 || tokensOut > 0 {
		fmt.Printf("tokens: %d in / %d out, est. cost $%.4f\n", tokensIn, tokensOut, cost)
	}
}

func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		vars[k] = v
	}
	return vars, nil
}
