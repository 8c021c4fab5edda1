package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/weft/internal/freshness"
	"github.com/ShayCichocki/weft/internal/orchestrator/policy"
	"github.com/ShayCichocki/weft/pkg/models"
)

// Run executes the requested units and returns the run manifest. The
// manifest is persisted unless the request is a dry run. Aggregate
// failure is reported on the manifest, not as an error; errors are
// reserved for plan resolution, storage, and cancellation.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*models.RunManifest, error) {
	// Every exit path ends the event stream with EventRunCompleted so
	// consumers can range until it arrives.
	p, err := o.buildPlan(req)
	if err != nil {
		o.emit(Event{Type: EventRunCompleted, Message: "plan failed", Err: err, Timestamp: time.Now()})
		return nil, err
	}

	manifest := &models.RunManifest{
		RunID:     uuid.New().String()[:8],
		Selection: req.Selection,
		Target:    req.Target,
		DryRun:    req.DryRun,
		StartedAt: time.Now(),
	}
	if manifest.Selection == "" {
		manifest.Selection = models.SelectAll
	}

	o.debugLog.Log("[run %s] starting: %d units, dry_run=%v force=%v", manifest.RunID, len(p.ordered), req.DryRun, req.Force)

	tracker := freshness.New(o.store, req.Force)
	ec := newExecutionContext(o.graph, p)
	if err := o.preloadExternalDeps(ec, p); err != nil {
		o.emit(Event{Type: EventRunCompleted, Message: "loading cached dependencies failed", Err: err, Timestamp: time.Now()})
		return nil, err
	}

	if req.DryRun {
		o.resolveDryRun(ec, p, tracker)
		manifest.Results = ec.snapshot()
		manifest.CompletedAt = time.Now()
		manifest.Success = true
		o.emit(Event{Type: EventRunCompleted, Message: "dry run", Timestamp: time.Now()})
		return manifest, nil
	}

	runErr := o.dispatchLoop(ctx, req, ec, tracker)

	manifest.Results = ec.snapshot()
	saveErr := o.recorder.Finalize(manifest)

	counts := manifest.Counts()
	o.debugLog.Log("[run %s] completed: success=%v counts=%v", manifest.RunID, manifest.Success, counts)
	o.emit(Event{
		Type:      EventRunCompleted,
		Message:   fmt.Sprintf("%d succeeded, %d cached, %d failed, %d skipped", counts[models.StatusSuccess], counts[models.StatusCached], counts[models.StatusFailed], counts[models.StatusSkipped]),
		Timestamp: time.Now(),
	})

	if saveErr != nil {
		return manifest, fmt.Errorf("recording run %s: %w", manifest.RunID, saveErr)
	}
	return manifest, runErr
}

// preloadExternalDeps loads the last recorded output for every
// dependency that sits outside the plan, so planned units can still
// render against it.
func (o *Orchestrator) preloadExternalDeps(ec *executionContext, p *plan) error {
	seen := make(map[string]bool)
	for _, id := range p.ordered {
		for _, depID := range o.graph.Dependencies(id) {
			if p.contains(depID) || seen[depID] {
				continue
			}
			seen[depID] = true
			prior, err := o.store.LatestResult(depID)
			if err != nil {
				return fmt.Errorf("loading output for dependency %s: %w", depID, err)
			}
			if prior != nil {
				ec.preloadOutput(depID, prior.Output)
			}
		}
	}
	return nil
}

// resolveDryRun evaluates freshness for every planned unit without
// executing anything. Units that would reuse cached output are marked
// cached; everything else stays pending.
func (o *Orchestrator) resolveDryRun(ec *executionContext, p *plan, tracker *freshness.Tracker) {
	for _, id := range p.ordered {
		unit := o.graph.Unit(id)
		decision, err := tracker.Evaluate(unit, o.directDeps(id))
		if err != nil {
			o.debugLog.Log("[dry-run] freshness check for %s failed: %v", id, err)
			continue
		}
		if decision.Skip {
			ec.complete(&models.UnitRunResult{
				UnitID:     id,
				Status:     models.StatusCached,
				Checksum:   unit.Checksum,
				Output:     decision.Prior.Output,
				Resolution: decision.Reason,
			})
		}
	}
}

// directDeps resolves a unit's direct dependencies to their definitions.
func (o *Orchestrator) directDeps(id string) []*models.Unit {
	depIDs := o.graph.Dependencies(id)
	deps := make([]*models.Unit, 0, len(depIDs))
	for _, depID := range depIDs {
		if u := o.graph.Unit(depID); u != nil {
			deps = append(deps, u)
		}
	}
	return deps
}

// dispatchLoop drives execution: it dispatches ready units to workers up
// to the parallelism cap, collects completions, and cascades skips from
// failures. It returns the context error when the run was cancelled.
func (o *Orchestrator) dispatchLoop(ctx context.Context, req RunRequest, ec *executionContext, tracker *freshness.Tracker) error {
	maxParallel := o.maxParallelism
	if req.MaxParallelism >= 1 {
		maxParallel = req.MaxParallelism
	}

	completions := make(chan *models.UnitRunResult)
	inflight := 0

	for {
		if ctx.Err() == nil {
			for _, id := range ec.ready() {
				if inflight >= maxParallel {
					break
				}
				unit := o.graph.Unit(id)
				ec.markDispatched(id)
				inflight++
				o.emit(Event{Type: EventUnitStarted, UnitID: id, Timestamp: time.Now()})
				o.debugLog.Log("[dispatch] %s (%d inflight)", id, inflight)
				go func(u *models.Unit) {
					completions <- o.executeUnit(ctx, req, u, ec, tracker)
				}(unit)
			}
		}

		if inflight == 0 {
			break
		}

		res := <-completions
		inflight--
		o.handleCompletion(res, ec)
	}

	if ctx.Err() != nil {
		for _, res := range ec.markPendingSkipped("run cancelled") {
			o.emit(Event{Type: EventUnitSkipped, UnitID: res.UnitID, Message: res.Error, Timestamp: time.Now()})
		}
		return ctx.Err()
	}

	// No inflight work and nothing ready: anything still pending is
	// unreachable, which the cascade should have prevented.
	if !ec.done() {
		for _, res := range ec.markPendingSkipped("dependencies never completed") {
			o.debugLog.Log("[dispatch] %s stranded", res.UnitID)
			o.emit(Event{Type: EventUnitSkipped, UnitID: res.UnitID, Message: res.Error, Timestamp: time.Now()})
		}
	}
	return nil
}

// handleCompletion records a terminal result, emits its event, and
// cascades skips to dependents of failed or skipped units.
func (o *Orchestrator) handleCompletion(res *models.UnitRunResult, ec *executionContext) {
	ec.complete(res)
	now := time.Now()

	switch res.Status {
	case models.StatusSuccess:
		o.emit(Event{Type: EventUnitSucceeded, UnitID: res.UnitID, Attempt: res.Attempts, Timestamp: now})
	case models.StatusCached:
		o.emit(Event{Type: EventUnitCached, UnitID: res.UnitID, Message: res.Resolution, Timestamp: now})
	case models.StatusFailed:
		o.emit(Event{Type: EventUnitFailed, UnitID: res.UnitID, Attempt: res.Attempts, Message: res.Error, Timestamp: now})
	case models.StatusSkipped:
		o.emit(Event{Type: EventUnitSkipped, UnitID: res.UnitID, Message: res.Resolution, Timestamp: now})
	}

	if res.Status == models.StatusFailed || res.Status == models.StatusSkipped {
		reason := fmt.Sprintf("dependency %s %s", res.UnitID, res.Status)
		for _, skipped := range ec.cascadeSkip(res.UnitID, reason) {
			o.debugLog.Log("[cascade] %s skipped: %s", skipped.UnitID, reason)
			o.emit(Event{Type: EventUnitSkipped, UnitID: skipped.UnitID, Message: reason, Timestamp: time.Now()})
		}
	}
}

// executeUnit runs one unit to a terminal result: freshness check,
// template render, then the attempt loop under the failure policy.
func (o *Orchestrator) executeUnit(ctx context.Context, req RunRequest, unit *models.Unit, ec *executionContext, tracker *freshness.Tracker) *models.UnitRunResult {
	res := &models.UnitRunResult{
		UnitID:    unit.ID,
		Status:    models.StatusRunning,
		Checksum:  unit.Checksum,
		StartedAt: time.Now(),
	}

	decision, err := tracker.Evaluate(unit, o.directDeps(unit.ID))
	if err != nil {
		o.debugLog.Log("[exec %s] freshness check failed, executing: %v", unit.ID, err)
	} else if decision.Skip {
		res.Status = models.StatusCached
		res.Output = decision.Prior.Output
		res.Resolution = decision.Reason
		res.CompletedAt = time.Now()
		return res
	}

	vars := make(map[string]string, len(req.Variables))
	for k, v := range req.Variables {
		vars[k] = v
	}
	for depID, output := range ec.depOutputs(unit.ID) {
		vars[depID] = output
	}

	prompt, err := o.renderer.Render(unit, vars)
	if err != nil {
		// Render failures are not retryable; the exhaustion action
		// applies directly.
		o.debugLog.Log("[exec %s] render failed: %v", unit.ID, err)
		o.applyExhaustion(res, unit, err, 0)
		return res
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		attemptCtx := ctx
		var cancel context.CancelFunc
		if o.attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, o.attemptTimeout)
		}
		execRes, execErr := o.executor.Execute(attemptCtx, prompt, unit.Model)
		if cancel != nil {
			cancel()
		}

		if execErr == nil {
			res.Status = models.StatusSuccess
			res.Output = execRes.Output
			res.TokensIn += execRes.TokensIn
			res.TokensOut += execRes.TokensOut
			res.CostUSD += execRes.CostUSD
			res.Latency += execRes.Latency
			res.CompletedAt = time.Now()
			return res
		}
		lastErr = execErr
		if execRes != nil {
			res.TokensIn += execRes.TokensIn
			res.TokensOut += execRes.TokensOut
			res.CostUSD += execRes.CostUSD
			res.Latency += execRes.Latency
		}
		o.debugLog.Log("[exec %s] attempt %d failed: %v", unit.ID, attempt, execErr)

		if ctx.Err() != nil {
			res.Status = models.StatusFailed
			res.Error = lastErr.Error()
			res.Resolution = "run cancelled"
			res.CompletedAt = time.Now()
			return res
		}

		d := policy.Decide(unit.Policy, attempt)
		if !d.Retry {
			o.applyExhaustion(res, unit, lastErr, attempt)
			return res
		}

		o.emit(Event{
			Type:      EventUnitRetrying,
			UnitID:    unit.ID,
			Attempt:   attempt,
			Message:   fmt.Sprintf("retrying in %s", d.Delay),
			Err:       execErr,
			Timestamp: time.Now(),
		})
		if !sleepCtx(ctx, d.Delay) {
			res.Status = models.StatusFailed
			res.Error = lastErr.Error()
			res.Resolution = "run cancelled"
			res.CompletedAt = time.Now()
			return res
		}
	}
}

// applyExhaustion resolves a unit whose retry budget is spent (or whose
// failure is not retryable) according to its policy.
func (o *Orchestrator) applyExhaustion(res *models.UnitRunResult, unit *models.Unit, cause error, attempts int) {
	action := unit.Policy.OnExhausted
	if !action.Valid() {
		action = models.ActionFail
	}
	exhausted := &policy.ExhaustedError{
		UnitID:   unit.ID,
		Attempts: attempts,
		Action:   action,
		Err:      cause,
	}
	res.CompletedAt = time.Now()
	res.Error = exhausted.Error()

	switch action {
	case models.ActionUseCached:
		prior, err := o.store.LatestResult(unit.ID)
		if err != nil {
			o.debugLog.Log("[exec %s] use_cached lookup failed: %v", unit.ID, err)
		}
		if prior != nil {
			res.Status = models.StatusCached
			res.Output = prior.Output
			res.Resolution = fmt.Sprintf("use_cached after %d attempts", attempts)
			return
		}
		res.Status = models.StatusFailed
		res.Resolution = "use_cached requested but no cached output exists"

	case models.ActionSkip:
		res.Status = models.StatusSkipped
		res.Resolution = fmt.Sprintf("skipped after %d attempts", attempts)

	default:
		res.Status = models.StatusFailed
		res.Resolution = fmt.Sprintf("failed after %d attempts", attempts)
	}
}

// sleepCtx waits for d or until the context is cancelled. It reports
// whether the full delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
