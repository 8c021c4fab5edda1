package orchestrator

import (
	"sync"

	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/pkg/models"
)

// executionContext tracks per-run state: unit statuses, completed
// outputs, and which units are still waiting on dependencies. Workers
// write results through it; the dispatch loop reads ready sets.
type executionContext struct {
	mu sync.Mutex

	graph *graph.Graph
	plan  *plan

	// results holds a slot per planned unit, pending until dispatched.
	results map[string]*models.UnitRunResult
	// outputs holds terminal outputs keyed by unit ID. Includes outputs
	// preloaded for dependencies outside the plan.
	outputs map[string]string
	// dispatched marks units handed to a worker.
	dispatched map[string]bool
}

func newExecutionContext(g *graph.Graph, p *plan) *executionContext {
	ec := &executionContext{
		graph:      g,
		plan:       p,
		results:    make(map[string]*models.UnitRunResult, len(p.ordered)),
		outputs:    make(map[string]string),
		dispatched: make(map[string]bool),
	}
	for _, id := range p.ordered {
		ec.results[id] = &models.UnitRunResult{UnitID: id, Status: models.StatusPending}
	}
	return ec
}

// preloadOutput records the output of a dependency that is outside the
// plan, so units inside the plan can render against it.
func (ec *executionContext) preloadOutput(unitID, output string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs[unitID] = output
}

// ready returns planned units whose dependencies have all reached a
// usable terminal state and that have not been dispatched yet.
func (ec *executionContext) ready() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	var out []string
	for _, id := range ec.plan.ordered {
		if ec.dispatched[id] {
			continue
		}
		if ec.results[id].Status != models.StatusPending {
			continue
		}
		if ec.depsSatisfiedLocked(id) {
			out = append(out, id)
		}
	}
	return out
}

// depsSatisfiedLocked reports whether every dependency of id has reached
// a terminal status. Dependencies outside the plan count as satisfied:
// their outputs were preloaded from the last run.
func (ec *executionContext) depsSatisfiedLocked(id string) bool {
	for _, depID := range ec.graph.Dependencies(id) {
		if !ec.plan.contains(depID) {
			continue
		}
		if !ec.results[depID].Status.Terminal() {
			return false
		}
	}
	return true
}

// markDispatched flags a unit as handed to a worker so ready does not
// return it again.
func (ec *executionContext) markDispatched(id string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.dispatched[id] = true
	ec.results[id].Status = models.StatusRunning
}

// complete stores a terminal result. Outputs are recorded for successful
// and cached units so dependents can render against them.
func (ec *executionContext) complete(res *models.UnitRunResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.results[res.UnitID] = res
	if res.Status == models.StatusSuccess || res.Status == models.StatusCached {
		ec.outputs[res.UnitID] = res.Output
	}
}

// cascadeSkip marks every pending planned dependent of id as skipped,
// transitively, unless the dependent opts into running past failed
// dependencies. Returns the results of newly skipped units.
func (ec *executionContext) cascadeSkip(id string, reason string) []*models.UnitRunResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	var skipped []*models.UnitRunResult
	queue := append([]string(nil), ec.graph.Dependents(id)...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if !ec.plan.contains(next) {
			continue
		}
		res := ec.results[next]
		if res.Status != models.StatusPending || ec.dispatched[next] {
			continue
		}
		if u := ec.graph.Unit(next); u != nil && u.ContinueOnFailure {
			continue
		}
		res.Status = models.StatusSkipped
		res.Error = reason
		ec.dispatched[next] = true
		skipped = append(skipped, res)
		queue = append(queue, ec.graph.Dependents(next)...)
	}
	return skipped
}

// depOutputs collects the outputs of id's direct dependencies keyed by
// dependency ID, for injection into the render variables.
func (ec *executionContext) depOutputs(id string) map[string]string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	out := make(map[string]string)
	for _, depID := range ec.graph.Dependencies(id) {
		if v, ok := ec.outputs[depID]; ok {
			out[depID] = v
		}
	}
	return out
}

// done reports whether every planned unit has reached a terminal status.
func (ec *executionContext) done() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	for _, id := range ec.plan.ordered {
		if !ec.results[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// markPendingSkipped forces every non-terminal planned unit to skipped,
// used when the run is cancelled.
func (ec *executionContext) markPendingSkipped(reason string) []*models.UnitRunResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	var skipped []*models.UnitRunResult
	for _, id := range ec.plan.ordered {
		res := ec.results[id]
		if res.Status.Terminal() {
			continue
		}
		res.Status = models.StatusSkipped
		res.Error = reason
		ec.dispatched[id] = true
		skipped = append(skipped, res)
	}
	return skipped
}

// snapshot copies the planned results in plan order for the manifest.
func (ec *executionContext) snapshot() []*models.UnitRunResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	out := make([]*models.UnitRunResult, 0, len(ec.plan.ordered))
	for _, id := range ec.plan.ordered {
		r := *ec.results[id]
		out = append(out, &r)
	}
	return out
}
