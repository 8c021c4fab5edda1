package orchestrator

import (
	"fmt"

	"github.com/ShayCichocki/weft/pkg/models"
)

// RunRequest describes one invocation of the orchestrator.
type RunRequest struct {
	// Selection picks how the unit set is chosen.
	Selection models.SelectionMode
	// Target names the unit for target selection. Ignored otherwise.
	Target string
	// Force bypasses freshness for every selected unit.
	Force bool
	// MaxParallelism overrides the orchestrator's worker cap when >= 1.
	MaxParallelism int
	// DryRun resolves the plan without calling the model or persisting.
	DryRun bool
	// Variables are merged over each unit's declared variables at render
	// time.
	Variables map[string]string
}

// plan is the resolved set of units for a run, in topological order.
type plan struct {
	// ordered holds the selected unit IDs, dependencies first.
	ordered []string
	// selected marks membership for O(1) lookups.
	selected map[string]bool
}

func (p *plan) contains(id string) bool {
	return p.selected[id]
}

// buildPlan resolves a selection into the concrete unit set.
//
// all: every registered unit. target: the target plus its transitive
// dependencies. changed-since: every unit whose checksum no longer
// matches its last successful run (or that never ran), plus everything
// downstream of those.
func (o *Orchestrator) buildPlan(req RunRequest) (*plan, error) {
	var ids []string

	switch req.Selection {
	case models.SelectAll, "":
		ids = o.graph.IDs()

	case models.SelectTarget:
		if req.Target == "" {
			return nil, fmt.Errorf("target selection requires a unit name")
		}
		if o.graph.Unit(req.Target) == nil {
			return nil, fmt.Errorf("unknown unit %q", req.Target)
		}
		ancestors, err := o.graph.Ancestors(req.Target)
		if err != nil {
			return nil, err
		}
		ids = append(ancestors, req.Target)

	case models.SelectChanged:
		dirty, err := o.recorder.DirtyUnits(o.registry.Units())
		if err != nil {
			return nil, fmt.Errorf("resolve changed units: %w", err)
		}
		seen := make(map[string]bool)
		for _, d := range dirty {
			if !seen[d.UnitID] {
				seen[d.UnitID] = true
				ids = append(ids, d.UnitID)
			}
			descendants, err := o.graph.Descendants(d.UnitID)
			if err != nil {
				return nil, err
			}
			for _, id := range descendants {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}

	default:
		return nil, fmt.Errorf("unknown selection mode %q", req.Selection)
	}

	ordered := o.graph.TopologicalOrder(ids)
	selected := make(map[string]bool, len(ordered))
	for _, id := range ordered {
		selected[id] = true
	}

	o.debugLog.Log("[plan] selection=%s target=%s resolved %d units", req.Selection, req.Target, len(ordered))
	return &plan{ordered: ordered, selected: selected}, nil
}
