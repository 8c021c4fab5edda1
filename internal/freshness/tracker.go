// Package freshness decides whether a unit's cached output may be reused
// for a run, based on its materialization policy and content hash.
package freshness

import (
	"fmt"

	"github.com/ShayCichocki/weft/pkg/models"
)

// Store is the slice of run storage the tracker needs: the last successful
// result per unit, carrying the recorded checksum and output.
type Store interface {
	// LatestResult returns the most recent successful result for a unit,
	// or nil if the unit has never completed successfully.
	LatestResult(unitID string) (*models.UnitRunResult, error)
}

// Decision is the outcome of a freshness check.
type Decision struct {
	// Skip is true when cached output may be reused.
	Skip bool
	// Reason explains the decision, recorded on the run result.
	Reason string
	// Prior is the last successful result; set when Skip is true so the
	// scheduler can copy the output forward.
	Prior *models.UnitRunResult
}

// Tracker evaluates skip decisions against prior run results.
type Tracker struct {
	store Store
	force bool
}

// New creates a tracker. When force is true every unit executes regardless
// of policy, for explicitly targeted re-runs.
func New(store Store, force bool) *Tracker {
	return &Tracker{store: store, force: force}
}

// Evaluate decides whether the unit may reuse cached output. deps are the
// unit's direct dependencies; an incremental unit only skips when it and
// every dependency are unchanged since their last successful runs.
func (t *Tracker) Evaluate(unit *models.Unit, deps []*models.Unit) (Decision, error) {
	if t.force {
		return Decision{Reason: "forced"}, nil
	}

	switch unit.Materialized {
	case models.MaterializeFull:
		return Decision{Reason: "full materialization always executes"}, nil
	case models.MaterializeView:
		return Decision{Reason: "views are always recomputed"}, nil
	}

	prior, err := t.store.LatestResult(unit.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading latest result for %s: %w", unit.ID, err)
	}
	if prior == nil {
		return Decision{Reason: "no prior successful run"}, nil
	}
	if prior.Checksum != unit.Checksum {
		return Decision{Reason: "definition changed"}, nil
	}

	for _, dep := range deps {
		depPrior, err := t.store.LatestResult(dep.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("loading latest result for %s: %w", dep.ID, err)
		}
		if depPrior == nil || depPrior.Checksum != dep.Checksum {
			return Decision{Reason: fmt.Sprintf("dependency %s changed", dep.ID)}, nil
		}
	}

	return Decision{
		Skip:   true,
		Reason: "unchanged since last successful run",
		Prior:  prior,
	}, nil
}
