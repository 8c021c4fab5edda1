package models

import "time"

// RunStatus represents the state of a unit within a run.
type RunStatus string

const (
	// StatusPending indicates the unit has not been dispatched.
	StatusPending RunStatus = "pending"
	// StatusRunning indicates the unit is executing.
	StatusRunning RunStatus = "running"
	// StatusSuccess indicates the unit executed and produced output.
	StatusSuccess RunStatus = "success"
	// StatusFailed indicates the unit failed after policy resolution.
	StatusFailed RunStatus = "failed"
	// StatusSkipped indicates the unit did not execute, either by policy
	// or because an upstream dependency failed.
	StatusSkipped RunStatus = "skipped"
	// StatusCached indicates the unit reused the output of a prior
	// successful run.
	StatusCached RunStatus = "cached"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusSkipped, StatusCached:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final outcome.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusCached:
		return true
	default:
		return false
	}
}

// SelectionMode controls which units a run covers.
type SelectionMode string

const (
	// SelectAll runs every unit in the registry.
	SelectAll SelectionMode = "all"
	// SelectTarget runs a target unit plus its ancestor closure.
	SelectTarget SelectionMode = "target"
	// SelectChanged runs units whose definitions changed since their last
	// successful run, plus their descendant closure.
	SelectChanged SelectionMode = "changed-since"
)

// Valid returns true if the mode is a known value.
func (m SelectionMode) Valid() bool {
	switch m {
	case SelectAll, SelectTarget, SelectChanged:
		return true
	default:
		return false
	}
}

// UnitRunResult is the outcome of one unit within a run. It is created when
// the scheduler dispatches the unit, mutated on each attempt, and finalized
// on a terminal status.
type UnitRunResult struct {
	// UnitID identifies the unit.
	UnitID string `json:"unit_id"`
	// Status is the current state of the unit in this run.
	Status RunStatus `json:"status"`
	// Attempts is the number of execution attempts made.
	Attempts int `json:"attempts"`
	// StartedAt is when the unit was dispatched.
	StartedAt time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the unit reached a terminal status.
	CompletedAt time.Time `json:"completed_at,omitempty"`
	// Checksum is the unit's content hash at execution time.
	Checksum string `json:"checksum,omitempty"`
	// Output is the opaque payload consumed by dependents.
	Output string `json:"output,omitempty"`
	// Error holds the failure detail for failed or skipped units.
	Error string `json:"error,omitempty"`
	// Resolution records how the failure policy resolved the unit, e.g.
	// "use_cached after 3 attempts" or the skip reason for cached units.
	Resolution string `json:"resolution,omitempty"`
	// TokensIn and TokensOut are the model token counts for all attempts.
	TokensIn  int64 `json:"tokens_in,omitempty"`
	TokensOut int64 `json:"tokens_out,omitempty"`
	// CostUSD is the estimated API cost for all attempts.
	CostUSD float64 `json:"cost_usd,omitempty"`
	// Latency is the wall time of the successful attempt.
	Latency time.Duration `json:"latency,omitempty"`
}

// RunManifest is the persisted record of one run's per-unit outcomes.
type RunManifest struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`
	// Selection is the mode that chose the unit set.
	Selection SelectionMode `json:"selection"`
	// Target is the target unit for target selection, if any.
	Target string `json:"target,omitempty"`
	// DryRun indicates the run computed a plan without executing models.
	DryRun bool `json:"dry_run,omitempty"`
	// StartedAt and CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	// Success is true iff no unit ended failed after policy resolution.
	Success bool `json:"success"`
	// Results holds the per-unit outcomes in dispatch order.
	Results []*UnitRunResult `json:"results"`
}

// Result returns the result for the given unit, or nil if the unit was not
// part of this run.
func (m *RunManifest) Result(unitID string) *UnitRunResult {
	for _, r := range m.Results {
		if r.UnitID == unitID {
			return r
		}
	}
	return nil
}

// Counts returns the number of results per terminal status.
func (m *RunManifest) Counts() map[RunStatus]int {
	counts := make(map[RunStatus]int)
	for _, r := range m.Results {
		counts[r.Status]++
	}
	return counts
}
