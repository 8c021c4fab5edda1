package models

import "time"

// MaterializationPolicy controls whether a unit's output is recomputed or
// reused across runs.
type MaterializationPolicy string

const (
	// MaterializeFull always executes the unit, never reusing cached output.
	MaterializeFull MaterializationPolicy = "full"
	// MaterializeView always executes the unit; views are treated as cheap
	// and recomputed on every run.
	MaterializeView MaterializationPolicy = "view"
	// MaterializeIncremental reuses cached output when the unit and its
	// dependencies are unchanged since the last successful run.
	MaterializeIncremental MaterializationPolicy = "incremental"
)

// Valid returns true if the policy is a known value.
func (p MaterializationPolicy) Valid() bool {
	switch p {
	case MaterializeFull, MaterializeView, MaterializeIncremental:
		return true
	default:
		return false
	}
}

// ExhaustionAction is what the failure policy does once the retry budget
// for a unit is spent.
type ExhaustionAction string

const (
	// ActionFail marks the unit failed and propagates to dependents.
	ActionFail ExhaustionAction = "fail"
	// ActionUseCached reuses the last successful output if one exists,
	// falling back to fail otherwise.
	ActionUseCached ExhaustionAction = "use_cached"
	// ActionSkip marks the unit skipped; dependents requiring its output
	// are skipped too unless they declare continue_on_failure.
	ActionSkip ExhaustionAction = "skip"
)

// Valid returns true if the action is a known value.
func (a ExhaustionAction) Valid() bool {
	switch a {
	case ActionFail, ActionUseCached, ActionSkip:
		return true
	default:
		return false
	}
}

// ModelConfig holds the model settings a unit executes with.
type ModelConfig struct {
	// Name is the model identifier (e.g. a Claude model name).
	Name string `json:"name" yaml:"name"`
	// MaxTokens caps the response length.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`
	// Temperature is the sampling temperature.
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// FailurePolicy holds the per-unit retry and fallback configuration.
type FailurePolicy struct {
	// MaxAttempts is the total number of execution attempts before the
	// exhaustion action fires. Minimum 1.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`
	// BackoffCap bounds the backoff delay.
	BackoffCap time.Duration `json:"backoff_cap" yaml:"backoff_cap"`
	// OnExhausted is the action taken once MaxAttempts is spent.
	OnExhausted ExhaustionAction `json:"on_exhausted" yaml:"on_exhausted"`
}

// Unit is a named prompt definition that may declare dependencies on other
// units. Units are immutable for the duration of a run; they are created at
// registry load.
type Unit struct {
	// ID is the unique identifier for this unit.
	ID string `json:"id"`
	// Version is the declared version string.
	Version string `json:"version"`
	// Description is an optional human-readable summary.
	Description string `json:"description,omitempty"`
	// Tags are optional labels used for grouping.
	Tags []string `json:"tags,omitempty"`
	// DependsOn lists unit IDs whose outputs this unit consumes, in
	// declaration order. References are resolved at load time.
	DependsOn []string `json:"depends_on,omitempty"`
	// Template is the opaque prompt body consumed by the renderer.
	Template string `json:"template"`
	// Variables is the declared variable schema for the template.
	Variables []string `json:"variables,omitempty"`
	// Materialized controls cache reuse across runs.
	Materialized MaterializationPolicy `json:"materialized"`
	// Model holds the execution model settings.
	Model ModelConfig `json:"model"`
	// Policy holds the retry and fallback configuration.
	Policy FailurePolicy `json:"policy"`
	// ContinueOnFailure lets this unit run with missing inputs when a
	// dependency fails or is skipped.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`
	// Checksum is the content hash over template, variable schema, and
	// model config, computed at load.
	Checksum string `json:"checksum"`
	// Path is the source document this unit was loaded from.
	Path string `json:"path,omitempty"`
}
