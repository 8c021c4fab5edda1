// Package orchestrator schedules prompt units over their dependency graph
// and coordinates rendering, model execution, and failure policy.
package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventUnitStarted indicates a unit was dispatched to a worker.
	EventUnitStarted EventType = "unit_started"
	// EventUnitSucceeded indicates a unit executed and produced output.
	EventUnitSucceeded EventType = "unit_succeeded"
	// EventUnitCached indicates a unit reused cached output.
	EventUnitCached EventType = "unit_cached"
	// EventUnitRetrying indicates a failed attempt will be retried after
	// backoff.
	EventUnitRetrying EventType = "unit_retrying"
	// EventUnitFailed indicates a unit failed after policy resolution.
	EventUnitFailed EventType = "unit_failed"
	// EventUnitSkipped indicates a unit was skipped, by policy or because
	// an upstream dependency failed.
	EventUnitSkipped EventType = "unit_skipped"
	// EventRunCompleted indicates the run reached its end.
	EventRunCompleted EventType = "run_completed"
)

// Event is emitted as units move through the run. Consumers (the CLI
// progress printer) must not block; delivery is best-effort.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// UnitID is the related unit, empty for run-level events.
	UnitID string
	// Attempt is the attempt number for retry events.
	Attempt int
	// Message provides additional context.
	Message string
	// Err contains error details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
