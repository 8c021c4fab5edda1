package orchestrator

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/weft/internal/api"
	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/internal/registry"
	"github.com/ShayCichocki/weft/internal/render"
	"github.com/ShayCichocki/weft/internal/state"
)

const (
	defaultMaxParallelism = 4
	eventBufferSize       = 256
)

// Direction selects which side of a unit's lineage to walk.
type Direction string

const (
	DirectionUpstream   Direction = "upstream"
	DirectionDownstream Direction = "downstream"
)

// Orchestrator coordinates unit execution over the dependency graph.
// It owns the worker dispatch loop, retry policy application, and
// manifest recording for each run.
type Orchestrator struct {
	registry *registry.Registry
	graph    *graph.Graph
	store    state.RunStore
	recorder *state.Recorder
	renderer render.Renderer
	executor api.ModelExecutor

	maxParallelism int
	attemptTimeout time.Duration
	events         chan Event
	debugLog       *DebugLogger
}

// Option configures optional orchestrator behavior.
type Option func(*Orchestrator)

// WithMaxParallelism caps the number of units executing concurrently.
// Values below 1 fall back to the default.
func WithMaxParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n >= 1 {
			o.maxParallelism = n
		}
	}
}

// WithAttemptTimeout bounds each model call. Zero means no per-attempt
// timeout beyond the run context.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.attemptTimeout = d
		}
	}
}

// WithDebugLogger attaches a debug logger to the orchestrator.
func WithDebugLogger(logger *DebugLogger) Option {
	return func(o *Orchestrator) {
		o.debugLog = logger
	}
}

// New builds an orchestrator over the registry's units. The dependency
// graph is constructed eagerly so unresolved references and cycles
// surface here, before any unit is dispatched.
func New(reg *registry.Registry, store state.RunStore, renderer render.Renderer, executor api.ModelExecutor, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		registry:       reg,
		store:          store,
		recorder:       state.NewRecorder(store),
		renderer:       renderer,
		executor:       executor,
		maxParallelism: defaultMaxParallelism,
		events:         make(chan Event, eventBufferSize),
	}
	for _, opt := range opts {
		opt(o)
	}

	g := graph.New()
	g.SetDebugLog(func(format string, args ...interface{}) {
		o.debugLog.Log(format, args...)
	})
	if err := g.Build(reg.Units()); err != nil {
		return nil, err
	}
	o.graph = g

	return o, nil
}

// Events returns the channel carrying progress events for the current
// run. Events are emitted best-effort: slow consumers drop events
// rather than stall execution.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Graph exposes the built dependency graph for read-only inspection.
func (o *Orchestrator) Graph() *graph.Graph {
	return o.graph
}

// Deps returns the transitive lineage of target in the given direction,
// ordered so that dependencies precede dependents. The target itself is
// included.
func (o *Orchestrator) Deps(target string, direction Direction) ([]string, error) {
	if o.graph.Unit(target) == nil {
		return nil, fmt.Errorf("unknown unit %q", target)
	}

	var closure []string
	var err error
	switch direction {
	case DirectionUpstream:
		closure, err = o.graph.Ancestors(target)
	case DirectionDownstream:
		closure, err = o.graph.Descendants(target)
	default:
		return nil, fmt.Errorf("unknown direction %q", direction)
	}
	if err != nil {
		return nil, err
	}

	return o.graph.TopologicalOrder(append(closure, target)), nil
}

// emit publishes an event without blocking the run loop.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.debugLog.Log("event dropped: %s %s", ev.Type, ev.UnitID)
	}
}
