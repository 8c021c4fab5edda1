package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/weft/internal/api"
	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/internal/registry"
	"github.com/ShayCichocki/weft/internal/render"
	"github.com/ShayCichocki/weft/pkg/models"
)

// fakeStore is an in-memory RunStore.
type fakeStore struct {
	mu     sync.Mutex
	latest map[string]*models.UnitRunResult
	saved  []*models.RunManifest
}

func newFakeStore() *fakeStore {
	return &fakeStore{latest: make(map[string]*models.UnitRunResult)}
}

func (s *fakeStore) SaveManifest(m *models.RunManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, m)
	return nil
}

func (s *fakeStore) GetManifest(runID string) (*models.RunManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.saved {
		if m.RunID == runID {
			return m, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListManifests(limit int) ([]*models.RunManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved, nil
}

func (s *fakeStore) LatestResult(unitID string) (*models.UnitRunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[unitID], nil
}

func (s *fakeStore) Migrate() error { return nil }
func (s *fakeStore) Close() error   { return nil }

func (s *fakeStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// recordingExecutor records prompts in call order and delegates behavior
// to a per-call function. The default behavior succeeds with
// "output-of-<id>".
type recordingExecutor struct {
	mu       sync.Mutex
	order    []string
	attempts map[string]int
	prompts  map[string]string
	fn       func(unitID string, attempt int) (string, error)
}

func newRecordingExecutor(fn func(unitID string, attempt int) (string, error)) *recordingExecutor {
	return &recordingExecutor{
		attempts: make(map[string]int),
		prompts:  make(map[string]string),
		fn:       fn,
	}
}

// unitFromPrompt relies on test templates starting with "unit:<id>".
func unitFromPrompt(prompt string) string {
	first := strings.SplitN(prompt, "\n", 2)[0]
	return strings.TrimPrefix(first, "unit:")
}

func (e *recordingExecutor) Execute(ctx context.Context, prompt string, cfg models.ModelConfig) (*api.ExecutionResult, error) {
	id := unitFromPrompt(prompt)

	e.mu.Lock()
	if e.attempts[id] == 0 {
		e.order = append(e.order, id)
	}
	e.attempts[id]++
	attempt := e.attempts[id]
	e.prompts[id] = prompt
	fn := e.fn
	e.mu.Unlock()

	if fn == nil {
		fn = func(unitID string, attempt int) (string, error) {
			return "output-of-" + unitID, nil
		}
	}
	out, err := fn(id, attempt)
	if err != nil {
		return nil, err
	}
	return &api.ExecutionResult{
		Output:    out,
		TokensIn:  10,
		TokensOut: 20,
		CostUSD:   0.0003,
		Latency:   time.Millisecond,
	}, nil
}

func (e *recordingExecutor) attemptCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[id]
}

func (e *recordingExecutor) promptFor(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prompts[id]
}

func (e *recordingExecutor) positions() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := make(map[string]int, len(e.order))
	for i, id := range e.order {
		pos[id] = i
	}
	return pos
}

// stallExecutor blocks until the attempt context expires on its first
// call and succeeds on later calls.
type stallExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *stallExecutor) Execute(ctx context.Context, prompt string, cfg models.ModelConfig) (*api.ExecutionResult, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()

	if n == 1 {
		<-ctx.Done()
		return nil, &api.ExecutionError{Model: cfg.Name, Timeout: true, Err: ctx.Err()}
	}
	return &api.ExecutionResult{Output: "recovered", TokensIn: 1, TokensOut: 1}, nil
}

func (e *stallExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testUnit(id string, deps ...string) *models.Unit {
	var b strings.Builder
	fmt.Fprintf(&b, "unit:%s", id)
	for _, d := range deps {
		fmt.Fprintf(&b, "\n{{ %s }}", d)
	}
	return &models.Unit{
		ID:           id,
		DependsOn:    deps,
		Template:     b.String(),
		Variables:    deps,
		Materialized: models.MaterializeView,
		Checksum:     "sum-" + id,
		Policy:       models.FailurePolicy{MaxAttempts: 1, OnExhausted: models.ActionFail},
	}
}

func diamond() []*models.Unit {
	return []*models.Unit{
		testUnit("a"),
		testUnit("b", "a"),
		testUnit("c", "a"),
		testUnit("d", "b", "c"),
	}
}

func newTestOrchestrator(t *testing.T, units []*models.Unit, store *fakeStore, exec api.ModelExecutor, opts ...Option) *Orchestrator {
	t.Helper()
	reg, err := registry.NewRegistry(units)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	o, err := New(reg, store, render.NewTemplateRenderer(), exec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestRunDiamondOrdering(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(nil)
	o := newTestOrchestrator(t, diamond(), store, exec)

	m, err := o.Run(context.Background(), RunRequest{Selection: models.SelectAll})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.Success {
		t.Fatalf("expected successful run, got %+v", m)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		res := m.Result(id)
		if res == nil || res.Status != models.StatusSuccess {
			t.Errorf("unit %s: expected success, got %+v", id, res)
		}
	}

	pos := exec.positions()
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] {
		t.Errorf("a must execute before b and c: %v", pos)
	}
	if pos["d"] < pos["b"] || pos["d"] < pos["c"] {
		t.Errorf("d must execute after b and c: %v", pos)
	}

	if store.savedCount() != 1 {
		t.Errorf("expected 1 saved manifest, got %d", store.savedCount())
	}
}

func TestRunDependencyOutputInjected(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(nil)
	o := newTestOrchestrator(t, []*models.Unit{testUnit("a"), testUnit("b", "a")}, store, exec)

	if _, err := o.Run(context.Background(), RunRequest{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	prompt := exec.promptFor("b")
	if !strings.Contains(prompt, "output-of-a") {
		t.Errorf("b's prompt should contain a's output, got %q", prompt)
	}
}

func TestRunIndependentUnitsOverlap(t *testing.T) {
	store := newFakeStore()

	// b and c each wait for the other to start. A serial scheduler would
	// hit the timeout.
	var wg sync.WaitGroup
	wg.Add(2)
	bothStarted := make(chan struct{})
	go func() {
		wg.Wait()
		close(bothStarted)
	}()
	exec := newRecordingExecutor(func(unitID string, attempt int) (string, error) {
		if unitID == "b" || unitID == "c" {
			wg.Done()
			select {
			case <-bothStarted:
			case <-time.After(2 * time.Second):
				return "", errors.New("peer never started")
			}
		}
		return "output-of-" + unitID, nil
	})

	o := newTestOrchestrator(t, diamond(), store, exec, WithMaxParallelism(2))
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.Success {
		t.Fatalf("expected b and c to run concurrently, run failed: %+v", m.Counts())
	}
}

func TestRunFailureCascadesToDependents(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(func(unitID string, attempt int) (string, error) {
		if unitID == "b" {
			return "", errors.New("model unavailable")
		}
		return "output-of-" + unitID, nil
	})

	// a feeds b and c; d needs b, e needs c.
	units := []*models.Unit{
		testUnit("a"),
		testUnit("b", "a"),
		testUnit("c", "a"),
		testUnit("d", "b"),
		testUnit("e", "c"),
	}
	units[1].Policy = models.FailurePolicy{MaxAttempts: 2, OnExhausted: models.ActionFail}

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Success {
		t.Error("run with a failed unit must not be successful")
	}
	if res := m.Result("b"); res.Status != models.StatusFailed || res.Attempts != 2 {
		t.Errorf("b: expected failed after 2 attempts, got %+v", res)
	}
	if res := m.Result("d"); res.Status != models.StatusSkipped {
		t.Errorf("d: expected skipped, got %+v", res)
	}
	if res := m.Result("e"); res.Status != models.StatusSuccess {
		t.Errorf("e: expected success on the unaffected branch, got %+v", res)
	}
	if calls := exec.attemptCount("d"); calls != 0 {
		t.Errorf("d must not execute, got %d calls", calls)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(func(unitID string, attempt int) (string, error) {
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "output-of-" + unitID, nil
	})

	units := []*models.Unit{testUnit("a")}
	units[0].Policy = models.FailurePolicy{MaxAttempts: 3, OnExhausted: models.ActionFail}

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := m.Result("a")
	if res.Status != models.StatusSuccess {
		t.Fatalf("expected success on third attempt, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if calls := exec.attemptCount("a"); calls != 3 {
		t.Errorf("expected 3 executor calls, got %d", calls)
	}
}

func TestRunAttemptTimeoutRetriesUnderPolicy(t *testing.T) {
	store := newFakeStore()
	exec := &stallExecutor{}

	units := []*models.Unit{testUnit("a")}
	units[0].Policy = models.FailurePolicy{MaxAttempts: 2, OnExhausted: models.ActionFail}

	o := newTestOrchestrator(t, units, store, exec, WithAttemptTimeout(20*time.Millisecond))
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("an attempt deadline must not cancel the run: %v", err)
	}

	res := m.Result("a")
	if res.Status != models.StatusSuccess {
		t.Fatalf("expected success on the retry after a timed-out attempt, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.Attempts)
	}
	if res.Resolution == "run cancelled" {
		t.Error("attempt timeout misclassified as run cancellation")
	}
	if exec.callCount() != 2 {
		t.Errorf("expected 2 executor calls, got %d", exec.callCount())
	}
}

func TestRunAttemptTimeoutExhaustsPolicy(t *testing.T) {
	store := newFakeStore()
	exec := &stallExecutor{}

	units := []*models.Unit{testUnit("a")}
	units[0].Policy = models.FailurePolicy{MaxAttempts: 1, OnExhausted: models.ActionFail}

	o := newTestOrchestrator(t, units, store, exec, WithAttemptTimeout(20*time.Millisecond))
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := m.Result("a")
	if res.Status != models.StatusFailed {
		t.Fatalf("expected failure after the single timed-out attempt, got %+v", res)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error should surface the timeout, got %q", res.Error)
	}
}

func TestRunTargetSelectsClosureOnly(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(nil)
	o := newTestOrchestrator(t, diamond(), store, exec)

	m, err := o.Run(context.Background(), RunRequest{Selection: models.SelectTarget, Target: "b"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(m.Results) != 2 {
		t.Fatalf("expected 2 results (a, b), got %d", len(m.Results))
	}
	for _, id := range []string{"c", "d"} {
		if m.Result(id) != nil {
			t.Errorf("unit %s must not be part of a b-targeted run", id)
		}
		if exec.attemptCount(id) != 0 {
			t.Errorf("unit %s must not execute", id)
		}
	}
}

func TestRunChangedSelectsDirtyAndDescendants(t *testing.T) {
	store := newFakeStore()
	// a, c, and d last succeeded with their current checksums; b's
	// definition changed since its last successful run.
	store.latest["a"] = &models.UnitRunResult{UnitID: "a", Status: models.StatusSuccess, Checksum: "sum-a", Output: "recorded output of a"}
	store.latest["b"] = &models.UnitRunResult{UnitID: "b", Status: models.StatusSuccess, Checksum: "old-sum", Output: "old"}
	store.latest["c"] = &models.UnitRunResult{UnitID: "c", Status: models.StatusSuccess, Checksum: "sum-c", Output: "output-of-c"}
	store.latest["d"] = &models.UnitRunResult{UnitID: "d", Status: models.StatusSuccess, Checksum: "sum-d", Output: "old-d"}
	exec := newRecordingExecutor(nil)

	// a feeds b, b feeds d; c is independent.
	units := []*models.Unit{
		testUnit("a"),
		testUnit("b", "a"),
		testUnit("c"),
		testUnit("d", "b"),
	}

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{Selection: models.SelectChanged})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Selection != models.SelectChanged {
		t.Errorf("selection not recorded: %q", m.Selection)
	}
	if len(m.Results) != 2 {
		t.Fatalf("expected exactly b and d in the run, got %d results", len(m.Results))
	}
	for _, id := range []string{"b", "d"} {
		if res := m.Result(id); res == nil || res.Status != models.StatusSuccess {
			t.Errorf("unit %s: expected success, got %+v", id, res)
		}
	}
	for _, id := range []string{"a", "c"} {
		if m.Result(id) != nil {
			t.Errorf("up-to-date unit %s must not be part of the run", id)
		}
		if exec.attemptCount(id) != 0 {
			t.Errorf("up-to-date unit %s must not execute", id)
		}
	}

	// b's out-of-plan dependency renders from the recorded output.
	if prompt := exec.promptFor("b"); !strings.Contains(prompt, "recorded output of a") {
		t.Errorf("b should render against a's recorded output, got %q", prompt)
	}
}

func TestRunIncrementalReusesCachedOutput(t *testing.T) {
	store := newFakeStore()
	store.latest["a"] = &models.UnitRunResult{
		UnitID:   "a",
		Status:   models.StatusSuccess,
		Checksum: "sum-a",
		Output:   "cached output",
	}
	exec := newRecordingExecutor(nil)

	units := []*models.Unit{testUnit("a")}
	units[0].Materialized = models.MaterializeIncremental

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := m.Result("a")
	if res.Status != models.StatusCached {
		t.Fatalf("expected cached, got %+v", res)
	}
	if res.Output != "cached output" {
		t.Errorf("cached output not carried forward: %q", res.Output)
	}
	if exec.attemptCount("a") != 0 {
		t.Error("executor must not be called for a fresh incremental unit")
	}
	if !m.Success {
		t.Error("a fully cached run is successful")
	}
}

func TestRunForceBypassesFreshness(t *testing.T) {
	store := newFakeStore()
	store.latest["a"] = &models.UnitRunResult{
		UnitID:   "a",
		Status:   models.StatusSuccess,
		Checksum: "sum-a",
		Output:   "stale",
	}
	exec := newRecordingExecutor(nil)

	units := []*models.Unit{testUnit("a")}
	units[0].Materialized = models.MaterializeIncremental

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{Force: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res := m.Result("a"); res.Status != models.StatusSuccess || res.Output != "output-of-a" {
		t.Errorf("forced unit must re-execute, got %+v", res)
	}
}

func TestRunDryRunExecutesNothing(t *testing.T) {
	store := newFakeStore()
	store.latest["a"] = &models.UnitRunResult{
		UnitID:   "a",
		Status:   models.StatusSuccess,
		Checksum: "sum-a",
		Output:   "cached output",
	}
	exec := newRecordingExecutor(nil)

	units := diamond()
	units[0].Materialized = models.MaterializeIncremental

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !m.DryRun {
		t.Error("manifest must be marked dry-run")
	}
	if res := m.Result("a"); res.Status != models.StatusCached {
		t.Errorf("a would be cached, got %+v", res)
	}
	if res := m.Result("b"); res.Status != models.StatusPending {
		t.Errorf("b would execute, expected pending, got %+v", res)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if exec.attemptCount(id) != 0 {
			t.Errorf("dry run must not execute %s", id)
		}
	}
	if store.savedCount() != 0 {
		t.Error("dry run manifests must not be persisted")
	}
}

func TestRunUseCachedExhaustion(t *testing.T) {
	store := newFakeStore()
	store.latest["a"] = &models.UnitRunResult{
		UnitID:   "a",
		Status:   models.StatusSuccess,
		Checksum: "old-sum",
		Output:   "last good output",
	}
	exec := newRecordingExecutor(func(unitID string, attempt int) (string, error) {
		return "", errors.New("model unavailable")
	})

	units := []*models.Unit{testUnit("a")}
	units[0].Policy = models.FailurePolicy{MaxAttempts: 2, OnExhausted: models.ActionUseCached}

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := m.Result("a")
	if res.Status != models.StatusCached {
		t.Fatalf("expected cached resolution, got %+v", res)
	}
	if res.Output != "last good output" {
		t.Errorf("expected prior output, got %q", res.Output)
	}
	if !strings.Contains(res.Resolution, "use_cached after 2 attempts") {
		t.Errorf("resolution not recorded: %q", res.Resolution)
	}
	if !m.Success {
		t.Error("use_cached resolution must not fail the run")
	}
}

func TestRunUseCachedWithoutPriorFails(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(func(unitID string, attempt int) (string, error) {
		return "", errors.New("model unavailable")
	})

	units := []*models.Unit{testUnit("a")}
	units[0].Policy = models.FailurePolicy{MaxAttempts: 1, OnExhausted: models.ActionUseCached}

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res := m.Result("a"); res.Status != models.StatusFailed {
		t.Errorf("use_cached without prior output must fail, got %+v", res)
	}
}

func TestRunSkipExhaustion(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(func(unitID string, attempt int) (string, error) {
		if unitID == "a" {
			return "", errors.New("model unavailable")
		}
		return "output-of-" + unitID, nil
	})

	units := []*models.Unit{testUnit("a"), testUnit("b", "a")}
	units[0].Policy = models.FailurePolicy{MaxAttempts: 1, OnExhausted: models.ActionSkip}

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res := m.Result("a"); res.Status != models.StatusSkipped {
		t.Errorf("a: expected skipped, got %+v", res)
	}
	if res := m.Result("b"); res.Status != models.StatusSkipped {
		t.Errorf("b: dependents of a skipped unit are skipped, got %+v", res)
	}
	if !m.Success {
		t.Error("skips alone must not fail the run")
	}
}

func TestRunContinueOnFailure(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(func(unitID string, attempt int) (string, error) {
		if unitID == "a" {
			return "", errors.New("model unavailable")
		}
		return "output-of-" + unitID, nil
	})

	b := testUnit("b", "a")
	b.Template = "unit:b"
	b.Variables = nil
	b.ContinueOnFailure = true

	o := newTestOrchestrator(t, []*models.Unit{testUnit("a"), b}, store, exec)
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res := m.Result("b"); res.Status != models.StatusSuccess {
		t.Errorf("b opted into running past failures, got %+v", res)
	}
	if m.Success {
		t.Error("a's failure still fails the run")
	}
}

func TestRunTemplateErrorSkipsRetries(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(nil)

	units := []*models.Unit{testUnit("a")}
	units[0].Template = "needs {{ missing }}"
	units[0].Variables = []string{"missing"}
	units[0].Policy = models.FailurePolicy{MaxAttempts: 5, OnExhausted: models.ActionFail}

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := m.Result("a")
	if res.Status != models.StatusFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Attempts != 0 {
		t.Errorf("render failures must not consume attempts, got %d", res.Attempts)
	}
	if exec.attemptCount("a") != 0 {
		t.Error("executor must not be called when rendering fails")
	}

	var terr *render.TemplateError
	if _, err := render.NewTemplateRenderer().Render(units[0], nil); !errors.As(err, &terr) {
		t.Errorf("expected TemplateError, got %v", err)
	}
}

func TestRunVariableOverrides(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(nil)

	units := []*models.Unit{testUnit("a")}
	units[0].Template = "unit:a\ntone: {{ tone }}"
	units[0].Variables = []string{"tone"}

	o := newTestOrchestrator(t, units, store, exec)
	m, err := o.Run(context.Background(), RunRequest{Variables: map[string]string{"tone": "formal"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.Success {
		t.Fatalf("run failed: %+v", m.Result("a"))
	}
	if prompt := exec.promptFor("a"); !strings.Contains(prompt, "tone: formal") {
		t.Errorf("variable not substituted: %q", prompt)
	}
}

func TestRunCancellation(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	exec := newRecordingExecutor(func(unitID string, attempt int) (string, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "", context.Canceled
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	o := newTestOrchestrator(t, []*models.Unit{testUnit("a"), testUnit("b", "a")}, store, exec)
	m, err := o.Run(ctx, RunRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m == nil {
		t.Fatal("cancelled runs still return their manifest")
	}
	if res := m.Result("b"); res.Status != models.StatusSkipped {
		t.Errorf("pending units are skipped on cancellation, got %+v", res)
	}
}

func TestNewRejectsCycles(t *testing.T) {
	units := []*models.Unit{testUnit("a", "b"), testUnit("b", "a")}
	reg, err := registry.NewRegistry(units)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	_, err = New(reg, newFakeStore(), render.NewTemplateRenderer(), newRecordingExecutor(nil))
	var cerr *graph.CyclicDependencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
}

func TestDeps(t *testing.T) {
	o := newTestOrchestrator(t, diamond(), newFakeStore(), newRecordingExecutor(nil))

	up, err := o.Deps("d", DirectionUpstream)
	if err != nil {
		t.Fatalf("Deps upstream: %v", err)
	}
	if len(up) != 4 || up[0] != "a" || up[3] != "d" {
		t.Errorf("upstream of d should order a first and d last: %v", up)
	}

	down, err := o.Deps("a", DirectionDownstream)
	if err != nil {
		t.Fatalf("Deps downstream: %v", err)
	}
	if len(down) != 4 || down[0] != "a" || down[3] != "d" {
		t.Errorf("downstream of a covers the whole diamond in order: %v", down)
	}

	leaf, err := o.Deps("b", DirectionDownstream)
	if err != nil {
		t.Fatalf("Deps downstream leaf: %v", err)
	}
	if len(leaf) != 2 || leaf[0] != "b" || leaf[1] != "d" {
		t.Errorf("downstream of b is b then d: %v", leaf)
	}

	if _, err := o.Deps("nope", DirectionUpstream); err == nil {
		t.Error("unknown target must error")
	}
}

func TestRunPlanErrorCompletesEventStream(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, diamond(), store, newRecordingExecutor(nil))

	m, err := o.Run(context.Background(), RunRequest{Selection: models.SelectTarget, Target: "nope"})
	if err == nil {
		t.Fatal("expected an error for an unknown target")
	}
	if m != nil {
		t.Errorf("no manifest for an unplannable run, got %+v", m)
	}

	// Consumers range over events until run_completed; it must arrive
	// even when planning fails.
	for {
		select {
		case ev := <-o.Events():
			if ev.Type == EventRunCompleted {
				if ev.Err == nil {
					t.Error("completion event should carry the plan error")
				}
				return
			}
		default:
			t.Fatal("run_completed not emitted after a plan failure")
		}
	}
}

func TestRunEmitsEvents(t *testing.T) {
	store := newFakeStore()
	exec := newRecordingExecutor(nil)
	o := newTestOrchestrator(t, []*models.Unit{testUnit("a")}, store, exec)

	if _, err := o.Run(context.Background(), RunRequest{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := make(map[EventType]bool)
	for {
		select {
		case ev := <-o.Events():
			seen[ev.Type] = true
			if ev.Type == EventRunCompleted {
				if !seen[EventUnitStarted] || !seen[EventUnitSucceeded] {
					t.Errorf("missing lifecycle events before completion: %v", seen)
				}
				return
			}
		default:
			t.Fatalf("event channel drained before run_completed: %v", seen)
		}
	}
}
