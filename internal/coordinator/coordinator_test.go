package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"crucible/internal/agentpool"
	"crucible/internal/domain"
	"crucible/internal/eventbus"
	"crucible/internal/iteration"
	"crucible/internal/replan"
	"crucible/internal/store/sqlite"
	"crucible/internal/taskqueue"
)

type fakePlanner struct {
	decomp domain.Decomposition
	err    error
}

func (p *fakePlanner) Plan(ctx context.Context, project domain.Project) (domain.Decomposition, error) {
	if p.err != nil {
		return domain.Decomposition{}, p.err
	}
	return p.decomp, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	started  []string
	fn       func(task domain.Task) (iteration.Outcome, error)
	release  chan struct{}
	stopSeen []error // ctx.Err() observed when the stop signal fired
}

func (r *fakeRunner) Run(ctx context.Context, task domain.Task, stop <-chan struct{}) (iteration.Outcome, error) {
	r.mu.Lock()
	r.started = append(r.started, task.ID)
	r.mu.Unlock()
	if r.release != nil {
		select {
		case <-r.release:
		case <-stop:
			r.mu.Lock()
			r.stopSeen = append(r.stopSeen, ctx.Err())
			r.mu.Unlock()
			return iteration.Outcome{}, iteration.ErrStopRequested
		case <-ctx.Done():
			return iteration.Outcome{}, ctx.Err()
		}
	}
	out := success(1)
	var err error
	if r.fn != nil {
		out, err = r.fn(task)
	}
	for i := range out.Records {
		if out.Records[i].TaskID == "" {
			out.Records[i].TaskID = task.ID
		}
	}
	return out, err
}

func (r *fakeRunner) startedTasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func success(iterations int) iteration.Outcome {
	return iteration.Outcome{
		Kind:       iteration.OutcomeSuccess,
		Iterations: iterations,
		TokensUsed: 100 * iterations,
		Records: []domain.IterationRecord{
			{Iteration: iterations, Success: true},
		},
	}
}

func escalated(reason string) iteration.Outcome {
	return iteration.Outcome{
		Kind:       iteration.OutcomeEscalated,
		Reason:     reason,
		Iterations: 3,
		Records: []domain.IterationRecord{
			{Iteration: 1}, {Iteration: 2}, {Iteration: 3},
		},
	}
}

type fixture struct {
	store *sqlite.Store
	queue *taskqueue.Queue
	pool  *agentpool.Pool
	bus   *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "crucible.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool := agentpool.New(agentpool.Config{TotalSlots: 4})
	t.Cleanup(pool.Close)
	return &fixture{
		store: store,
		queue: taskqueue.New(),
		pool:  pool,
		bus:   eventbus.New(nil),
	}
}

func (f *fixture) coordinator(t *testing.T, planner Planner, runner Runner, rp Replanner, cfg Config) *Coordinator {
	t.Helper()
	project := domain.Project{ID: "p1", Name: "demo", Mode: domain.ProjectModeGenesis}
	if err := f.store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return New(project, f.store, planner, runner, f.pool, rp, f.queue, f.bus, cfg, nil)
}

func task(id, featureID string, priority int, deps ...string) domain.Task {
	return domain.Task{
		ID:        id,
		FeatureID: featureID,
		Name:      id,
		Type:      domain.TaskTypeAuto,
		Priority:  priority,
		AgentType: domain.AgentTypeCoder,
		DependsOn: deps,
	}
}

func TestHappyPathTwoWaves(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{
		Features: []domain.Feature{{ID: "f1", ProjectID: "p1", Name: "core"}},
		Tasks: []domain.Task{
			task("t1", "f1", 0),
			task("t2", "f1", 0),
			task("t3", "f1", 0, "t1", "t2"),
		},
	}}
	runner := &fakeRunner{}

	var waves []eventbus.WaveCompleted
	f.bus.Subscribe(eventbus.TypeWaveCompleted, func(ev eventbus.Event) {
		waves = append(waves, ev.(eventbus.WaveCompleted))
	})
	var transitions []domain.ProjectStatus
	f.bus.Subscribe(eventbus.TypeProjectStateChanged, func(ev eventbus.Event) {
		transitions = append(transitions, ev.(eventbus.ProjectStateChanged).To)
	})

	c := f.coordinator(t, planner, runner, nil, Config{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := c.Status()
	if snap.Status != domain.ProjectStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", snap.Status, snap.LastError)
	}
	if snap.Queue.Completed != 3 {
		t.Fatalf("expected 3 completed tasks, got %+v", snap.Queue)
	}
	if snap.Metrics.TasksCompleted != 3 || snap.Metrics.WavesExecuted != 2 {
		t.Fatalf("unexpected metrics: %+v", snap.Metrics)
	}

	if len(waves) != 2 {
		t.Fatalf("expected 2 waves, got %d", len(waves))
	}
	if len(waves[0].Completed) != 2 || len(waves[1].Completed) != 1 {
		t.Fatalf("unexpected wave composition: %+v", waves)
	}

	want := []domain.ProjectStatus{
		domain.ProjectStatusPlanning,
		domain.ProjectStatusExecuting,
		domain.ProjectStatusReviewing,
		domain.ProjectStatusCompleted,
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}

	// Wave checkpoints landed and are replayable.
	cp, err := f.store.LatestCheckpoint(context.Background(), "p1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.WaveNumber != 2 || len(cp.CompletedTaskIDs) != 3 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

func TestEscalationBlocksDependentsAndFailsProject(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{
		Tasks: []domain.Task{
			task("t1", "f1", 0),
			task("t2", "f1", 0, "t1"),
		},
	}}
	runner := &fakeRunner{fn: func(tk domain.Task) (iteration.Outcome, error) {
		if tk.ID == "t1" {
			return escalated(iteration.ReasonRepeatedFailure), nil
		}
		return success(1), nil
	}}

	c := f.coordinator(t, planner, runner, nil, Config{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := c.Status()
	if snap.Status != domain.ProjectStatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if snap.Queue.Blocked != 2 {
		t.Fatalf("expected escalated task and dependent blocked, got %+v", snap.Queue)
	}
	if snap.Metrics.TasksEscalated != 1 {
		t.Fatalf("unexpected metrics: %+v", snap.Metrics)
	}
	if got := runner.startedTasks(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("dependent must never start: %v", got)
	}
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{
		Tasks: []domain.Task{task("t1", "f1", 0), task("t2", "f1", 0, "t1")},
	}}
	release := make(chan struct{})
	runner := &fakeRunner{release: release}

	// Transitions arrive from both the coordinator goroutine and the
	// Pause caller, so the capture needs its own lock.
	var transMu sync.Mutex
	var transitions []domain.ProjectStatus
	f.bus.Subscribe(eventbus.TypeProjectStateChanged, func(ev eventbus.Event) {
		transMu.Lock()
		defer transMu.Unlock()
		transitions = append(transitions, ev.(eventbus.ProjectStateChanged).To)
	})

	c := f.coordinator(t, planner, runner, nil, Config{})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	waitFor(t, func() bool { return len(runner.startedTasks()) == 1 })
	if err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run after pause: %v", err)
	}
	if got := c.Status().Status; got != domain.ProjectStatusPaused {
		t.Fatalf("expected paused, got %s", got)
	}
	// The pause is cooperative: the runner saw the stop signal with its
	// context still live, and the project wound down through stopping.
	if got := runner.stopSeen; len(got) != 1 || got[0] != nil {
		t.Fatalf("in-flight runner must keep a live context across a pause: %v", got)
	}
	transMu.Lock()
	seen := append([]domain.ProjectStatus(nil), transitions...)
	transMu.Unlock()
	var sawStopping bool
	for i, st := range seen {
		if st == domain.ProjectStatusStopping {
			sawStopping = true
			if i+1 >= len(seen) || seen[i+1] != domain.ProjectStatusPaused {
				t.Fatalf("stopping must settle into paused: %v", seen)
			}
		}
	}
	if !sawStopping {
		t.Fatalf("pause must pass through stopping: %v", seen)
	}
	// The interrupted task went back to pending, nothing completed.
	if counts := c.Status().Queue; counts.Completed != 0 || counts.Pending != 2 {
		t.Fatalf("unexpected queue after pause: %+v", counts)
	}

	// Resume without the gate: both tasks run to completion.
	runner.release = nil
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := c.Status().Status; got != domain.ProjectStatusCompleted {
		t.Fatalf("expected completed after resume, got %s", got)
	}
}

func TestStopFailsProject(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{
		Tasks: []domain.Task{task("t1", "f1", 0), task("t2", "f1", 0, "t1")},
	}}
	release := make(chan struct{})
	runner := &fakeRunner{release: release}

	c := f.coordinator(t, planner, runner, nil, Config{})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	waitFor(t, func() bool { return len(runner.startedTasks()) == 1 })
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run after stop: %v", err)
	}
	if got := c.Status().Status; got != domain.ProjectStatusFailed {
		t.Fatalf("expected failed after stop, got %s", got)
	}
}

// flakyStore passes writes through to sqlite until SaveTasks has been
// called failFrom times, then refuses every one after that.
type flakyStore struct {
	*sqlite.Store
	mu       sync.Mutex
	saves    int
	failFrom int
}

func (s *flakyStore) SaveTasks(ctx context.Context, tasks []domain.Task) error {
	s.mu.Lock()
	s.saves++
	n := s.saves
	s.mu.Unlock()
	if n >= s.failFrom {
		return errors.New("disk full")
	}
	return s.Store.SaveTasks(ctx, tasks)
}

func TestPersistenceFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{
		Tasks: []domain.Task{task("t1", "f1", 0), task("t2", "f1", 0, "t1")},
	}}
	project := domain.Project{ID: "p1", Name: "demo", Mode: domain.ProjectModeGenesis}
	if err := f.store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	// The plan persists fine; the first wave's task save does not.
	store := &flakyStore{Store: f.store, failFrom: 2}
	c := New(project, store, planner, &fakeRunner{}, f.pool, nil, f.queue, f.bus, Config{}, nil)

	err := c.Run(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	snap := c.Status()
	if snap.Status != domain.ProjectStatusFailed {
		t.Fatalf("expected failed after lost write, got %s", snap.Status)
	}
	if !strings.Contains(snap.LastError, "checkpoint") {
		t.Fatalf("last error should point at checkpoint recovery: %q", snap.LastError)
	}
}

func TestInfraFaultsFailTerminallyAfterLimit(t *testing.T) {
	f := newFixture(t)
	// No agent of this type can ever be acquired; the task must fail
	// terminally instead of bouncing between waves forever.
	broken := task("t1", "f1", 0)
	broken.AgentType = domain.AgentType("banana")
	planner := &fakePlanner{decomp: domain.Decomposition{
		Tasks: []domain.Task{broken, task("t2", "f1", 0, "t1")},
	}}

	c := f.coordinator(t, planner, &fakeRunner{}, nil, Config{InfraRetryLimit: 3})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := c.Status()
	if snap.Status != domain.ProjectStatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if snap.Queue.Failed != 1 || snap.Queue.Blocked != 1 {
		t.Fatalf("expected broken task failed and dependent blocked, got %+v", snap.Queue)
	}
	if snap.Metrics.TasksFailed != 1 {
		t.Fatalf("unexpected metrics: %+v", snap.Metrics)
	}
	if snap.Metrics.WavesExecuted != 3 {
		t.Fatalf("expected exactly %d retry waves, got %d", 3, snap.Metrics.WavesExecuted)
	}
}

func TestFeatureStatusFollowsTasks(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{
		Features: []domain.Feature{{ID: "f1", ProjectID: "p1", Name: "core"}},
		Tasks:    []domain.Task{task("t1", "f1", 0), task("t2", "f1", 0, "t1")},
	}}
	c := f.coordinator(t, planner, &fakeRunner{}, nil, Config{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	features, err := f.store.ListFeatures(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list features: %v", err)
	}
	if len(features) != 1 {
		t.Fatalf("expected one feature, got %d", len(features))
	}
	if features[0].Status != domain.FeatureStatusCompleted {
		t.Fatalf("feature should complete with its tasks, got %s", features[0].Status)
	}
}

func TestFeatureFailsWhenTasksEndBlocked(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{
		Features: []domain.Feature{{ID: "f1", ProjectID: "p1", Name: "core"}},
		Tasks:    []domain.Task{task("t1", "f1", 0), task("t2", "f1", 0, "t1")},
	}}
	runner := &fakeRunner{fn: func(tk domain.Task) (iteration.Outcome, error) {
		return escalated(iteration.ReasonRepeatedFailure), nil
	}}
	c := f.coordinator(t, planner, runner, nil, Config{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := c.Status().Status; got != domain.ProjectStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	features, err := f.store.ListFeatures(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list features: %v", err)
	}
	if len(features) != 1 || features[0].Status != domain.FeatureStatusFailed {
		t.Fatalf("feature with blocked work must settle failed, got %+v", features)
	}
}

func TestReplanSwapsFailingFeature(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{
		Features: []domain.Feature{{ID: "f1", ProjectID: "p1", Name: "core", EstimatedTasks: 2}},
		Tasks: []domain.Task{
			task("t1", "f1", 0),
			task("t2", "f1", 0),
			task("t3", "f1", 1, "t1", "t2"),
		},
	}}
	// Original tasks t1/t2 escalate; the replanned ones succeed.
	runner := &fakeRunner{fn: func(tk domain.Task) (iteration.Outcome, error) {
		if tk.ID == "t1" || tk.ID == "t2" {
			return escalated(iteration.ReasonRepeatedFailure), nil
		}
		return success(1), nil
	}}
	decomposer := &stubDecomposer{decomp: domain.Decomposition{Tasks: []domain.Task{
		task("r1", "f1", 0),
		task("r2", "f1", 1, "r1"),
	}}}

	q := f.queue
	rp := replan.New(decomposer, q, f.bus, replan.Config{ConsecutiveFailures: 2}, nil)
	c := f.coordinator(t, planner, runner, rp, Config{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := c.Status()
	if snap.Metrics.ReplansApplied != 1 {
		t.Fatalf("expected one replan, got %+v", snap.Metrics)
	}
	if _, err := q.Get("r1"); err != nil {
		t.Fatalf("replanned task missing: %v", err)
	}
	if _, err := q.Get("t3"); err == nil {
		t.Fatal("stale pending task should have been removed by the replan")
	}
	// The replan supersedes the stuck originals; the fresh breakdown
	// carries the feature to completion.
	if _, err := q.Get("t1"); err == nil {
		t.Fatal("escalated original should have been superseded by the replan")
	}
	if snap.Queue.Completed != 2 || snap.Queue.Blocked != 0 {
		t.Fatalf("unexpected queue: %+v", snap.Queue)
	}
	if snap.Status != domain.ProjectStatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if snap.Metrics.TasksEscalated != 2 {
		t.Fatalf("unexpected metrics: %+v", snap.Metrics)
	}
}

type stubDecomposer struct {
	decomp domain.Decomposition
}

func (d *stubDecomposer) Decompose(ctx context.Context, req replan.DecomposeRequest) (domain.Decomposition, error) {
	return d.decomp, nil
}

func TestAbortBlocksTaskAndDependents(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{
		Tasks: []domain.Task{task("t1", "f1", 0), task("t2", "f1", 0, "t1")},
	}}
	c := f.coordinator(t, planner, &fakeRunner{}, nil, Config{})

	// Plan without running: seed through the planner path.
	for i := range planner.decomp.Tasks {
		planner.decomp.Tasks[i].ProjectID = "p1"
	}
	if err := f.store.SaveTasks(context.Background(), planner.decomp.Tasks); err != nil {
		t.Fatalf("save tasks: %v", err)
	}
	if err := c.SeedTasks(planner.decomp.Tasks); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := c.Abort(context.Background(), "t1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	got, err := f.queue.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskStatusBlocked {
		t.Fatalf("expected blocked, got %s", got.Status)
	}
	dep, _ := f.queue.Get("t2")
	if dep.Status != domain.TaskStatusBlocked {
		t.Fatalf("dependent should be blocked, got %s", dep.Status)
	}

	// Operator retry brings both back.
	if err := c.Retry(context.Background(), "t1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = f.queue.Get("t1")
	if got.Status != domain.TaskStatusPending {
		t.Fatalf("expected pending after retry, got %s", got.Status)
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	tasks := []domain.Task{
		task("t1", "f1", 0),
		task("t2", "f1", 0, "t1"),
	}
	c := f.coordinator(t, &fakePlanner{}, &fakeRunner{}, nil, Config{})
	for i := range tasks {
		tasks[i].ProjectID = "p1"
	}
	if err := f.store.SaveTasks(context.Background(), tasks); err != nil {
		t.Fatalf("save tasks: %v", err)
	}
	if err := c.SeedTasks(tasks); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c.RestoreCheckpoint(domain.Checkpoint{
		ID:               "cp1",
		ProjectID:        "p1",
		WaveNumber:       1,
		CompletedTaskIDs: []string{"t1"},
		PendingTaskIDs:   []string{"t2"},
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	snap := c.Status()
	if snap.Status != domain.ProjectStatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if snap.Queue.Completed != 2 {
		t.Fatalf("expected both tasks completed, got %+v", snap.Queue)
	}
}

func TestPlanningFailureFailsProject(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, &fakePlanner{err: errors.New("decomposition backend offline")}, &fakeRunner{}, nil, Config{})
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected planning error")
	}
	if got := c.Status().Status; got != domain.ProjectStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestRunTwiceConcurrentlyRejected(t *testing.T) {
	f := newFixture(t)
	planner := &fakePlanner{decomp: domain.Decomposition{Tasks: []domain.Task{task("t1", "f1", 0)}}}
	release := make(chan struct{})
	runner := &fakeRunner{release: release}
	c := f.coordinator(t, planner, runner, nil, Config{})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	waitFor(t, func() bool { return len(runner.startedTasks()) == 1 })

	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
