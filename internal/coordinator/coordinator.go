package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crucible/internal/domain"
	"crucible/internal/eventbus"
	"crucible/internal/iteration"
	"crucible/internal/replan"
	"crucible/internal/taskqueue"
)

var (
	ErrNotRunning     = errors.New("coordinator is not running")
	ErrAlreadyRunning = errors.New("coordinator is already running")
	ErrInvalidState   = errors.New("invalid coordinator state")

	// ErrPersistence marks a failed write of coordinator state. The
	// in-memory run has drifted from the durable record, so the run
	// ends rather than continue past the last checkpoint it can prove.
	ErrPersistence = errors.New("persistence failure")
)

// Planner produces the initial feature and task breakdown for a
// project.
type Planner interface {
	Plan(ctx context.Context, project domain.Project) (domain.Decomposition, error)
}

// Runner drives one task through its execute/verify loop. Closing stop
// asks the runner to finish its in-flight step and return
// iteration.ErrStopRequested; ctx cancellation interrupts outright.
type Runner interface {
	Run(ctx context.Context, task domain.Task, stop <-chan struct{}) (iteration.Outcome, error)
}

// Pool hands out bounded agent slots.
type Pool interface {
	Acquire(ctx context.Context, agentType domain.AgentType) (domain.Agent, error)
	Release(agentID string) error
	BindTask(agentID, taskID string) error
	RecordOutcome(agentID string, completed bool, iterations, tokens int) error
}

// Replanner evaluates drift and reconciles a feature's breakdown.
type Replanner interface {
	Evaluate(sig replan.FeatureSignals) []replan.Trigger
	Replan(ctx context.Context, project domain.Project, feature domain.Feature, trigger replan.Trigger) (replan.Result, error)
}

// Store is the slice of persistence the coordinator writes through.
type Store interface {
	UpdateProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, lastError string) error
	UpdateProjectMetrics(ctx context.Context, projectID string, metrics domain.ProjectMetrics) error
	SaveFeature(ctx context.Context, f domain.Feature) error
	SaveTask(ctx context.Context, t domain.Task) error
	SaveTasks(ctx context.Context, tasks []domain.Task) error
	AppendIterationRecord(ctx context.Context, rec domain.IterationRecord) (int64, error)
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
	PruneCheckpoints(ctx context.Context, projectID string, keep int) (int64, error)
	AppendDecision(ctx context.Context, d domain.DecisionLog) error
}

type Bus interface {
	Publish(event eventbus.Event)
}

type Config struct {
	MaxParallelAgents    int
	CheckpointEveryWaves int
	CheckpointKeep       int
	// InfraRetryLimit bounds how often a task may bounce off an
	// infrastructure fault (agent acquisition, queue transitions)
	// before it fails terminally instead of rescheduling forever.
	InfraRetryLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxParallelAgents <= 0 {
		c.MaxParallelAgents = 4
	}
	if c.CheckpointEveryWaves <= 0 {
		c.CheckpointEveryWaves = 1
	}
	if c.CheckpointKeep <= 0 {
		c.CheckpointKeep = 10
	}
	if c.InfraRetryLimit <= 0 {
		c.InfraRetryLimit = 3
	}
	return c
}

// featureTrack accumulates the drift signals for one feature as waves
// complete.
type featureTrack struct {
	consecutiveFailed int
	exhaustedTasks    int
	startedAt         time.Time
	filesByTask       map[string][]string
}

// Coordinator owns the project lifecycle: planning, wave-by-wave
// execution, drift-triggered replanning, checkpointing, and the final
// review. At most one wave is in flight at any time.
type Coordinator struct {
	store     Store
	planner   Planner
	runner    Runner
	pool      Pool
	replanner Replanner
	queue     *taskqueue.Queue
	bus       Bus
	cfg       Config
	logger    *log.Logger
	tracer    trace.Tracer

	mu               sync.Mutex
	project          domain.Project
	status           domain.ProjectStatus
	features         map[string]domain.Feature
	tracks           map[string]*featureTrack
	infraFailures    map[string]int
	waveNumber       int
	running          bool
	pauseReq         bool
	stopReq          bool
	waveStop         chan struct{}
	lastCheckpointID string
}

func New(project domain.Project, store Store, planner Planner, runner Runner, pool Pool, replanner Replanner, queue *taskqueue.Queue, bus Bus, cfg Config, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	status := project.Status
	if status == "" {
		status = domain.ProjectStatusIdle
	}
	return &Coordinator{
		store:         store,
		planner:       planner,
		runner:        runner,
		pool:          pool,
		replanner:     replanner,
		queue:         queue,
		bus:           bus,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		tracer:        otel.Tracer("crucible/coordinator"),
		project:       project,
		status:        status,
		features:      make(map[string]domain.Feature),
		tracks:        make(map[string]*featureTrack),
		infraFailures: make(map[string]int),
	}
}

// Status snapshots the coordinator for status surfaces. It copies;
// callers cannot mutate coordinator state through it.
type Snapshot struct {
	ProjectID  string                `json:"project_id"`
	Status     domain.ProjectStatus  `json:"status"`
	WaveNumber int                   `json:"wave_number"`
	Queue      taskqueue.Counts      `json:"queue"`
	Metrics    domain.ProjectMetrics `json:"metrics"`
	LastError  string                `json:"last_error,omitempty"`
}

func (c *Coordinator) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ProjectID:  c.project.ID,
		Status:     c.status,
		WaveNumber: c.waveNumber,
		Queue:      c.queue.Status(),
		Metrics:    c.project.Metrics,
		LastError:  c.project.LastError,
	}
}

func (c *Coordinator) Tasks() []domain.Task {
	return c.queue.Tasks()
}

// Run executes the project until it completes, fails, pauses, or the
// context is cancelled. It is an error to call Run while a previous
// call is still in flight.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.status.IsTerminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: project already %s", ErrInvalidState, c.status)
	}
	c.running = true
	c.pauseReq = false
	c.stopReq = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.waveStop = nil
		c.mu.Unlock()
	}()

	ctx, span := c.tracer.Start(ctx, "coordinator.run",
		trace.WithAttributes(attribute.String("project.id", c.project.ID)))
	defer span.End()

	err := c.run(ctx)
	if errors.Is(err, ErrPersistence) {
		c.failPersistence(ctx, err)
	}
	return err
}

func (c *Coordinator) run(ctx context.Context) error {
	if c.statusNow() == domain.ProjectStatusIdle || c.statusNow() == domain.ProjectStatusPaused {
		if len(c.queue.Tasks()) == 0 {
			if err := c.plan(ctx); err != nil {
				if !errors.Is(err, ErrPersistence) {
					if ferr := c.fail(ctx, fmt.Sprintf("planning: %v", err)); ferr != nil {
						return ferr
					}
				}
				return err
			}
		}
	}

	for {
		if err := c.setStatus(ctx, domain.ProjectStatusExecuting, ""); err != nil {
			return err
		}
		if err := c.executeWaves(ctx); err != nil {
			return err
		}
		if st := c.statusNow(); st == domain.ProjectStatusPaused || st.IsTerminal() {
			return nil
		}

		if err := c.setStatus(ctx, domain.ProjectStatusReviewing, ""); err != nil {
			return err
		}
		reopen, err := c.review(ctx)
		if err != nil {
			return err
		}
		if !reopen {
			return nil
		}
	}
}

func (c *Coordinator) plan(ctx context.Context) error {
	if err := c.setStatus(ctx, domain.ProjectStatusPlanning, ""); err != nil {
		return err
	}

	decomp, err := c.planner.Plan(ctx, c.project)
	if err != nil {
		return fmt.Errorf("plan project %s: %w", c.project.ID, err)
	}
	if len(decomp.Tasks) == 0 {
		return fmt.Errorf("plan project %s: decomposition produced no tasks", c.project.ID)
	}

	features := make([]domain.Feature, 0, len(decomp.Features))
	c.mu.Lock()
	for _, f := range decomp.Features {
		if f.ProjectID == "" {
			f.ProjectID = c.project.ID
		}
		if f.Status == "" || f.Status == domain.FeatureStatusBacklog {
			f.Status = domain.FeatureStatusPlanning
		}
		c.features[f.ID] = f
		features = append(features, f)
	}
	c.mu.Unlock()

	tasks := make([]domain.Task, 0, len(decomp.Tasks))
	for _, t := range decomp.Tasks {
		if t.ProjectID == "" {
			t.ProjectID = c.project.ID
		}
		if t.AgentType == "" {
			t.AgentType = domain.AgentTypeCoder
		}
		tasks = append(tasks, t)
	}
	if err := c.queue.EnqueueAll(tasks); err != nil {
		return fmt.Errorf("admit planned tasks: %w", err)
	}

	for _, f := range features {
		if err := c.store.SaveFeature(ctx, f); err != nil {
			return fmt.Errorf("%w: persist feature %s: %w", ErrPersistence, f.ID, err)
		}
	}
	if err := c.store.SaveTasks(ctx, c.queue.Tasks()); err != nil {
		return fmt.Errorf("%w: persist planned tasks: %w", ErrPersistence, err)
	}
	c.logDecision(ctx, "planner", "plan-created", fmt.Sprintf("%d features, %d tasks", len(decomp.Features), len(tasks)), nil)
	return nil
}

func (c *Coordinator) executeWaves(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			_ = c.pauseNow(ctx, "context cancelled")
			return err
		}
		if c.takePauseRequest() {
			return c.pauseNow(ctx, "pause requested")
		}
		if c.takeStopRequest() {
			return c.fail(ctx, "stopped by operator")
		}

		wave := c.queue.NextWave(c.cfg.MaxParallelAgents)
		if len(wave.Tasks) == 0 {
			return nil
		}
		c.mu.Lock()
		c.waveNumber = wave.Number
		c.mu.Unlock()

		if err := c.runWave(ctx, wave); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if perr := c.pauseNow(ctx, "wave interrupted"); perr != nil {
					return perr
				}
				if c.statusNow() == domain.ProjectStatusPaused {
					return nil
				}
			}
			return err
		}

		if err := c.consultReplanner(ctx); err != nil {
			return err
		}

		if wave.Number%c.cfg.CheckpointEveryWaves == 0 {
			if err := c.checkpoint(ctx, wave.Number); err != nil {
				return err
			}
		}
	}
}

type taskOutcome struct {
	task    domain.Task
	agentID string
	outcome iteration.Outcome
	err     error
}

func (c *Coordinator) runWave(ctx context.Context, wave domain.Wave) error {
	// The stop channel is the cooperative brake: Pause and Stop close
	// it, in-flight steps finish, and runners return at the next
	// boundary. Only ctx cancellation interrupts a step outright.
	stop := make(chan struct{})
	c.mu.Lock()
	c.waveStop = stop
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waveStop = nil
		c.mu.Unlock()
	}()

	waveCtx, span := c.tracer.Start(ctx, "coordinator.wave",
		trace.WithAttributes(attribute.Int("wave.number", wave.Number)))
	defer span.End()

	ids := make([]string, 0, len(wave.Tasks))
	for _, t := range wave.Tasks {
		ids = append(ids, t.ID)
	}
	c.publish(eventbus.WaveStarted{ProjectID: c.project.ID, Number: wave.Number, TaskIDs: ids, At: time.Now().UTC()})
	c.logDecision(ctx, "coordinator", "wave-started", fmt.Sprintf("wave %d: %d tasks", wave.Number, len(wave.Tasks)), ids)
	c.logger.Printf("coordinator: wave %d started with %d tasks", wave.Number, len(wave.Tasks))

	outcomes := make(chan taskOutcome, len(wave.Tasks))
	var wg sync.WaitGroup
	for _, t := range wave.Tasks {
		wg.Add(1)
		go func(task domain.Task) {
			defer wg.Done()
			outcomes <- c.runTask(waveCtx, task, stop)
		}(t)
	}
	wg.Wait()
	close(outcomes)

	var completed, failed, escalated []string
	var foldErr error
	for out := range outcomes {
		if err := c.foldOutcome(ctx, out, &completed, &failed, &escalated); err != nil && foldErr == nil {
			foldErr = err
		}
	}

	// Anything the wave left queued or assigned (pause, stop,
	// cancellation) goes back to pending for the next run.
	c.queue.RequeueUnsettled()
	if foldErr != nil {
		return foldErr
	}
	if err := c.persistWave(ctx, wave); err != nil {
		return err
	}

	c.publish(eventbus.WaveCompleted{
		ProjectID: c.project.ID,
		Number:    wave.Number,
		Completed: completed,
		Failed:    failed,
		Escalated: escalated,
		At:        time.Now().UTC(),
	})
	c.logger.Printf("coordinator: wave %d done: %d completed, %d failed, %d escalated",
		wave.Number, len(completed), len(failed), len(escalated))

	return ctx.Err()
}

func (c *Coordinator) runTask(ctx context.Context, task domain.Task, stop <-chan struct{}) taskOutcome {
	agentType := task.AgentType
	if agentType == "" {
		agentType = domain.AgentTypeCoder
	}
	// Waiting on a slot must not outlive a stop request; the task has
	// not started and can simply go back to pending.
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-acquireCtx.Done():
		}
	}()
	agent, err := c.pool.Acquire(acquireCtx, agentType)
	if err != nil {
		return taskOutcome{task: task, err: err}
	}
	defer func() {
		if relErr := c.pool.Release(agent.ID); relErr != nil {
			c.logger.Printf("coordinator: release agent %s: %v", agent.ID, relErr)
		}
	}()

	if err := c.queue.MarkAssigned(task.ID, agent.ID); err != nil {
		return taskOutcome{task: task, agentID: agent.ID, err: err}
	}
	if err := c.pool.BindTask(agent.ID, task.ID); err != nil {
		return taskOutcome{task: task, agentID: agent.ID, err: err}
	}
	c.publish(eventbus.TaskAssigned{TaskID: task.ID, AgentID: agent.ID, At: time.Now().UTC()})

	if err := c.queue.MarkInProgress(task.ID); err != nil {
		return taskOutcome{task: task, agentID: agent.ID, err: err}
	}
	c.publish(eventbus.TaskStarted{TaskID: task.ID, AgentID: agent.ID, At: time.Now().UTC()})
	c.noteTaskStarted(task)

	outcome, err := c.runner.Run(ctx, task, stop)
	return taskOutcome{task: task, agentID: agent.ID, outcome: outcome, err: err}
}

func (c *Coordinator) foldOutcome(ctx context.Context, out taskOutcome, completed, failed, escalated *[]string) error {
	task := out.task
	now := time.Now().UTC()

	if out.err != nil {
		// Cancellation and cooperative stops: the task goes back to
		// pending via RequeueUnsettled. Anything else is an
		// infrastructure fault; it earns a bounded number of retries
		// before the task fails terminally, so a permanently broken
		// dependency cannot reschedule the same task forever.
		if errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, iteration.ErrStopRequested) {
			return nil
		}
		c.publish(eventbus.SystemError{ProjectID: c.project.ID, Err: out.err.Error(), At: now})
		c.logger.Printf("coordinator: task %s infrastructure error: %v", task.ID, out.err)

		c.mu.Lock()
		c.infraFailures[task.ID]++
		faults := c.infraFailures[task.ID]
		c.mu.Unlock()
		terminal := faults >= c.cfg.InfraRetryLimit
		if terminal {
			*failed = append(*failed, task.ID)
			c.bumpMetrics(func(m *domain.ProjectMetrics) { m.TasksFailed++ })
			c.logDecision(ctx, "coordinator", "task-failed", fmt.Sprintf("infrastructure fault %d of %d: %v", faults, c.cfg.InfraRetryLimit, out.err), map[string]any{"task_id": task.ID})
			c.logger.Printf("coordinator: task %s failed terminally after %d infrastructure faults", task.ID, faults)
		}
		if err := c.queue.MarkFailed(task.ID, terminal, out.err.Error()); err != nil {
			c.logger.Printf("coordinator: mark task %s failed: %v", task.ID, err)
		}
		return nil
	}

	c.mu.Lock()
	delete(c.infraFailures, task.ID)
	c.mu.Unlock()

	if err := c.persistRecords(ctx, out.outcome.Records); err != nil {
		return err
	}
	c.trackFiles(task, out.outcome.Records)

	switch out.outcome.Kind {
	case iteration.OutcomeSuccess:
		if err := c.queue.MarkCompleted(task.ID); err != nil {
			c.logger.Printf("coordinator: mark task %s completed: %v", task.ID, err)
			return nil
		}
		*completed = append(*completed, task.ID)
		c.noteTaskFinished(task, true, out.outcome.Reason)
		c.bumpMetrics(func(m *domain.ProjectMetrics) {
			m.TasksCompleted++
			m.IterationsTotal += out.outcome.Iterations
			m.TokensUsed += out.outcome.TokensUsed
		})
		if out.agentID != "" {
			if err := c.pool.RecordOutcome(out.agentID, true, out.outcome.Iterations, out.outcome.TokensUsed); err != nil {
				c.logger.Printf("coordinator: record agent outcome: %v", err)
			}
		}
		c.publish(eventbus.TaskCompleted{TaskID: task.ID, AgentID: out.agentID, Iterations: out.outcome.Iterations, At: now})

	case iteration.OutcomeEscalated:
		if err := c.queue.MarkEscalated(task.ID, out.outcome.Reason); err != nil {
			c.logger.Printf("coordinator: mark task %s escalated: %v", task.ID, err)
			return nil
		}
		*escalated = append(*escalated, task.ID)
		c.noteTaskFinished(task, false, out.outcome.Reason)
		c.bumpMetrics(func(m *domain.ProjectMetrics) {
			m.TasksEscalated++
			m.IterationsTotal += out.outcome.Iterations
			m.TokensUsed += out.outcome.TokensUsed
		})
		if out.agentID != "" {
			if err := c.pool.RecordOutcome(out.agentID, false, out.outcome.Iterations, out.outcome.TokensUsed); err != nil {
				c.logger.Printf("coordinator: record agent outcome: %v", err)
			}
		}
		c.logDecision(ctx, "coordinator", "task-escalated", out.outcome.Reason, map[string]any{
			"task_id":    task.ID,
			"iterations": out.outcome.Iterations,
			"signatures": out.outcome.Signatures,
		})
	}
	return nil
}

// consultReplanner evaluates drift per feature after each wave and
// replans the worst offender. Dispatch is naturally suspended while
// this runs: waves are strictly sequential.
func (c *Coordinator) consultReplanner(ctx context.Context) error {
	if c.replanner == nil {
		return nil
	}
	c.mu.Lock()
	features := make([]domain.Feature, 0, len(c.features))
	for _, f := range c.features {
		features = append(features, f)
	}
	c.mu.Unlock()

	for _, feature := range features {
		sig := c.signalsFor(feature)
		triggers := c.replanner.Evaluate(sig)
		if len(triggers) == 0 {
			continue
		}
		trigger := triggers[0]
		res, err := c.replanner.Replan(ctx, c.project, feature, trigger)
		if err != nil {
			c.logger.Printf("coordinator: replan feature %s: %v", feature.ID, err)
			c.publish(eventbus.SystemError{ProjectID: c.project.ID, Err: err.Error(), At: time.Now().UTC()})
			continue
		}
		if res.Exhausted {
			c.escalateFeature(ctx, feature, trigger)
			continue
		}
		c.resetTrack(feature.ID)
		c.bumpMetrics(func(m *domain.ProjectMetrics) { m.ReplansApplied++ })
		c.logDecision(ctx, "replanner", "replan-applied", string(trigger), map[string]any{
			"feature_id": feature.ID,
			"removed":    res.RemovedTasks,
			"added":      res.AddedTasks,
		})
		if err := c.store.SaveTasks(ctx, c.queue.Tasks()); err != nil {
			return fmt.Errorf("%w: persist replanned tasks: %w", ErrPersistence, err)
		}
	}
	return nil
}

// escalateFeature blocks the feature's remaining pending work once its
// replan budget is spent; a human decides what happens next.
func (c *Coordinator) escalateFeature(ctx context.Context, feature domain.Feature, trigger replan.Trigger) {
	for _, t := range c.queue.Tasks() {
		if t.FeatureID != feature.ID || t.Status != domain.TaskStatusPending {
			continue
		}
		if err := c.queue.MarkEscalated(t.ID, "feature replan budget exhausted"); err != nil {
			c.logger.Printf("coordinator: escalate task %s: %v", t.ID, err)
		}
	}
	c.resetTrack(feature.ID)
	c.logDecision(ctx, "coordinator", "feature-escalated", string(trigger), map[string]any{"feature_id": feature.ID})
	c.logger.Printf("coordinator: feature %s escalated after exhausting replans (%s)", feature.ID, trigger)
}

func (c *Coordinator) signalsFor(feature domain.Feature) replan.FeatureSignals {
	c.mu.Lock()
	track := c.tracks[feature.ID]
	c.mu.Unlock()

	sig := replan.FeatureSignals{
		FeatureID:        feature.ID,
		EstimatedTasks:   feature.EstimatedTasks,
		EstimatedMinutes: feature.EstimatedMinutes,
	}
	for _, t := range c.queue.Tasks() {
		if t.FeatureID == feature.ID {
			sig.ActualTasks++
		}
	}
	if track != nil {
		sig.ConsecutiveFailed = track.consecutiveFailed
		sig.ExhaustedTasks = track.exhaustedTasks
		sig.FilesOutsideScope = c.crossFeatureFiles(feature.ID)
		if !track.startedAt.IsZero() {
			sig.ElapsedMinutes = int(time.Since(track.startedAt).Minutes())
		}
	}
	return sig
}

// crossFeatureFiles counts files this feature's tasks touched that
// tasks of other features also touched. Heavy overlap means the
// breakdown no longer respects feature boundaries.
func (c *Coordinator) crossFeatureFiles(featureID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	mine := make(map[string]bool)
	if track := c.tracks[featureID]; track != nil {
		for _, files := range track.filesByTask {
			for _, f := range files {
				mine[f] = true
			}
		}
	}
	if len(mine) == 0 {
		return 0
	}
	overlap := make(map[string]bool)
	for id, track := range c.tracks {
		if id == featureID {
			continue
		}
		for _, files := range track.filesByTask {
			for _, f := range files {
				if mine[f] {
					overlap[f] = true
				}
			}
		}
	}
	return len(overlap)
}

func (c *Coordinator) checkpoint(ctx context.Context, waveNumber int) error {
	completed, pending := c.queue.Snapshot()
	cp := domain.Checkpoint{
		ID:               uuid.NewString(),
		ProjectID:        c.project.ID,
		WaveNumber:       waveNumber,
		CompletedTaskIDs: completed,
		PendingTaskIDs:   pending,
		CoordinatorState: c.statusNow(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("%w: save checkpoint at wave %d: %w", ErrPersistence, waveNumber, err)
	}
	c.mu.Lock()
	c.lastCheckpointID = cp.ID
	c.mu.Unlock()
	// Pruning is housekeeping; stale rows cost nothing correctness-wise.
	if _, err := c.store.PruneCheckpoints(ctx, c.project.ID, c.cfg.CheckpointKeep); err != nil {
		c.logger.Printf("coordinator: prune checkpoints: %v", err)
	}
	c.publish(eventbus.CheckpointCreated{ProjectID: c.project.ID, CheckpointID: cp.ID, WaveNumber: waveNumber, At: cp.CreatedAt})
	return nil
}

// RestoreCheckpoint replays a checkpoint into the queue before Run is
// called again. Tasks must already be enqueued.
func (c *Coordinator) RestoreCheckpoint(cp domain.Checkpoint) {
	c.queue.RestoreCompleted(cp.CompletedTaskIDs)
	c.mu.Lock()
	c.waveNumber = cp.WaveNumber
	c.lastCheckpointID = cp.ID
	c.mu.Unlock()
	c.logger.Printf("coordinator: restored checkpoint %s at wave %d (%d tasks completed)",
		cp.ID, cp.WaveNumber, len(cp.CompletedTaskIDs))
}

// SeedFeatures loads known features, e.g. when resuming a persisted
// project.
func (c *Coordinator) SeedFeatures(features []domain.Feature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range features {
		c.features[f.ID] = f
	}
}

// SeedTasks admits previously persisted tasks into the queue. Completed
// work keeps its status; everything else returns to pending and will be
// rescheduled.
func (c *Coordinator) SeedTasks(tasks []domain.Task) error {
	fresh := make([]domain.Task, 0, len(tasks))
	var completedIDs []string
	for _, t := range tasks {
		if t.Status == domain.TaskStatusCompleted {
			completedIDs = append(completedIDs, t.ID)
		}
		t.Status = domain.TaskStatusPending
		fresh = append(fresh, t)
	}
	if err := c.queue.EnqueueAll(fresh); err != nil {
		return err
	}
	c.queue.RestoreCompleted(completedIDs)
	return nil
}

// review settles the project once no wave is runnable. Blocked or
// stranded work gets one more replanner consultation; a replan that
// actually lands reopens execution. Returns true to re-enter the wave
// loop.
func (c *Coordinator) review(ctx context.Context) (bool, error) {
	counts := c.queue.Status()
	if counts.Blocked > 0 || counts.Pending > 0 {
		before := c.projectMetrics().ReplansApplied
		if err := c.consultReplanner(ctx); err != nil {
			return false, err
		}
		if c.projectMetrics().ReplansApplied > before {
			c.logDecision(ctx, "coordinator", "review-reopened", "replan during review produced runnable work", nil)
			return true, nil
		}
		counts = c.queue.Status()
	}

	// Features settle with their tasks; a blocked task is now a failed
	// feature rather than one still in flight.
	if err := c.syncFeatureStatuses(ctx, true); err != nil {
		return false, err
	}

	switch {
	case counts.Failed > 0 || counts.Blocked > 0:
		msg := fmt.Sprintf("%d tasks failed, %d blocked awaiting intervention", counts.Failed, counts.Blocked)
		if err := c.fail(ctx, msg); err != nil {
			return false, err
		}
	case counts.Pending > 0:
		// Pending tasks with nothing runnable means everything left is
		// gated on work that cannot proceed.
		if err := c.fail(ctx, fmt.Sprintf("%d tasks stranded without runnable dependencies", counts.Pending)); err != nil {
			return false, err
		}
	case !c.featuresSettled():
		if err := c.fail(ctx, "features unsettled after execution"); err != nil {
			return false, err
		}
	default:
		if err := c.setStatus(ctx, domain.ProjectStatusCompleted, ""); err != nil {
			return false, err
		}
		c.logDecision(ctx, "coordinator", "project-completed", fmt.Sprintf("%d tasks completed", counts.Completed), nil)
	}
	if err := c.store.UpdateProjectMetrics(ctx, c.project.ID, c.projectMetrics()); err != nil {
		return false, fmt.Errorf("%w: persist metrics: %w", ErrPersistence, err)
	}
	return false, nil
}

// featuresSettled reports whether every planned feature ended
// completed. Features whose breakdown was entirely superseded carry no
// tasks and do not count against settlement.
func (c *Coordinator) featuresSettled() bool {
	tasked := make(map[string]bool)
	for _, t := range c.queue.Tasks() {
		tasked[t.FeatureID] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, f := range c.features {
		if tasked[id] && f.Status != domain.FeatureStatusCompleted {
			return false
		}
	}
	return true
}

// Pause requests a cooperative pause. In-flight quality steps run to
// completion, iterations stop at their next boundary, and unfinished
// wave tasks return to pending. The project passes through stopping
// until the wave winds down.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.pauseReq = true
	c.signalStopLocked()
	c.mu.Unlock()
	c.markStopping()
	return nil
}

// Stop requests a terminal stop. In-flight steps finish as with Pause;
// the project then ends failed with an operator-stop reason.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.stopReq = true
	c.signalStopLocked()
	c.mu.Unlock()
	c.markStopping()
	return nil
}

// signalStopLocked closes the current wave's stop channel once. Callers
// hold c.mu.
func (c *Coordinator) signalStopLocked() {
	if c.waveStop != nil {
		close(c.waveStop)
		c.waveStop = nil
	}
}

// markStopping flips the in-memory status so operators see the wind
// down immediately. The durable transition lands when the wave settles
// into paused or failed.
func (c *Coordinator) markStopping() {
	c.mu.Lock()
	from := c.status
	if from == domain.ProjectStatusStopping || from.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.status = domain.ProjectStatusStopping
	c.project.Status = domain.ProjectStatusStopping
	c.mu.Unlock()
	c.publish(eventbus.ProjectStateChanged{ProjectID: c.project.ID, From: from, To: domain.ProjectStatusStopping, At: time.Now().UTC()})
}

// Abort removes one task from contention, blocking it and everything
// depending on it.
func (c *Coordinator) Abort(ctx context.Context, taskID string) error {
	if err := c.queue.MarkAborted(taskID); err != nil {
		return err
	}
	c.publish(eventbus.TaskBlocked{TaskID: taskID, Reason: "manually-aborted", At: time.Now().UTC()})
	c.logDecision(ctx, "operator", "task-aborted", "manual abort", map[string]any{"task_id": taskID})
	if task, err := c.queue.Get(taskID); err == nil {
		if err := c.store.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("%w: persist aborted task %s: %w", ErrPersistence, taskID, err)
		}
	}
	return nil
}

// Retry returns a blocked or failed task to pending after human
// intervention.
func (c *Coordinator) Retry(ctx context.Context, taskID string) error {
	if err := c.queue.Retry(taskID); err != nil {
		return err
	}
	c.logDecision(ctx, "operator", "task-retried", "manual retry", map[string]any{"task_id": taskID})
	return nil
}

func (c *Coordinator) pauseNow(ctx context.Context, reason string) error {
	c.queue.RequeueUnsettled()
	if err := c.setStatus(ctx, domain.ProjectStatusPaused, ""); err != nil {
		if ctx.Err() == nil {
			return err
		}
		// Shutdown already tore down the store's context; the paused
		// status is re-derived on resume.
		c.logger.Printf("coordinator: persist paused status: %v", err)
	}
	c.logDecision(ctx, "coordinator", "project-paused", reason, nil)
	c.logger.Printf("coordinator: paused: %s", reason)
	return nil
}

func (c *Coordinator) fail(ctx context.Context, reason string) error {
	c.mu.Lock()
	c.project.LastError = reason
	c.mu.Unlock()
	if err := c.setStatus(ctx, domain.ProjectStatusFailed, reason); err != nil {
		return err
	}
	c.logDecision(ctx, "coordinator", "project-failed", reason, nil)
	return nil
}

// failPersistence settles the run after a failed state write. The
// store is already suspect, so the failed status lands best effort and
// the operator is pointed at the last checkpoint known durable.
func (c *Coordinator) failPersistence(ctx context.Context, cause error) {
	c.mu.Lock()
	from := c.status
	msg := fmt.Sprintf("%v", cause)
	if c.lastCheckpointID != "" {
		msg = fmt.Sprintf("%s (last durable checkpoint %s)", msg, c.lastCheckpointID)
	} else {
		msg += " (no durable checkpoint)"
	}
	c.project.LastError = msg
	c.status = domain.ProjectStatusFailed
	c.project.Status = domain.ProjectStatusFailed
	c.mu.Unlock()

	if err := c.store.UpdateProjectStatus(ctx, c.project.ID, domain.ProjectStatusFailed, msg); err != nil {
		c.logger.Printf("coordinator: persist failed status: %v", err)
	}
	c.publish(eventbus.ProjectStateChanged{ProjectID: c.project.ID, From: from, To: domain.ProjectStatusFailed, At: time.Now().UTC()})
	c.publish(eventbus.SystemError{ProjectID: c.project.ID, Err: msg, At: time.Now().UTC()})
	c.logger.Printf("coordinator: failed: %s", msg)
}

func (c *Coordinator) setStatus(ctx context.Context, status domain.ProjectStatus, lastError string) error {
	c.mu.Lock()
	from := c.status
	if from == status {
		c.mu.Unlock()
		return nil
	}
	c.status = status
	c.project.Status = status
	c.mu.Unlock()

	if err := c.store.UpdateProjectStatus(ctx, c.project.ID, status, lastError); err != nil {
		return fmt.Errorf("%w: persist status %s: %w", ErrPersistence, status, err)
	}
	c.publish(eventbus.ProjectStateChanged{ProjectID: c.project.ID, From: from, To: status, At: time.Now().UTC()})
	return nil
}

func (c *Coordinator) statusNow() domain.ProjectStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) takePauseRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.pauseReq
	c.pauseReq = false
	return req
}

func (c *Coordinator) takeStopRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.stopReq
	c.stopReq = false
	return req
}

func (c *Coordinator) noteTaskStarted(task domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	track := c.trackLocked(task.FeatureID)
	if track.startedAt.IsZero() {
		track.startedAt = time.Now().UTC()
	}
}

func (c *Coordinator) noteTaskFinished(task domain.Task, success bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	track := c.trackLocked(task.FeatureID)
	if success {
		track.consecutiveFailed = 0
		return
	}
	track.consecutiveFailed++
	if reason == iteration.ReasonIterationsExceeded {
		track.exhaustedTasks++
	}
}

func (c *Coordinator) trackFiles(task domain.Task, records []domain.IterationRecord) {
	seen := make(map[string]bool)
	var files []string
	for _, rec := range records {
		for _, f := range rec.FilesChanged {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return
	}
	if err := c.queue.AddFilesTouched(task.ID, files); err != nil {
		c.logger.Printf("coordinator: record touched files for %s: %v", task.ID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	track := c.trackLocked(task.FeatureID)
	track.filesByTask[task.ID] = files
}

func (c *Coordinator) trackLocked(featureID string) *featureTrack {
	track, ok := c.tracks[featureID]
	if !ok {
		track = &featureTrack{filesByTask: make(map[string][]string)}
		c.tracks[featureID] = track
	}
	return track
}

func (c *Coordinator) resetTrack(featureID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracks, featureID)
}

func (c *Coordinator) bumpMetrics(fn func(m *domain.ProjectMetrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.project.Metrics)
}

func (c *Coordinator) projectMetrics() domain.ProjectMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.project.Metrics
}

func (c *Coordinator) persistRecords(ctx context.Context, records []domain.IterationRecord) error {
	for _, rec := range records {
		if _, err := c.store.AppendIterationRecord(ctx, rec); err != nil {
			return fmt.Errorf("%w: persist iteration record for task %s: %w", ErrPersistence, rec.TaskID, err)
		}
	}
	return nil
}

func (c *Coordinator) persistWave(ctx context.Context, wave domain.Wave) error {
	c.bumpMetrics(func(m *domain.ProjectMetrics) { m.WavesExecuted++ })
	if err := c.store.SaveTasks(ctx, c.queue.Tasks()); err != nil {
		return fmt.Errorf("%w: persist wave %d tasks: %w", ErrPersistence, wave.Number, err)
	}
	if err := c.store.UpdateProjectMetrics(ctx, c.project.ID, c.projectMetrics()); err != nil {
		return fmt.Errorf("%w: persist metrics: %w", ErrPersistence, err)
	}
	return c.syncFeatureStatuses(ctx, false)
}

// syncFeatureStatuses derives each feature's status from its tasks and
// persists transitions. With settled set, nothing else will run: a
// blocked task means the feature failed rather than in flight.
func (c *Coordinator) syncFeatureStatuses(ctx context.Context, settled bool) error {
	c.mu.Lock()
	features := make([]domain.Feature, 0, len(c.features))
	for _, f := range c.features {
		features = append(features, f)
	}
	c.mu.Unlock()
	if len(features) == 0 {
		return nil
	}

	byFeature := make(map[string][]domain.Task)
	for _, t := range c.queue.Tasks() {
		byFeature[t.FeatureID] = append(byFeature[t.FeatureID], t)
	}
	for _, f := range features {
		next := deriveFeatureStatus(byFeature[f.ID], settled, f.Status)
		if next == f.Status {
			continue
		}
		f.Status = next
		f.UpdatedAt = time.Now().UTC()
		c.mu.Lock()
		c.features[f.ID] = f
		c.mu.Unlock()
		if err := c.store.SaveFeature(ctx, f); err != nil {
			return fmt.Errorf("%w: persist feature %s: %w", ErrPersistence, f.ID, err)
		}
		c.logger.Printf("coordinator: feature %s -> %s", f.ID, next)
	}
	return nil
}

func deriveFeatureStatus(tasks []domain.Task, settled bool, current domain.FeatureStatus) domain.FeatureStatus {
	if len(tasks) == 0 {
		return current
	}
	var failed, blocked, active, completed bool
	allDone := true
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskStatusCompleted:
			completed = true
		case domain.TaskStatusFailed:
			failed = true
			allDone = false
		case domain.TaskStatusBlocked:
			blocked = true
			allDone = false
		case domain.TaskStatusQueued, domain.TaskStatusAssigned, domain.TaskStatusInProgress:
			active = true
			allDone = false
		default:
			allDone = false
		}
	}
	switch {
	case allDone:
		return domain.FeatureStatusCompleted
	case failed || (settled && blocked):
		return domain.FeatureStatusFailed
	case active || completed || blocked:
		return domain.FeatureStatusInProgress
	default:
		return domain.FeatureStatusPlanning
	}
}

func (c *Coordinator) logDecision(ctx context.Context, actor, action, reason string, payload any) {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			c.logger.Printf("coordinator: marshal decision payload: %v", err)
		}
	}
	d := domain.DecisionLog{
		ProjectID: c.project.ID,
		Actor:     actor,
		Action:    action,
		Reason:    reason,
		Payload:   encoded,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.AppendDecision(ctx, d); err != nil {
		c.logger.Printf("coordinator: persist decision: %v", err)
	}
}

func (c *Coordinator) publish(ev eventbus.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}
