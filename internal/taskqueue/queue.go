package taskqueue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crucible/internal/domain"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already enqueued")
	ErrUnknownDependency = errors.New("dependency references unknown task")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DependencyCycleError is fatal: the graph is rejected at enqueue time
// and no task from the offending batch is ever scheduled.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

type entry struct {
	task *domain.Task
	seq  int
}

// Queue holds pending tasks with their dependency edges and computes
// executable waves. It is the arena for task records: everything the
// engine knows about a task is read and mutated through this API, and
// all transitions are serialized behind one mutex so concurrent
// completions within a wave cannot corrupt dependency bookkeeping.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextSeq int
	waveNum int
}

func New() *Queue {
	return &Queue{
		entries: make(map[string]*entry),
	}
}

// Enqueue adds a single task. Its dependencies must already be known to
// the queue. For batches with intra-batch edges use EnqueueAll.
func (q *Queue) Enqueue(task domain.Task) error {
	return q.EnqueueAll([]domain.Task{task})
}

// EnqueueAll validates the batch as one unit: duplicate ids, unknown
// dependencies and cycles are all rejected before anything is admitted,
// so a bad graph never partially executes.
func (q *Queue) EnqueueAll(tasks []domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	incoming := make(map[string]domain.Task, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return fmt.Errorf("task id is required")
		}
		if _, exists := q.entries[task.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		if _, exists := incoming[task.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		incoming[task.ID] = task
	}

	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if dep == task.ID {
				return &DependencyCycleError{Cycle: []string{task.ID, task.ID}}
			}
			if _, ok := incoming[dep]; ok {
				continue
			}
			if _, ok := q.entries[dep]; ok {
				continue
			}
			return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, task.ID, dep)
		}
	}

	if cycle := q.findCycle(incoming); cycle != nil {
		return &DependencyCycleError{Cycle: cycle}
	}

	for _, task := range tasks {
		t := incoming[task.ID]
		if t.Status == "" {
			t.Status = domain.TaskStatusPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		stored := t
		q.entries[t.ID] = &entry{task: &stored, seq: q.nextSeq}
		q.nextSeq++
	}
	return nil
}

// findCycle runs DFS over the union of existing and incoming tasks and
// returns one offending path, or nil. Completed tasks cannot be part of
// a cycle that matters, but including them is harmless and keeps the
// check simple.
func (q *Queue) findCycle(incoming map[string]domain.Task) []string {
	deps := func(id string) []string {
		if t, ok := incoming[id]; ok {
			return t.DependsOn
		}
		if e, ok := q.entries[id]; ok {
			return e.task.DependsOn
		}
		return nil
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)
	var stack []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		switch state[id] {
		case visiting:
			cycle := []string{id}
			for i := len(stack) - 1; i >= 0 && stack[i] != id; i-- {
				cycle = append(cycle, stack[i])
			}
			cycle = append(cycle, id)
			return cycle
		case done:
			return nil
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps(id) {
			if cycle := dfs(dep); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	ids := make([]string, 0, len(incoming))
	for id := range incoming {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if cycle := dfs(id); cycle != nil {
			return cycle
		}
	}
	return nil
}

// NextWave returns every pending task whose dependency set is fully
// completed, truncated to maxConcurrency. Ordering is deterministic:
// ascending numeric priority, then enqueue order, so re-running from a
// checkpoint reproduces the same scheduling. Returned tasks transition
// to queued; the wave's estimate is the max of member estimates.
func (q *Queue) NextWave(maxConcurrency int) domain.Wave {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := make([]*entry, 0)
	for _, e := range q.entries {
		if e.task.Status != domain.TaskStatusPending {
			continue
		}
		if q.depsCompleted(e.task) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].task.Priority != ready[j].task.Priority {
			return ready[i].task.Priority < ready[j].task.Priority
		}
		return ready[i].seq < ready[j].seq
	})
	if maxConcurrency > 0 && len(ready) > maxConcurrency {
		ready = ready[:maxConcurrency]
	}

	if len(ready) == 0 {
		return domain.Wave{Number: q.waveNum}
	}

	q.waveNum++
	wave := domain.Wave{Number: q.waveNum}
	for _, e := range ready {
		e.task.Status = domain.TaskStatusQueued
		e.task.UpdatedAt = time.Now().UTC()
		wave.Tasks = append(wave.Tasks, *e.task)
		if e.task.EstimatedMinutes > wave.EstimatedMinutes {
			wave.EstimatedMinutes = e.task.EstimatedMinutes
		}
	}
	return wave
}

func (q *Queue) depsCompleted(task *domain.Task) bool {
	for _, dep := range task.DependsOn {
		e, ok := q.entries[dep]
		if !ok || e.task.Status != domain.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// MarkAssigned records the agent holding the task.
func (q *Queue) MarkAssigned(taskID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.task.Status != domain.TaskStatusQueued {
		return fmt.Errorf("%w: assign %s in status %s", ErrInvalidTransition, taskID, e.task.Status)
	}
	e.task.Status = domain.TaskStatusAssigned
	e.task.AssignedAgentID = agentID
	e.task.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkInProgress is only legal once every dependency is completed; the
// queue enforces the invariant rather than trusting the caller.
func (q *Queue) MarkInProgress(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.task.Status != domain.TaskStatusAssigned {
		return fmt.Errorf("%w: start %s in status %s", ErrInvalidTransition, taskID, e.task.Status)
	}
	if !q.depsCompleted(e.task) {
		return fmt.Errorf("%w: start %s with incomplete dependencies", ErrInvalidTransition, taskID)
	}
	now := time.Now().UTC()
	e.task.Status = domain.TaskStatusInProgress
	e.task.StartedAt = &now
	e.task.UpdatedAt = now
	return nil
}

func (q *Queue) MarkCompleted(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	switch e.task.Status {
	case domain.TaskStatusQueued, domain.TaskStatusAssigned, domain.TaskStatusInProgress:
	default:
		return fmt.Errorf("%w: complete %s in status %s", ErrInvalidTransition, taskID, e.task.Status)
	}
	now := time.Now().UTC()
	e.task.Status = domain.TaskStatusCompleted
	e.task.AssignedAgentID = ""
	e.task.CompletedAt = &now
	e.task.UpdatedAt = now
	return nil
}

// MarkFailed fails a task. Non-terminal failures return the task to
// pending for another wave. Terminal failures cascade: every pending
// task reachable through the dependency graph transitions to blocked,
// never silently starving in pending.
func (q *Queue) MarkFailed(taskID string, terminal bool, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	switch e.task.Status {
	case domain.TaskStatusQueued, domain.TaskStatusAssigned, domain.TaskStatusInProgress:
	default:
		return fmt.Errorf("%w: fail %s in status %s", ErrInvalidTransition, taskID, e.task.Status)
	}
	now := time.Now().UTC()
	e.task.AssignedAgentID = ""
	e.task.LastError = reason
	e.task.UpdatedAt = now
	if !terminal {
		e.task.Status = domain.TaskStatusPending
		return nil
	}
	e.task.Status = domain.TaskStatusFailed
	e.task.CompletedAt = &now
	q.blockDependents(taskID, reason)
	return nil
}

// MarkEscalated parks the task as blocked pending human review. For
// dependents it behaves like a terminal failure: they are blocked until
// the task is resolved.
func (q *Queue) MarkEscalated(taskID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	switch e.task.Status {
	case domain.TaskStatusQueued, domain.TaskStatusAssigned, domain.TaskStatusInProgress:
	default:
		return fmt.Errorf("%w: escalate %s in status %s", ErrInvalidTransition, taskID, e.task.Status)
	}
	e.task.Status = domain.TaskStatusBlocked
	e.task.AssignedAgentID = ""
	e.task.LastError = reason
	e.task.UpdatedAt = time.Now().UTC()
	q.blockDependents(taskID, "dependency escalated: "+taskID)
	return nil
}

// MarkAborted parks an in-flight task as blocked with a manual-abort
// marker rather than failing it.
func (q *Queue) MarkAborted(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	switch e.task.Status {
	case domain.TaskStatusPending, domain.TaskStatusQueued, domain.TaskStatusAssigned, domain.TaskStatusInProgress:
	default:
		return fmt.Errorf("%w: abort %s in status %s", ErrInvalidTransition, taskID, e.task.Status)
	}
	e.task.Status = domain.TaskStatusBlocked
	e.task.AssignedAgentID = ""
	e.task.LastError = "manually-aborted"
	e.task.UpdatedAt = time.Now().UTC()
	q.blockDependents(taskID, "dependency aborted: "+taskID)
	return nil
}

func (q *Queue) blockDependents(taskID, reason string) {
	// Transitive walk; blocked tasks can pick up further blockers but
	// only pending ones transition.
	frontier := []string{taskID}
	seen := map[string]bool{taskID: true}
	for len(frontier) > 0 {
		next := make([]string, 0)
		for _, e := range q.entries {
			if seen[e.task.ID] {
				continue
			}
			for _, dep := range e.task.DependsOn {
				if !containsString(frontier, dep) {
					continue
				}
				if e.task.Status == domain.TaskStatusPending {
					e.task.Status = domain.TaskStatusBlocked
					e.task.LastError = reason
					e.task.UpdatedAt = time.Now().UTC()
				}
				seen[e.task.ID] = true
				next = append(next, e.task.ID)
				break
			}
		}
		frontier = next
	}
}

// Retry returns a blocked or failed task (and its blocked dependents)
// to pending so it can be scheduled again.
func (q *Queue) Retry(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.task.Status != domain.TaskStatusBlocked && e.task.Status != domain.TaskStatusFailed {
		return fmt.Errorf("%w: retry %s in status %s", ErrInvalidTransition, taskID, e.task.Status)
	}
	e.task.Status = domain.TaskStatusPending
	e.task.LastError = ""
	e.task.CompletedAt = nil
	e.task.UpdatedAt = time.Now().UTC()
	q.unblockDependents(taskID)
	return nil
}

func (q *Queue) unblockDependents(taskID string) {
	frontier := []string{taskID}
	for len(frontier) > 0 {
		next := make([]string, 0)
		for _, e := range q.entries {
			if e.task.Status != domain.TaskStatusBlocked {
				continue
			}
			for _, dep := range e.task.DependsOn {
				if !containsString(frontier, dep) {
					continue
				}
				if q.hasTerminalBlocker(e.task) {
					continue
				}
				e.task.Status = domain.TaskStatusPending
				e.task.LastError = ""
				e.task.UpdatedAt = time.Now().UTC()
				next = append(next, e.task.ID)
				break
			}
		}
		frontier = next
	}
}

func (q *Queue) hasTerminalBlocker(task *domain.Task) bool {
	for _, dep := range task.DependsOn {
		e, ok := q.entries[dep]
		if !ok {
			return true
		}
		if e.task.Status == domain.TaskStatusFailed || e.task.Status == domain.TaskStatusBlocked {
			return true
		}
	}
	return false
}

// RequeueUnsettled returns tasks stranded mid-wave (queued, assigned,
// or interrupted in progress) back to pending. Used when a wave is cut
// short by a pause or shutdown.
func (q *Queue) RequeueUnsettled() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var requeued []string
	for _, e := range q.entries {
		switch e.task.Status {
		case domain.TaskStatusQueued, domain.TaskStatusAssigned, domain.TaskStatusInProgress:
		default:
			continue
		}
		e.task.Status = domain.TaskStatusPending
		e.task.AssignedAgentID = ""
		e.task.UpdatedAt = time.Now().UTC()
		requeued = append(requeued, e.task.ID)
	}
	sort.Strings(requeued)
	return requeued
}

// RemovePendingForFeature drops a feature's not-yet-started tasks so a
// replan can supersede them. Completed work is never removed.
func (q *Queue) RemovePendingForFeature(featureID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []string
	for id, e := range q.entries {
		if e.task.FeatureID != featureID {
			continue
		}
		if e.task.Status == domain.TaskStatusPending || e.task.Status == domain.TaskStatusBlocked {
			delete(q.entries, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// AddFilesTouched merges newly touched files into the task's record,
// keeping the list unique and ordered.
func (q *Queue) AddFilesTouched(taskID string, files []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	seen := make(map[string]bool, len(e.task.FilesTouched))
	for _, f := range e.task.FilesTouched {
		seen[f] = true
	}
	for _, f := range files {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		e.task.FilesTouched = append(e.task.FilesTouched, f)
	}
	sort.Strings(e.task.FilesTouched)
	return nil
}

func (q *Queue) Get(taskID string) (domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return *e.task, nil
}

// Tasks returns copies of every task in deterministic enqueue order.
func (q *Queue) Tasks() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	result := make([]domain.Task, 0, len(entries))
	for _, e := range entries {
		result = append(result, *e.task)
	}
	return result
}

type Counts struct {
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
}

func (c Counts) Unsettled() int {
	return c.Pending + c.Queued + c.Assigned + c.InProgress
}

func (q *Queue) Status() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, e := range q.entries {
		switch e.task.Status {
		case domain.TaskStatusPending:
			c.Pending++
		case domain.TaskStatusQueued:
			c.Queued++
		case domain.TaskStatusAssigned:
			c.Assigned++
		case domain.TaskStatusInProgress:
			c.InProgress++
		case domain.TaskStatusCompleted:
			c.Completed++
		case domain.TaskStatusFailed:
			c.Failed++
		case domain.TaskStatusBlocked:
			c.Blocked++
		}
	}
	return c
}

// Snapshot returns the completed and pending (not yet settled) task id
// sets, sorted, for checkpointing.
func (q *Queue) Snapshot() (completed []string, pending []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.task.Status == domain.TaskStatusCompleted {
			completed = append(completed, e.task.ID)
		} else if !e.task.Status.IsTerminal() {
			pending = append(pending, e.task.ID)
		}
	}
	sort.Strings(completed)
	sort.Strings(pending)
	return completed, pending
}

// RestoreCompleted marks checkpointed task ids completed without
// running them. Unknown ids are ignored: a replan may have superseded
// them since the checkpoint was taken.
func (q *Queue) RestoreCompleted(taskIDs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range taskIDs {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		e.task.Status = domain.TaskStatusCompleted
		e.task.CompletedAt = &now
		e.task.UpdatedAt = now
	}
}

func containsString(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
