package replan

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"crucible/internal/domain"
	"crucible/internal/eventbus"
)

// Trigger names the condition that tripped a replan evaluation.
type Trigger string

const (
	TriggerComplexityGrowth    Trigger = "complexity-growth"
	TriggerConsecutiveFailures Trigger = "consecutive-failures"
	TriggerIterationExhaustion Trigger = "iteration-exhaustion"
	TriggerScopeCreep          Trigger = "scope-creep"
	TriggerTimeExceeded        Trigger = "time-exceeded"
)

// Decomposer produces a fresh task breakdown for a single feature,
// given what already completed and why the current breakdown stalled.
type Decomposer interface {
	Decompose(ctx context.Context, req DecomposeRequest) (domain.Decomposition, error)
}

type DecomposeRequest struct {
	Project   domain.Project
	Feature   domain.Feature
	Completed []domain.Task
	Reason    string
}

// Queue is the slice of the task queue the replanner reconciles
// against. Completed tasks survive reconciliation untouched.
type Queue interface {
	Tasks() []domain.Task
	RemovePendingForFeature(featureID string) []string
	EnqueueAll(tasks []domain.Task) error
}

type Bus interface {
	Publish(event eventbus.Event)
}

// FeatureSignals is the per-feature observation window the triggers
// evaluate. The coordinator accumulates these as waves complete.
type FeatureSignals struct {
	FeatureID string
	// ActualTasks counts tasks that exist for the feature right now,
	// including those added by earlier replans.
	ActualTasks    int
	EstimatedTasks int
	// ConsecutiveFailed counts distinct tasks that reached a terminal
	// failure or escalation back to back within the feature.
	ConsecutiveFailed int
	// ExhaustedTasks counts tasks escalated for iteration exhaustion.
	ExhaustedTasks int
	// FilesOutsideScope counts touched files not under the feature's
	// declared paths.
	FilesOutsideScope int
	ElapsedMinutes    int
	EstimatedMinutes  int
}

type Config struct {
	// ComplexityGrowthFactor trips when actual tasks exceed the
	// estimate by this multiple.
	ComplexityGrowthFactor float64
	ConsecutiveFailures    int
	ExhaustedTasks         int
	ScopeCreepFiles        int
	// TimeBudgetFactor trips when elapsed time exceeds the feature
	// estimate by this multiple.
	TimeBudgetFactor float64
	// MaxPerFeature caps replans for one feature; beyond it the
	// feature escalates instead of replanning again.
	MaxPerFeature int
}

func (c Config) withDefaults() Config {
	if c.ComplexityGrowthFactor <= 0 {
		c.ComplexityGrowthFactor = 1.5
	}
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = 2
	}
	if c.ExhaustedTasks <= 0 {
		c.ExhaustedTasks = 1
	}
	if c.ScopeCreepFiles <= 0 {
		c.ScopeCreepFiles = 3
	}
	if c.TimeBudgetFactor <= 0 {
		c.TimeBudgetFactor = 3
	}
	if c.MaxPerFeature <= 0 {
		c.MaxPerFeature = 2
	}
	return c
}

// Replanner evaluates drift signals per feature and, when a trigger
// fires, asks the decomposer for a fresh breakdown and reconciles the
// queue to it. Completed work is never redone.
type Replanner struct {
	decomposer Decomposer
	queue      Queue
	bus        Bus
	cfg        Config
	logger     *log.Logger

	replansByFeature map[string]int
}

func New(decomposer Decomposer, queue Queue, bus Bus, cfg Config, logger *log.Logger) *Replanner {
	if logger == nil {
		logger = log.Default()
	}
	return &Replanner{
		decomposer:       decomposer,
		queue:            queue,
		bus:              bus,
		cfg:              cfg.withDefaults(),
		logger:           logger,
		replansByFeature: make(map[string]int),
	}
}

// Evaluate returns the triggers that fire for the given signals, in a
// fixed order. An empty slice means the feature is on plan.
func (r *Replanner) Evaluate(sig FeatureSignals) []Trigger {
	var fired []Trigger
	if sig.EstimatedTasks > 0 &&
		float64(sig.ActualTasks) > float64(sig.EstimatedTasks)*r.cfg.ComplexityGrowthFactor {
		fired = append(fired, TriggerComplexityGrowth)
	}
	if sig.ConsecutiveFailed >= r.cfg.ConsecutiveFailures {
		fired = append(fired, TriggerConsecutiveFailures)
	}
	if sig.ExhaustedTasks >= r.cfg.ExhaustedTasks {
		fired = append(fired, TriggerIterationExhaustion)
	}
	if sig.FilesOutsideScope >= r.cfg.ScopeCreepFiles {
		fired = append(fired, TriggerScopeCreep)
	}
	if sig.EstimatedMinutes > 0 &&
		float64(sig.ElapsedMinutes) > float64(sig.EstimatedMinutes)*r.cfg.TimeBudgetFactor {
		fired = append(fired, TriggerTimeExceeded)
	}
	return fired
}

// Result reports what a replan did to the queue.
type Result struct {
	FeatureID    string
	Trigger      Trigger
	RemovedTasks []string
	AddedTasks   []string
	// Exhausted is set when the feature hit its replan budget and must
	// escalate rather than replan again.
	Exhausted bool
}

// Replan reconciles one feature's pending tasks against a fresh
// decomposition. Only pending tasks of that feature are removed;
// completed tasks and other features' tasks are untouched.
func (r *Replanner) Replan(ctx context.Context, project domain.Project, feature domain.Feature, trigger Trigger) (Result, error) {
	res := Result{FeatureID: feature.ID, Trigger: trigger}

	if r.replansByFeature[feature.ID] >= r.cfg.MaxPerFeature {
		res.Exhausted = true
		r.logger.Printf("replan: feature %s exceeded replan budget (%d), escalating", feature.ID, r.cfg.MaxPerFeature)
		return res, nil
	}

	var completed []domain.Task
	for _, task := range r.queue.Tasks() {
		if task.FeatureID == feature.ID && task.Status == domain.TaskStatusCompleted {
			completed = append(completed, task)
		}
	}

	r.publish(eventbus.ReplanTriggered{
		ProjectID: project.ID,
		FeatureID: feature.ID,
		Trigger:   string(trigger),
		At:        time.Now().UTC(),
	})

	decomp, err := r.decomposer.Decompose(ctx, DecomposeRequest{
		Project:   project,
		Feature:   feature,
		Completed: completed,
		Reason:    string(trigger),
	})
	if err != nil {
		return Result{}, fmt.Errorf("decompose feature %s: %w", feature.ID, err)
	}

	completedIDs := make(map[string]bool, len(completed))
	for _, task := range completed {
		completedIDs[task.ID] = true
	}
	fresh := make([]domain.Task, 0, len(decomp.Tasks))
	for _, task := range decomp.Tasks {
		if completedIDs[task.ID] {
			continue
		}
		if task.FeatureID == "" {
			task.FeatureID = feature.ID
		}
		if task.FeatureID != feature.ID {
			return Result{}, fmt.Errorf("decomposition for feature %s returned task %s for feature %s", feature.ID, task.ID, task.FeatureID)
		}
		fresh = append(fresh, task)
	}

	res.RemovedTasks = r.queue.RemovePendingForFeature(feature.ID)
	if err := r.queue.EnqueueAll(fresh); err != nil {
		return Result{}, fmt.Errorf("enqueue replanned tasks for feature %s: %w", feature.ID, err)
	}
	for _, task := range fresh {
		res.AddedTasks = append(res.AddedTasks, task.ID)
	}
	sort.Strings(res.AddedTasks)
	r.replansByFeature[feature.ID]++

	r.publish(eventbus.ReplanApplied{
		ProjectID:    project.ID,
		FeatureID:    feature.ID,
		Trigger:      string(trigger),
		RemovedTasks: res.RemovedTasks,
		AddedTasks:   res.AddedTasks,
		At:           time.Now().UTC(),
	})
	r.logger.Printf("replan: feature %s trigger=%s removed=%d added=%d", feature.ID, trigger, len(res.RemovedTasks), len(res.AddedTasks))
	return res, nil
}

// ReplanCount reports how many times a feature has been replanned.
func (r *Replanner) ReplanCount(featureID string) int {
	return r.replansByFeature[featureID]
}

func (r *Replanner) publish(ev eventbus.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
