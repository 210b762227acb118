package replan

import (
	"context"
	"errors"
	"testing"

	"crucible/internal/domain"
	"crucible/internal/eventbus"
	"crucible/internal/taskqueue"
)

type fakeDecomposer struct {
	requests []DecomposeRequest
	result   domain.Decomposition
	err      error
}

func (d *fakeDecomposer) Decompose(ctx context.Context, req DecomposeRequest) (domain.Decomposition, error) {
	d.requests = append(d.requests, req)
	if d.err != nil {
		return domain.Decomposition{}, d.err
	}
	return d.result, nil
}

func task(id, featureID string, deps ...string) domain.Task {
	return domain.Task{ID: id, FeatureID: featureID, Type: domain.TaskTypeAuto, DependsOn: deps}
}

func feature(id string) domain.Feature {
	return domain.Feature{ID: id, Name: id, Priority: domain.FeaturePriorityMust}
}

func TestEvaluateTriggers(t *testing.T) {
	r := New(nil, nil, nil, Config{}, nil)

	cases := []struct {
		name string
		sig  FeatureSignals
		want []Trigger
	}{
		{
			name: "on plan",
			sig:  FeatureSignals{ActualTasks: 4, EstimatedTasks: 4, ElapsedMinutes: 10, EstimatedMinutes: 30},
			want: nil,
		},
		{
			name: "complexity growth",
			sig:  FeatureSignals{ActualTasks: 7, EstimatedTasks: 4},
			want: []Trigger{TriggerComplexityGrowth},
		},
		{
			name: "consecutive failures",
			sig:  FeatureSignals{ConsecutiveFailed: 2},
			want: []Trigger{TriggerConsecutiveFailures},
		},
		{
			name: "iteration exhaustion",
			sig:  FeatureSignals{ExhaustedTasks: 1},
			want: []Trigger{TriggerIterationExhaustion},
		},
		{
			name: "scope creep",
			sig:  FeatureSignals{FilesOutsideScope: 3},
			want: []Trigger{TriggerScopeCreep},
		},
		{
			name: "time exceeded",
			sig:  FeatureSignals{ElapsedMinutes: 100, EstimatedMinutes: 30},
			want: []Trigger{TriggerTimeExceeded},
		},
		{
			name: "several at once",
			sig:  FeatureSignals{ActualTasks: 9, EstimatedTasks: 4, ConsecutiveFailed: 3},
			want: []Trigger{TriggerComplexityGrowth, TriggerConsecutiveFailures},
		},
	}
	for _, tc := range cases {
		got := r.Evaluate(tc.sig)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
			}
		}
	}
}

func TestZeroEstimatesNeverTrip(t *testing.T) {
	r := New(nil, nil, nil, Config{}, nil)
	got := r.Evaluate(FeatureSignals{ActualTasks: 50, ElapsedMinutes: 1000})
	if len(got) != 0 {
		t.Fatalf("unestimated features must not trip ratio triggers, got %v", got)
	}
}

func TestReplanReconcilesOnlyPendingOfFeature(t *testing.T) {
	q := taskqueue.New()
	seed := []domain.Task{
		task("f1-t1", "f1"),
		task("f1-t2", "f1", "f1-t1"),
		task("f1-t3", "f1", "f1-t2"),
		task("f2-t1", "f2"),
	}
	if err := q.EnqueueAll(seed); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	wave := q.NextWave(10)
	for _, wt := range wave.Tasks {
		if err := q.MarkAssigned(wt.ID, "a1"); err != nil {
			t.Fatalf("assign: %v", err)
		}
		if err := q.MarkInProgress(wt.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	if err := q.MarkCompleted("f1-t1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.MarkCompleted("f2-t1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	dec := &fakeDecomposer{result: domain.Decomposition{Tasks: []domain.Task{
		task("f1-t1", "f1"), // already completed, must be dropped
		task("f1-n1", "f1"),
		task("f1-n2", "f1", "f1-n1"),
	}}}
	bus := eventbus.New(nil)
	var applied []eventbus.ReplanApplied
	bus.Subscribe(eventbus.TypeReplanApplied, func(ev eventbus.Event) {
		applied = append(applied, ev.(eventbus.ReplanApplied))
	})

	r := New(dec, q, bus, Config{}, nil)
	res, err := r.Replan(context.Background(), domain.Project{ID: "p1"}, feature("f1"), TriggerConsecutiveFailures)
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if len(res.RemovedTasks) != 2 {
		t.Fatalf("expected f1-t2 and f1-t3 removed, got %v", res.RemovedTasks)
	}
	if len(res.AddedTasks) != 2 {
		t.Fatalf("expected 2 fresh tasks, got %v", res.AddedTasks)
	}

	// Completed work survives, the other feature is untouched.
	if got, err := q.Get("f1-t1"); err != nil || got.Status != domain.TaskStatusCompleted {
		t.Fatalf("completed task must survive replan: %v %v", got.Status, err)
	}
	if _, err := q.Get("f2-t1"); err != nil {
		t.Fatalf("other feature's task must survive: %v", err)
	}
	if _, err := q.Get("f1-t2"); err == nil {
		t.Fatal("pending task of replanned feature should be gone")
	}
	if _, err := q.Get("f1-n1"); err != nil {
		t.Fatalf("fresh task missing: %v", err)
	}

	if len(dec.requests) != 1 || len(dec.requests[0].Completed) != 1 {
		t.Fatalf("decomposer should see completed tasks: %+v", dec.requests)
	}
	if len(applied) != 1 || applied[0].FeatureID != "f1" {
		t.Fatalf("unexpected applied events: %+v", applied)
	}
}

func TestReplanBudgetExhaustion(t *testing.T) {
	q := taskqueue.New()
	dec := &fakeDecomposer{result: domain.Decomposition{Tasks: []domain.Task{task("n1", "f1")}}}
	r := New(dec, q, nil, Config{MaxPerFeature: 1}, nil)

	if _, err := r.Replan(context.Background(), domain.Project{ID: "p1"}, feature("f1"), TriggerTimeExceeded); err != nil {
		t.Fatalf("first replan: %v", err)
	}
	if r.ReplanCount("f1") != 1 {
		t.Fatalf("expected replan count 1, got %d", r.ReplanCount("f1"))
	}

	res, err := r.Replan(context.Background(), domain.Project{ID: "p1"}, feature("f1"), TriggerTimeExceeded)
	if err != nil {
		t.Fatalf("second replan: %v", err)
	}
	if !res.Exhausted {
		t.Fatal("expected budget exhaustion")
	}
	if len(dec.requests) != 1 {
		t.Fatalf("decomposer must not be consulted past the budget, got %d calls", len(dec.requests))
	}
}

func TestReplanRejectsForeignTasks(t *testing.T) {
	q := taskqueue.New()
	dec := &fakeDecomposer{result: domain.Decomposition{Tasks: []domain.Task{task("x1", "other-feature")}}}
	r := New(dec, q, nil, Config{}, nil)

	if _, err := r.Replan(context.Background(), domain.Project{ID: "p1"}, feature("f1"), TriggerScopeCreep); err == nil {
		t.Fatal("expected error for task outside the replanned feature")
	}
}

func TestReplanDecomposerError(t *testing.T) {
	q := taskqueue.New()
	if err := q.Enqueue(task("f1-t1", "f1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dec := &fakeDecomposer{err: errors.New("planner offline")}
	r := New(dec, q, nil, Config{}, nil)

	if _, err := r.Replan(context.Background(), domain.Project{ID: "p1"}, feature("f1"), TriggerScopeCreep); err == nil {
		t.Fatal("expected decomposer error to propagate")
	}
	// Queue untouched on failure.
	if _, err := q.Get("f1-t1"); err != nil {
		t.Fatalf("queue must be untouched when decomposition fails: %v", err)
	}
}
