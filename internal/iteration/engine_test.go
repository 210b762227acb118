package iteration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crucible/internal/domain"
	"crucible/internal/eventbus"
)

type fakeBackend struct {
	mu       sync.Mutex
	calls    int
	contexts []domain.TaskContext
	fn       func(call int, tctx domain.TaskContext) (domain.BackendResult, error)
}

func (b *fakeBackend) Execute(ctx context.Context, task domain.Task, tctx domain.TaskContext) (domain.BackendResult, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.contexts = append(b.contexts, tctx)
	b.mu.Unlock()
	if b.fn != nil {
		return b.fn(call, tctx)
	}
	return domain.BackendResult{Success: true, DiffRef: fmt.Sprintf("diff-%d", call), TokensUsed: 10}, nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []domain.QualityStep
	fn    func(call int, step domain.QualityStep) (domain.StepResult, error)
}

func (r *fakeRunner) Run(ctx context.Context, step domain.QualityStep, task domain.Task) (domain.StepResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, step)
	call := len(r.calls)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(call, step)
	}
	return domain.StepResult{Step: step, Success: true}, nil
}

func testTask() domain.Task {
	return domain.Task{ID: "t1", Name: "wire the flux capacitor", Type: domain.TaskTypeAuto}
}

func TestFirstPassSuccess(t *testing.T) {
	backend := &fakeBackend{}
	runner := &fakeRunner{}
	bus := eventbus.New(nil)

	var iterations []eventbus.IterationCompleted
	bus.Subscribe(eventbus.TypeIterationCompleted, func(ev eventbus.Event) {
		iterations = append(iterations, ev.(eventbus.IterationCompleted))
	})

	eng := New(backend, runner, bus, Config{}, nil)
	out, err := eng.Run(context.Background(), testTask(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Kind != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", out.Kind, out.Reason)
	}
	if out.Iterations != 1 || len(out.Records) != 1 {
		t.Fatalf("expected exactly one iteration record, got %d/%d", out.Iterations, len(out.Records))
	}
	if !out.Records[0].Success {
		t.Fatal("record should be marked successful")
	}
	if len(out.Records[0].Steps) != len(domain.QualitySteps) {
		t.Fatalf("expected %d steps, got %d", len(domain.QualitySteps), len(out.Records[0].Steps))
	}
	if len(iterations) != 1 || !iterations[0].Success {
		t.Fatalf("unexpected iteration events: %+v", iterations)
	}
}

func TestStepShortCircuit(t *testing.T) {
	backend := &fakeBackend{}
	runner := &fakeRunner{
		fn: func(call int, step domain.QualityStep) (domain.StepResult, error) {
			if call == 1 {
				// first iteration fails at build, nothing after runs
				return domain.StepResult{Step: step, Errors: []string{"undefined: fluxCapacitor"}}, nil
			}
			return domain.StepResult{Step: step, Success: true}, nil
		},
	}
	eng := New(backend, runner, eventbus.New(nil), Config{}, nil)
	out, err := eng.Run(context.Background(), testTask(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Kind != OutcomeSuccess || out.Iterations != 2 {
		t.Fatalf("expected success on iteration 2, got %+v", out)
	}
	first := out.Records[0]
	if len(first.Steps) != 1 || first.Steps[0].Step != domain.QualityStepBuild {
		t.Fatalf("expected short-circuit after build, got steps %+v", first.Steps)
	}
	if first.FailureSignature == "" {
		t.Fatal("failed iteration must carry a signature")
	}
}

func TestFailureContextFlowsToNextAttempt(t *testing.T) {
	backend := &fakeBackend{}
	runner := &fakeRunner{
		fn: func(call int, step domain.QualityStep) (domain.StepResult, error) {
			if call == 3 { // iteration 1, test step
				return domain.StepResult{Step: step, Errors: []string{"TestFoo failed: want 2 got 3"}}, nil
			}
			return domain.StepResult{Step: step, Success: true}, nil
		},
	}
	eng := New(backend, runner, eventbus.New(nil), Config{}, nil)
	if _, err := eng.Run(context.Background(), testTask(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(backend.contexts) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", len(backend.contexts))
	}
	second := backend.contexts[1]
	if second.Iteration != 2 {
		t.Fatalf("expected iteration 2 context, got %d", second.Iteration)
	}
	if second.PriorDiffRef != "diff-1" {
		t.Fatalf("expected prior diff ref diff-1, got %q", second.PriorDiffRef)
	}
	if len(second.FailureContext) != 1 || second.FailureContext[0] != "TestFoo failed: want 2 got 3" {
		t.Fatalf("unexpected failure context: %v", second.FailureContext)
	}
}

func TestRepeatedFailureEscalatesAfterThree(t *testing.T) {
	backend := &fakeBackend{}
	runner := &fakeRunner{
		fn: func(call int, step domain.QualityStep) (domain.StepResult, error) {
			return domain.StepResult{Step: step, Errors: []string{"undefined: fluxCapacitor"}}, nil
		},
	}
	bus := eventbus.New(nil)
	var escalations []eventbus.TaskEscalated
	bus.Subscribe(eventbus.TypeTaskEscalated, func(ev eventbus.Event) {
		escalations = append(escalations, ev.(eventbus.TaskEscalated))
	})

	eng := New(backend, runner, bus, Config{MaxIterations: 20}, nil)
	out, err := eng.Run(context.Background(), testTask(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Kind != OutcomeEscalated || out.Reason != ReasonRepeatedFailure {
		t.Fatalf("expected repeated-failure escalation, got %+v", out)
	}
	if out.Iterations != 3 {
		t.Fatalf("expected escalation after exactly 3 iterations, got %d", out.Iterations)
	}
	if len(out.Signatures) != 3 {
		t.Fatalf("expected 3 matching signatures, got %v", out.Signatures)
	}
	if out.Signatures[0] != out.Signatures[1] || out.Signatures[1] != out.Signatures[2] {
		t.Fatalf("signatures should be identical: %v", out.Signatures)
	}
	if len(escalations) != 1 || escalations[0].Reason != ReasonRepeatedFailure {
		t.Fatalf("unexpected escalation events: %+v", escalations)
	}
}

func TestDistinctFailuresDoNotTripRepeatLimit(t *testing.T) {
	backend := &fakeBackend{}
	runner := &fakeRunner{
		fn: func(call int, step domain.QualityStep) (domain.StepResult, error) {
			return domain.StepResult{Step: step, Errors: []string{fmt.Sprintf("distinct error %d", call)}}, nil
		},
	}
	eng := New(backend, runner, eventbus.New(nil), Config{MaxIterations: 5}, nil)
	out, err := eng.Run(context.Background(), testTask(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Reason != ReasonIterationsExceeded {
		t.Fatalf("expected iteration exhaustion, got %s", out.Reason)
	}
	if out.Iterations != 5 || len(out.Records) != 5 {
		t.Fatalf("expected 5 iterations, got %d", out.Iterations)
	}
}

func TestBackendErrorCountsAsIteration(t *testing.T) {
	backend := &fakeBackend{
		fn: func(call int, tctx domain.TaskContext) (domain.BackendResult, error) {
			if call == 1 {
				return domain.BackendResult{}, errors.New("backend unavailable")
			}
			return domain.BackendResult{Success: true}, nil
		},
	}
	eng := New(backend, &fakeRunner{}, eventbus.New(nil), Config{}, nil)
	out, err := eng.Run(context.Background(), testTask(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Kind != OutcomeSuccess || out.Iterations != 2 {
		t.Fatalf("expected recovery on iteration 2, got %+v", out)
	}
	if out.Records[0].Success || len(out.Records[0].Steps) != 0 {
		t.Fatalf("backend failure must fail the iteration before any gate runs: %+v", out.Records[0])
	}
}

func TestTaskTimeoutEscalates(t *testing.T) {
	backend := &fakeBackend{
		fn: func(call int, tctx domain.TaskContext) (domain.BackendResult, error) {
			time.Sleep(20 * time.Millisecond)
			return domain.BackendResult{}, errors.New("agent failed")
		},
	}
	eng := New(backend, &fakeRunner{}, eventbus.New(nil), Config{TaskTimeout: 30 * time.Millisecond}, nil)
	out, err := eng.Run(context.Background(), testTask(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Kind != OutcomeEscalated || out.Reason != ReasonTimeout {
		t.Fatalf("expected timeout escalation, got %+v", out)
	}
}

// ctxRunner is a quality runner fake that hands its fn the step context,
// so tests can observe whether the engine cancelled an in-flight step.
type ctxRunner struct {
	mu    sync.Mutex
	calls []domain.QualityStep
	fn    func(ctx context.Context, step domain.QualityStep) (domain.StepResult, error)
}

func (r *ctxRunner) Run(ctx context.Context, step domain.QualityStep, task domain.Task) (domain.StepResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, step)
	r.mu.Unlock()
	return r.fn(ctx, step)
}

func TestStopLetsInFlightStepFinish(t *testing.T) {
	stop := make(chan struct{})
	var stepCtxErr error
	var finished bool
	runner := &ctxRunner{
		fn: func(ctx context.Context, step domain.QualityStep) (domain.StepResult, error) {
			// Stop arrives while the build step runs. The step must
			// still see a live context and run to the end.
			close(stop)
			time.Sleep(20 * time.Millisecond)
			stepCtxErr = ctx.Err()
			finished = true
			return domain.StepResult{Step: step, Success: true}, nil
		},
	}
	eng := New(&fakeBackend{}, runner, eventbus.New(nil), Config{}, nil)

	_, err := eng.Run(context.Background(), testTask(), stop)
	if !errors.Is(err, ErrStopRequested) {
		t.Fatalf("expected ErrStopRequested, got %v", err)
	}
	if !finished {
		t.Fatal("in-flight step must run to completion")
	}
	if stepCtxErr != nil {
		t.Fatalf("step context must stay live across a stop: %v", stepCtxErr)
	}
	if got := len(runner.calls); got != 1 {
		t.Fatalf("no further step may start after the stop signal, got %d", got)
	}
}

func TestStopBeforeNextIteration(t *testing.T) {
	stop := make(chan struct{})
	runner := &fakeRunner{
		fn: func(call int, step domain.QualityStep) (domain.StepResult, error) {
			close(stop)
			return domain.StepResult{Step: step, Errors: []string{"undefined: flux"}}, nil
		},
	}
	eng := New(&fakeBackend{}, runner, eventbus.New(nil), Config{MaxIterations: 5}, nil)
	_, err := eng.Run(context.Background(), testTask(), stop)
	if !errors.Is(err, ErrStopRequested) {
		t.Fatalf("expected ErrStopRequested, got %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("no second iteration may start after stop, steps ran: %v", runner.calls)
	}
}

func TestTimeoutBeforeFirstAttemptLeavesMarkerRecord(t *testing.T) {
	eng := New(&fakeBackend{}, &fakeRunner{}, eventbus.New(nil), Config{TaskTimeout: time.Nanosecond}, nil)
	out, err := eng.Run(context.Background(), testTask(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Kind != OutcomeEscalated || out.Reason != ReasonTimeout {
		t.Fatalf("expected timeout escalation, got %+v", out)
	}
	if out.Iterations != 0 {
		t.Fatalf("no iteration ran, got %d", out.Iterations)
	}
	if len(out.Records) != 1 {
		t.Fatalf("expected one marker record, got %d", len(out.Records))
	}
	if out.Records[0].FailureSignature != sigTimeout {
		t.Fatalf("marker record must carry the timeout signature, got %q", out.Records[0].FailureSignature)
	}
}

func TestCancellationReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{
		fn: func(call int, tctx domain.TaskContext) (domain.BackendResult, error) {
			cancel()
			return domain.BackendResult{}, ctx.Err()
		},
	}
	eng := New(backend, &fakeRunner{}, eventbus.New(nil), Config{}, nil)
	if _, err := eng.Run(ctx, testTask(), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTaskMaxIterationsOverridesConfig(t *testing.T) {
	backend := &fakeBackend{}
	runner := &fakeRunner{
		fn: func(call int, step domain.QualityStep) (domain.StepResult, error) {
			return domain.StepResult{Step: step, Errors: []string{fmt.Sprintf("err %d", call)}}, nil
		},
	}
	eng := New(backend, runner, eventbus.New(nil), Config{MaxIterations: 20}, nil)
	task := testTask()
	task.MaxIterations = 2
	out, err := eng.Run(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Reason != ReasonIterationsExceeded || out.Iterations != 2 {
		t.Fatalf("expected exhaustion at 2 iterations, got %+v", out)
	}
}

func TestSignatureNormalizesWhitespace(t *testing.T) {
	a := signature("build", "  undefined: fluxCapacitor  \nmore detail")
	b := signature("build", "undefined:   fluxCapacitor")
	if a != b {
		t.Fatalf("expected normalized signatures to match: %s vs %s", a, b)
	}
	if c := signature("test", "undefined: fluxCapacitor"); c == a {
		t.Fatal("different steps must produce different signatures")
	}
}
