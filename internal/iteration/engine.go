package iteration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crucible/internal/domain"
	"crucible/internal/eventbus"
)

// Backend executes one agent attempt at a task. Each call receives a
// fresh TaskContext; the engine never replays prior transcripts.
type Backend interface {
	Execute(ctx context.Context, task domain.Task, tctx domain.TaskContext) (domain.BackendResult, error)
}

// QualityRunner runs one gate step against the workspace. A step that
// does not apply to the task should report success with no errors.
type QualityRunner interface {
	Run(ctx context.Context, step domain.QualityStep, task domain.Task) (domain.StepResult, error)
}

type Bus interface {
	Publish(event eventbus.Event)
}

const (
	ReasonRepeatedFailure    = "repeated-failure"
	ReasonIterationsExceeded = "iteration-exhausted"
	ReasonTimeout            = "timeout"
)

// ErrStopRequested reports that a cooperative stop signal arrived. The
// in-flight step was allowed to finish; the task made no terminal
// decision and can be rescheduled.
var ErrStopRequested = errors.New("stop requested")

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeEscalated OutcomeKind = "escalated"
)

type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	Iterations int
	TokensUsed int
	Records    []domain.IterationRecord
	// Signatures holds the trailing run of identical failure
	// signatures when escalating for repeated failure.
	Signatures []string
}

type Config struct {
	MaxIterations        int
	RepeatedFailureLimit int
	TaskTimeout          time.Duration
	Steps                []domain.QualityStep
	Workdir              string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	if c.RepeatedFailureLimit <= 0 {
		c.RepeatedFailureLimit = 3
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if len(c.Steps) == 0 {
		c.Steps = domain.QualitySteps
	}
	return c
}

// Engine drives a single task through agent-execute / quality-gate
// cycles until the gates pass or an escalation trigger fires. It is
// safe for concurrent use across distinct tasks.
type Engine struct {
	backend Backend
	runner  QualityRunner
	bus     Bus
	cfg     Config
	logger  *log.Logger
	tracer  trace.Tracer
}

func New(backend Backend, runner QualityRunner, bus Bus, cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		backend: backend,
		runner:  runner,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		tracer:  otel.Tracer("crucible/iteration"),
	}
}

// Run iterates the task to completion or escalation. The stop channel
// / is the cooperative stop signal: the in-flight backend call or quality
// step finishes, then Run returns ErrStopRequested at the next step
// boundary. ctx cancellation is the hard path (abort, shutdown) and may
// interrupt an external call outright; it is returned as the context's
// error. The per-task timeout is the engine's own and surfaces as a
// timeout escalation, not an error.
func (e *Engine) Run(ctx context.Context, task domain.Task, stop <-chan struct{}) (Outcome, error) {
	cfg := e.cfg
	if task.MaxIterations > 0 {
		cfg.MaxIterations = task.MaxIterations
	}

	ctx, span := e.tracer.Start(ctx, "iteration.run",
		trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer span.End()

	deadline := time.Now().Add(cfg.TaskTimeout)
	tctx := domain.TaskContext{Workdir: cfg.Workdir}

	var (
		records    []domain.IterationRecord
		tokens     int
		lastSig    string
		sameSigRun int
	)

	escalate := func(reason string, iterations int) (Outcome, error) {
		out := Outcome{
			Kind:       OutcomeEscalated,
			Reason:     reason,
			Iterations: iterations,
			TokensUsed: tokens,
			Records:    records,
		}
		if reason == ReasonRepeatedFailure {
			for i := 0; i < sameSigRun; i++ {
				out.Signatures = append(out.Signatures, lastSig)
			}
		}
		e.publish(eventbus.TaskEscalated{
			TaskID:     task.ID,
			Reason:     reason,
			Signatures: out.Signatures,
			Iterations: iterations,
			At:         time.Now().UTC(),
		})
		e.logger.Printf("iteration: task %s escalated after %d iterations: %s", task.ID, iterations, reason)
		return out, nil
	}

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if stopRequested(stop) {
			return Outcome{}, ErrStopRequested
		}
		if !time.Now().Before(deadline) {
			if len(records) == 0 {
				// The deadline can expire before the first attempt ever
				// runs; leave the reviewer a marker instead of an empty
				// history.
				records = append(records, domain.IterationRecord{
					TaskID:           task.ID,
					Iteration:        iter,
					FailureSignature: sigTimeout,
					AgentSummary:     "deadline expired before the first attempt",
					CreatedAt:        time.Now().UTC(),
				})
			}
			return escalate(ReasonTimeout, iter-1)
		}

		tctx.Iteration = iter
		rec, err := e.runOnce(ctx, stop, deadline, task, &tctx)
		if err != nil {
			return Outcome{}, err
		}
		tokens += rec.TokensUsed
		records = append(records, rec)

		e.publish(eventbus.IterationCompleted{
			TaskID:    task.ID,
			Iteration: iter,
			Success:   rec.Success,
			Signature: rec.FailureSignature,
			At:        time.Now().UTC(),
		})

		if rec.Success {
			return Outcome{
				Kind:       OutcomeSuccess,
				Iterations: iter,
				TokensUsed: tokens,
				Records:    records,
			}, nil
		}
		if rec.FailureSignature == sigTimeout {
			return escalate(ReasonTimeout, iter)
		}

		if rec.FailureSignature == lastSig {
			sameSigRun++
		} else {
			lastSig = rec.FailureSignature
			sameSigRun = 1
		}
		if sameSigRun >= cfg.RepeatedFailureLimit {
			return escalate(ReasonRepeatedFailure, iter)
		}
	}
	return escalate(ReasonIterationsExceeded, cfg.MaxIterations)
}

// sigTimeout marks an iteration cut short by the task deadline rather
// than a gate failure.
const sigTimeout = "timeout"

func (e *Engine) runOnce(ctx context.Context, stop <-chan struct{}, deadline time.Time, task domain.Task, tctx *domain.TaskContext) (domain.IterationRecord, error) {
	iterCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	iterCtx, span := e.tracer.Start(iterCtx, "iteration.attempt",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.Int("iteration", tctx.Iteration),
		))
	defer span.End()

	start := time.Now()
	rec := domain.IterationRecord{
		TaskID:    task.ID,
		Iteration: tctx.Iteration,
		CreatedAt: start.UTC(),
	}
	fail := func(sig string, failureCtx []string) (domain.IterationRecord, error) {
		rec.FailureSignature = sig
		rec.Duration = time.Since(start)
		tctx.FailureContext = failureCtx
		return rec, nil
	}

	result, err := e.backend.Execute(iterCtx, task, *tctx)
	if err != nil {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		if iterCtx.Err() != nil {
			return fail(sigTimeout, nil)
		}
		return fail(signature("agent", err.Error()), []string{err.Error()})
	}
	rec.DiffRef = result.DiffRef
	rec.AgentSummary = result.Summary
	rec.TokensUsed = result.TokensUsed
	rec.FilesChanged = result.FilesChanged
	if result.DiffRef != "" {
		tctx.PriorDiffRef = result.DiffRef
	}
	if !result.Success {
		msg := result.Summary
		if msg == "" {
			msg = "agent reported failure"
		}
		return fail(signature("agent", msg), []string{msg})
	}

	for _, step := range e.cfg.Steps {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		if stopRequested(stop) {
			return rec, ErrStopRequested
		}
		sr, err := e.runner.Run(iterCtx, step, task)
		if err != nil {
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			if iterCtx.Err() != nil {
				return fail(sigTimeout, nil)
			}
			sr = domain.StepResult{Step: step, Errors: []string{err.Error()}}
		}
		sr.Step = step
		rec.Steps = append(rec.Steps, sr)
		e.publish(eventbus.QAStepCompleted{
			TaskID:    task.ID,
			Iteration: tctx.Iteration,
			Step:      step,
			Success:   sr.Success,
			At:        time.Now().UTC(),
		})
		if !sr.Success {
			return fail(signature(string(step), firstLine(sr.Errors)), sr.Errors)
		}
	}

	rec.Success = true
	rec.Duration = time.Since(start)
	tctx.FailureContext = nil
	return rec, nil
}

// stopRequested polls the stop signal without blocking. A nil channel
// means no stop surface is wired.
func stopRequested(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (e *Engine) publish(ev eventbus.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// signature folds a failed step and the leading error line into a
// stable short identifier so that repeated identical failures can be
// detected across iterations.
func signature(step, message string) string {
	line := message
	for _, candidate := range strings.Split(message, "\n") {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" {
			line = candidate
			break
		}
	}
	line = strings.Join(strings.Fields(line), " ")
	sum := sha256.Sum256([]byte(step + "|" + line))
	return fmt.Sprintf("%s:%s", step, hex.EncodeToString(sum[:])[:16])
}

func firstLine(errors []string) string {
	for _, e := range errors {
		if s := strings.TrimSpace(e); s != "" {
			return s
		}
	}
	return "step failed"
}
