// Package executor drives one run attempt end to end: it loads the
// step cache implicitly (via step.Context replay), invokes the job's
// run function, catches every outcome (success, step failure,
// cancellation, validation failure) and records it through storage
// and the bus.
package executor

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/durably/durably/bus"
	"github.com/durably/durably/durablyerr"
	"github.com/durably/durably/internal/dlog"
	"github.com/durably/durably/step"
	"github.com/durably/durably/storage"
	"github.com/durably/durably/storetypes"
)

// RunFunc is a job's step program: it receives the step Context and
// the raw payload, and returns the raw output to persist on success.
type RunFunc func(ctx context.Context, sc *step.Context, payload json.RawMessage) (json.RawMessage, error)

// Validator checks a payload or output against a job's declared schema.
// Returning a non-nil error fails the run with a validation error.
type Validator func(data json.RawMessage) error

// JobSpec is everything the executor needs about a job to run one
// attempt; durably.JobDefinition adapts to this at registration time.
type JobSpec struct {
	Name           string
	ValidateInput  Validator
	ValidateOutput Validator
	Run            RunFunc
}

// Executor drives run attempts against one storage/bus pair.
type Executor struct {
	storage storage.Storage
	bus     *bus.Bus
	log     *dlog.Logger
	tracer  trace.Tracer

	mu        sync.Mutex
	cancelled map[string]bool
}

// New constructs an Executor. tracer may be nil, in which case the
// global otel tracer provider's no-op tracer is used.
func New(st storage.Storage, b *bus.Bus, log *dlog.Logger, tracer trace.Tracer) *Executor {
	if log == nil {
		log = dlog.Noop()
	}
	if tracer == nil {
		tracer = otel.Tracer("durably")
	}
	return &Executor{storage: st, bus: b, log: log.With("component", "executor"), tracer: tracer, cancelled: make(map[string]bool)}
}

// RequestCancel marks runID for cooperative cancellation. The mark is
// held in memory and only affects attempts owned by this Executor
// instance; it is not recorded in storage, so other processes never
// see it.
func (e *Executor) RequestCancel(runID string) {
	e.mu.Lock()
	e.cancelled[runID] = true
	e.mu.Unlock()
}

func (e *Executor) clearCancel(runID string) {
	e.mu.Lock()
	delete(e.cancelled, runID)
	e.mu.Unlock()
}

func (e *Executor) isCancelled(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[runID]
}

// Execute runs one attempt of run against spec. It returns once the run
// has reached a terminal state (completed/failed/cancelled) or a
// storage fault prevented recording the outcome, in which case the run
// is left running for the reaper to reclaim.
func (e *Executor) Execute(ctx context.Context, run *storetypes.Run, spec JobSpec) {
	defer e.clearCancel(run.ID)

	ctx, span := e.tracer.Start(ctx, "durably.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("job.name", run.JobName),
	))
	defer span.End()

	log := e.log.With("run_id", run.ID, "job_name", run.JobName)
	e.publish(run, bus.KindRunStart, nil)

	if spec.ValidateInput != nil {
		if err := spec.ValidateInput(run.Payload); err != nil {
			e.fail(ctx, run, durablyerr.Wrap(durablyerr.CodeInputValidation, "Execute", err), "")
			span.SetStatus(codes.Error, "input validation failed")
			return
		}
	}

	sc := step.New(run.ID, run.JobName, e.storage, e.bus, func() bool { return e.isCancelled(run.ID) })
	output, err := e.runStepProgram(ctx, sc, spec, run.Payload)
	if err != nil {
		if durablyerr.IsCancelled(err) {
			e.cancel(ctx, run)
			span.SetStatus(codes.Ok, "")
			return
		}
		failedStep := durablyerr.FailedStepOf(err)
		log.Warn("run failed", "error", err, "failed_step", failedStep)
		e.fail(ctx, run, err, failedStep)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	if spec.ValidateOutput != nil {
		if err := spec.ValidateOutput(output); err != nil {
			e.fail(ctx, run, durablyerr.Wrap(durablyerr.CodeOutputValidation, "Execute", err), "")
			span.SetStatus(codes.Error, "output validation failed")
			return
		}
	}

	if err := e.storage.CompleteRun(ctx, run.ID, output); err != nil {
		// The run succeeded but we couldn't record it; leave it running
		// for the stale reaper, which will hand it a fresh attempt that
		// replays every already-memoized step.
		log.Error("failed to persist run completion, leaving for reaper", "error", err)
		return
	}
	e.publish(run, bus.KindRunComplete, map[string]any{"output": output})
}

func (e *Executor) runStepProgram(ctx context.Context, sc *step.Context, spec JobSpec, payload json.RawMessage) (json.RawMessage, error) {
	stepCtx, span := e.tracer.Start(ctx, "durably.step_program")
	defer span.End()
	return spec.Run(stepCtx, sc, payload)
}

func (e *Executor) fail(ctx context.Context, run *storetypes.Run, err error, failedStep string) {
	msg := err.Error()
	if serr := e.storage.FailRun(ctx, run.ID, msg, failedStep); serr != nil {
		e.log.Error("failed to persist run failure", "run_id", run.ID, "error", serr)
		return
	}
	e.publish(run, bus.KindRunFail, map[string]any{"error": msg, "failedStep": failedStep})
}

func (e *Executor) cancel(ctx context.Context, run *storetypes.Run) {
	if err := e.storage.CancelRun(ctx, run.ID); err != nil {
		e.log.Error("failed to persist run cancellation", "run_id", run.ID, "error", err)
		return
	}
	e.publish(run, bus.KindRunCancel, nil)
}

func (e *Executor) publish(run *storetypes.Run, kind bus.Kind, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, RunID: run.ID, JobName: run.JobName, Data: data})
}
