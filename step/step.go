// Package step is the per-run memoized executor handed to user code. It
// is the one piece of durably's public surface a job's run function
// touches directly: step.Run for checkpointed work, Progress and Log
// for observability, all backed by the same storage handle and bus the
// executor constructed the Context from.
package step

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/durably/durably/bus"
	"github.com/durably/durably/durablyerr"
	"github.com/durably/durably/storage"
	"github.com/durably/durably/storetypes"
)

// Context is constructed once per run attempt by the executor and
// passed to the job's run function. It owns only the ids and handles it
// needs, never a back-reference to the executor that created it.
type Context struct {
	RunID   string
	JobName string

	storage storage.Storage
	bus     *bus.Bus

	mu          sync.Mutex
	nextIndex   int
	seenNames   map[string]bool
	currentStep *string

	cancelRequested func() bool

	Log *Logger
}

// New constructs a step Context. cancelRequested is polled at
// cooperative checkpoints (before each step.Run and inside Progress)
// to implement durably's non-preemptive cancellation contract.
func New(runID, jobName string, st storage.Storage, b *bus.Bus, cancelRequested func() bool) *Context {
	sc := &Context{
		RunID:           runID,
		JobName:         jobName,
		storage:         st,
		bus:             b,
		seenNames:       make(map[string]bool),
		cancelRequested: cancelRequested,
	}
	sc.Log = &Logger{sc: sc}
	return sc
}

func (sc *Context) checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return durablyerr.Cancelled
	}
	if sc.cancelRequested != nil && sc.cancelRequested() {
		return durablyerr.Cancelled
	}
	return nil
}

// Run executes (or replays) one named step and unmarshals its output
// into T. A second call with a name already seen in this attempt is a
// programmer error: it fails the run with CodeDuplicateStepName.
func Run[T any](ctx context.Context, sc *Context, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := sc.RunRaw(ctx, name, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if len(raw) == 0 {
		return zero, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, durablyerr.Wrap(durablyerr.CodeStepFailure, "step.Run:"+name, err)
	}
	return out, nil
}

// RunRaw is step.Run's untyped counterpart, working directly in
// json.RawMessage for callers that don't need static typing or whose
// output shape isn't known statically.
func (sc *Context) RunRaw(ctx context.Context, name string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	sc.mu.Lock()
	if sc.seenNames[name] {
		sc.mu.Unlock()
		return nil, durablyerr.WithFailedStep(
			durablyerr.New(durablyerr.CodeDuplicateStepName, "step.Run", "step name already used in this attempt: "+name),
			name,
		)
	}
	sc.seenNames[name] = true
	sc.mu.Unlock()

	if err := sc.checkCancelled(ctx); err != nil {
		return nil, err
	}

	// Replay path: a completed row for this name is returned verbatim
	// without invoking fn. A failed row is treated as absent: the prior
	// attempt's failure is not memoized, so this call re-executes it.
	existing, err := sc.storage.GetStep(ctx, sc.RunID, name)
	if err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "step.Run:"+name, err)
	}
	if existing != nil && existing.Status == storetypes.StepCompleted {
		sc.advanceIndex()
		return existing.Output, nil
	}

	sc.publish(bus.KindStepStart, name, nil)
	sc.mu.Lock()
	sc.currentStep = &name
	sc.mu.Unlock()
	start := time.Now()
	output, fnErr := fn(ctx)
	duration := time.Since(start)
	sc.mu.Lock()
	sc.currentStep = nil
	sc.mu.Unlock()

	if fnErr != nil {
		msg := fnErr.Error()
		if _, err := sc.storage.UpsertStep(ctx, storage.UpsertStepInput{
			RunID: sc.RunID, Name: name, Status: storetypes.StepFailed, Error: &msg,
		}); err != nil {
			// Memoization write failed; surface the original step error
			// with the storage fault attached for the operator to see both.
			fnErr = errors.Join(fnErr, durablyerr.Wrap(durablyerr.CodeStorageFault, "step.Run:"+name, err))
		}
		sc.publish(bus.KindStepFail, name, map[string]any{"error": msg})
		return nil, durablyerr.WithFailedStep(durablyerr.Wrap(durablyerr.CodeStepFailure, "step.Run:"+name, fnErr), name)
	}

	if _, err := sc.storage.UpsertStep(ctx, storage.UpsertStepInput{
		RunID: sc.RunID, Name: name, Status: storetypes.StepCompleted, Output: output,
	}); err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "step.Run:"+name, err)
	}
	sc.advanceIndex()
	sc.publish(bus.KindStepComplete, name, map[string]any{"durationMs": duration.Milliseconds()})
	return output, nil
}

func (sc *Context) advanceIndex() {
	sc.mu.Lock()
	sc.nextIndex++
	sc.mu.Unlock()
}

func (sc *Context) publish(kind bus.Kind, stepName string, data any) {
	if sc.bus == nil {
		return
	}
	sc.bus.Publish(bus.Event{Kind: kind, RunID: sc.RunID, JobName: sc.JobName, StepName: stepName, Data: data})
}

// Progress updates the run's progress column (best-effort) and emits
// run:progress. current must be >= 0; total and message are optional.
func (sc *Context) Progress(ctx context.Context, current int, total *int, message *string) error {
	if err := sc.checkCancelled(ctx); err != nil {
		return err
	}
	p := storetypes.Progress{Current: current, Total: total, Message: message}
	_ = sc.storage.SetProgress(ctx, sc.RunID, p)
	sc.publish(bus.KindRunProgress, "", p)
	return nil
}

// Logger writes structured log rows scoped to the owning step Context.
// Log writes never fail the enclosing step.
type Logger struct {
	sc *Context
}

func (l *Logger) Info(ctx context.Context, message string, data json.RawMessage) {
	l.write(ctx, storetypes.LogInfo, message, data)
}

func (l *Logger) Warn(ctx context.Context, message string, data json.RawMessage) {
	l.write(ctx, storetypes.LogWarn, message, data)
}

func (l *Logger) Error(ctx context.Context, message string, data json.RawMessage) {
	l.write(ctx, storetypes.LogError, message, data)
}

func (l *Logger) write(ctx context.Context, level storetypes.LogLevel, message string, data json.RawMessage) {
	l.sc.mu.Lock()
	stepName := l.sc.currentStep
	l.sc.mu.Unlock()

	_ = l.sc.storage.WriteLog(ctx, storage.WriteLogInput{
		RunID: l.sc.RunID, StepName: stepName, Level: level, Message: message, Data: data,
	})
	name := ""
	if stepName != nil {
		name = *stepName
	}
	l.sc.publish(bus.KindLogWrite, name, map[string]any{"level": level, "message": message})
}
