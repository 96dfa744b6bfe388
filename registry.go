package durably

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/durably/durably/bus"
	"github.com/durably/durably/durablyerr"
	"github.com/durably/durably/executor"
	"github.com/durably/durably/step"
	"github.com/durably/durably/storage"
	"github.com/durably/durably/storetypes"
)

// JobDefinition describes a job at registration time: its name, its
// step program, and optional input/output validators. Input and
// Output are generic so a job's run function sees typed values while
// the engine itself only ever persists JSON.
type JobDefinition[Input, Output any] struct {
	Name string

	// ValidateInput, if set, is called on the decoded input before a
	// run starts; a non-nil error fails the run as InputValidationError.
	ValidateInput func(Input) error

	// ValidateOutput, if set, is called on the run function's return
	// value before it's persisted; a non-nil error fails the run as
	// OutputValidationError.
	ValidateOutput func(Output) error

	// Run is the job's step program: it receives the step context and
	// the decoded input and returns the value to persist as the run's
	// output.
	Run func(ctx context.Context, sc *StepContext, input Input) (Output, error)
}

// StepContext is the public alias for the step package's per-attempt
// handle, re-exported so job authors never import step directly.
type StepContext = step.Context

// StepRun executes (or replays) one named step, re-exporting
// step.Run's generic helper under the root package.
func StepRun[T any](ctx context.Context, sc *StepContext, name string, fn func(context.Context) (T, error)) (T, error) {
	return step.Run(ctx, sc, name, fn)
}

// TriggerOptions customizes a single trigger call.
type TriggerOptions struct {
	IdempotencyKey *string
	ConcurrencyKey *string
	Metadata       map[string]string
	Tags           []string
}

// WaitOptions customizes TriggerAndWait.
type WaitOptions struct {
	TriggerOptions
	Timeout time.Duration
}

// ErrWaitTimeout is returned by TriggerAndWait when Timeout elapses
// before the run reaches a terminal state. The run itself is not
// cancelled.
var ErrWaitTimeout = fmt.Errorf("durably: triggerAndWait timed out waiting for run")

// WaitError is returned by TriggerAndWait when the run finished in a
// non-completed terminal state.
type WaitError struct {
	RunID      string
	FailedStep string
	Err        string
}

func (e *WaitError) Error() string {
	if e.FailedStep != "" {
		return fmt.Sprintf("durably: run %s failed at step %q: %s", e.RunID, e.FailedStep, e.Err)
	}
	return fmt.Sprintf("durably: run %s did not complete: %s", e.RunID, e.Err)
}

// Handle is the registered, type-safe entry point for a job, returned
// by Register.
type Handle[Input, Output any] struct {
	def   JobDefinition[Input, Output]
	store storage.Storage
	bus   *bus.Bus
}

// Trigger validates input, creates a run row and emits run:trigger. It
// returns the new run's id, or the existing run's id on an idempotency
// hit.
func (h *Handle[Input, Output]) Trigger(ctx context.Context, input Input, opts TriggerOptions) (string, error) {
	if h.def.ValidateInput != nil {
		if err := h.def.ValidateInput(input); err != nil {
			return "", durablyerr.Wrap(durablyerr.CodeInputValidation, "Trigger", err)
		}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return "", durablyerr.Wrap(durablyerr.CodeInputValidation, "Trigger", err)
	}
	run, err := h.store.CreateRun(ctx, storage.CreateRunInput{
		JobName:        h.def.Name,
		Payload:        payload,
		IdempotencyKey: opts.IdempotencyKey,
		ConcurrencyKey: opts.ConcurrencyKey,
		Metadata:       opts.Metadata,
		Tags:           opts.Tags,
	})
	if err != nil {
		return "", durablyerr.Wrap(durablyerr.CodeStorageFault, "Trigger", err)
	}
	if h.bus != nil {
		h.bus.Publish(bus.Event{Kind: bus.KindRunTrigger, RunID: run.ID, JobName: h.def.Name, Data: map[string]any{"payload": payload}})
	}
	return run.ID, nil
}

// TriggerAndWait triggers a run then blocks until it reaches a
// terminal state or opts.Timeout elapses. A timeout never cancels the
// underlying run.
func (h *Handle[Input, Output]) TriggerAndWait(ctx context.Context, input Input, opts WaitOptions) (Output, error) {
	var zero Output
	runID, err := h.Trigger(ctx, input, opts.TriggerOptions)
	if err != nil {
		return zero, err
	}

	if h.bus == nil {
		return zero, fmt.Errorf("durably: TriggerAndWait requires an event bus")
	}
	sub := h.bus.Subscribe(bus.Filter{RunID: runID, Kinds: []bus.Kind{bus.KindRunComplete, bus.KindRunFail, bus.KindRunCancel}})
	defer sub.Close()

	waitCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	// The run may have already reached a terminal state between Trigger
	// and Subscribe; check storage once before blocking on the bus.
	if run, _ := h.store.GetRun(ctx, runID); run != nil && isTerminal(run.Status) {
		return h.resolveTerminal(run)
	}

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, ErrWaitTimeout
		case ev, ok := <-sub.C:
			if !ok {
				return zero, fmt.Errorf("durably: subscription closed before run %s terminated", runID)
			}
			run, err := h.store.GetRun(ctx, runID)
			if err != nil || run == nil {
				continue
			}
			if !isTerminal(run.Status) {
				continue
			}
			_ = ev
			return h.resolveTerminal(run)
		}
	}
}

func (h *Handle[Input, Output]) resolveTerminal(run *storetypes.Run) (Output, error) {
	var zero Output
	if run.Status != storetypes.RunCompleted {
		errMsg := ""
		if run.Error != nil {
			errMsg = *run.Error
		}
		failedStep := ""
		if run.FailedStep != nil {
			failedStep = *run.FailedStep
		}
		return zero, &WaitError{RunID: run.ID, FailedStep: failedStep, Err: errMsg}
	}
	var out Output
	if len(run.Output) > 0 {
		if err := json.Unmarshal(run.Output, &out); err != nil {
			return zero, durablyerr.Wrap(durablyerr.CodeOutputValidation, "TriggerAndWait", err)
		}
	}
	return out, nil
}

func isTerminal(s storetypes.RunStatus) bool {
	switch s {
	case storetypes.RunCompleted, storetypes.RunFailed, storetypes.RunCancelled:
		return true
	default:
		return false
	}
}

// BatchResult is one outcome from BatchTrigger.
type BatchResult struct {
	RunID string
	Err   error
}

// BatchTrigger validates every input before inserting any run, then
// inserts each; a failure on one input does not prevent the others
// from being created (best-effort, partial-failure reporting, since
// Storage offers no multi-row transactional insert).
func (h *Handle[Input, Output]) BatchTrigger(ctx context.Context, inputs []Input, opts TriggerOptions) []BatchResult {
	results := make([]BatchResult, len(inputs))
	if h.def.ValidateInput != nil {
		for i, in := range inputs {
			if err := h.def.ValidateInput(in); err != nil {
				results[i] = BatchResult{Err: durablyerr.Wrap(durablyerr.CodeInputValidation, "BatchTrigger", err)}
			}
		}
	}
	for i, in := range inputs {
		if results[i].Err != nil {
			continue
		}
		id, err := h.Trigger(ctx, in, opts)
		results[i] = BatchResult{RunID: id, Err: err}
	}
	return results
}

// GetRun returns a single run scoped to this job, or (nil, nil) if it
// doesn't exist or belongs to a different job.
func (h *Handle[Input, Output]) GetRun(ctx context.Context, runID string) (*storetypes.Run, error) {
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "GetRun", err)
	}
	if run == nil || run.JobName != h.def.Name {
		return nil, nil
	}
	return run, nil
}

// GetRuns lists runs for this job, applying the given filter's
// remaining fields (JobName is forced to this handle's job).
func (h *Handle[Input, Output]) GetRuns(ctx context.Context, filter storetypes.ListRunsFilter) ([]*storetypes.RunSummary, error) {
	name := h.def.Name
	filter.JobName = &name
	runs, err := h.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "GetRuns", err)
	}
	return runs, nil
}

// toJobSpec adapts a JobDefinition to the storage/bus-agnostic
// executor.JobSpec the worker invokes.
func toJobSpec[Input, Output any](def JobDefinition[Input, Output]) executor.JobSpec {
	return executor.JobSpec{
		Name: def.Name,
		ValidateInput: func(raw json.RawMessage) error {
			if def.ValidateInput == nil {
				return nil
			}
			var in Input
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &in); err != nil {
					return err
				}
			}
			return def.ValidateInput(in)
		},
		ValidateOutput: func(raw json.RawMessage) error {
			if def.ValidateOutput == nil {
				return nil
			}
			var out Output
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
			}
			return def.ValidateOutput(out)
		},
		Run: func(ctx context.Context, sc *step.Context, payload json.RawMessage) (json.RawMessage, error) {
			var in Input
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &in); err != nil {
					return nil, durablyerr.Wrap(durablyerr.CodeInputValidation, "Run", err)
				}
			}
			out, err := def.Run(ctx, sc, in)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		},
	}
}

// Registry is a process-local, mutex-guarded map from job name to
// definition. Registering a name a second time keeps the first entry;
// the registry stores no handles.
type Registry struct {
	mu         sync.Mutex
	specs      map[string]executor.JobSpec
	registered map[string]bool
}

func newRegistry() *Registry {
	return &Registry{specs: make(map[string]executor.JobSpec), registered: make(map[string]bool)}
}

// Lookup resolves a job's executor.JobSpec by name, satisfying
// worker.JobLookup without worker importing this package.
func (r *Registry) Lookup(jobName string) (executor.JobSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[jobName]
	return spec, ok
}

func (r *Registry) register(name string, spec executor.JobSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[name] {
		return
	}
	r.registered[name] = true
	r.specs[name] = spec
}
