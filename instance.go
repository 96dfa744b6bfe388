// Package durably is a durable execution engine: jobs are registered
// as ordered sequences of idempotent, memoized steps; runs persist
// every completed step so a crash or restart resumes without
// re-executing finished work. An Instance owns one storage backend,
// one event bus, one job registry and one background worker. Nothing
// is process-global, so a single process may host multiple Instances
// bound to different stores.
package durably

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/durably/durably/bus"
	"github.com/durably/durably/durablyerr"
	"github.com/durably/durably/executor"
	"github.com/durably/durably/internal/dlog"
	"github.com/durably/durably/storage"
	"github.com/durably/durably/storetypes"
	"github.com/durably/durably/worker"
)

// Config wires an Instance's dependencies. Storage is the only
// required field; everything else has a sensible default.
type Config struct {
	// Storage is the backend this instance persists to: pgstore.Open or
	// litestore.Open both satisfy this.
	Storage storage.Storage

	// Logger defaults to a noop logger if unset.
	Logger *dlog.Logger

	// WorkerID identifies this process's worker in logs and in
	// ClaimNextPendingRun calls. Defaults to a random 8-byte hex string.
	WorkerID string

	PollingInterval   time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration

	// TracerProvider supplies the tracer the executor opens durably.run
	// spans on. Defaults to the global provider (a no-op unless the
	// caller installed one via otel.SetTracerProvider).
	TracerProvider trace.TracerProvider
}

// Instance is a running durably engine: one store, one bus, one
// registry, one worker.
type Instance struct {
	cfg      Config
	log      *dlog.Logger
	storage  storage.Storage
	bus      *bus.Bus
	registry *Registry
	exec     *executor.Executor
	worker   *worker.Worker

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	workerWG sync.WaitGroup
	cancel   context.CancelFunc
}

// New wires logger, storage, bus, registry and worker together and
// returns an Instance. It does not start the worker; call Init for that.
func New(cfg Config) (*Instance, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("durably: Config.Storage is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = dlog.Noop()
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = randomID()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	b := bus.New(
		bus.WithLogger(cfg.Logger),
		bus.WithErrorHook(func(err error) {
			cfg.Logger.Warn("bus error", "error", err)
		}),
	)
	registry := newRegistry()
	exec := executor.New(cfg.Storage, b, cfg.Logger, tp.Tracer("durably"))
	w := worker.New(cfg.WorkerID, worker.Config{
		PollingInterval:   cfg.PollingInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleThreshold:    cfg.StaleThreshold,
	}, cfg.Storage, b, exec, registry.Lookup, cfg.Logger)

	return &Instance{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "instance"),
		storage:  cfg.Storage,
		bus:      b,
		registry: registry,
		exec:     exec,
		worker:   w,
	}, nil
}

func randomID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Register adds a job definition to the instance's registry and
// returns its type-safe Handle. Registering a name that is already
// registered leaves the registry's entry unchanged, so the worker keeps
// running the first definition; the returned Handle is a new value built
// from def, not the Handle an earlier call returned.
func Register[Input, Output any](inst *Instance, def JobDefinition[Input, Output]) *Handle[Input, Output] {
	inst.registry.register(def.Name, toJobSpec(def))
	return &Handle[Input, Output]{def: def, store: inst.storage, bus: inst.bus}
}

// Init runs any pending schema work (backends migrate on Open, so this
// is a no-op hook today) and starts the background worker. Init is not
// idempotent; a second call returns an error and starts nothing.
func (inst *Instance) Init(ctx context.Context) error {
	inst.mu.Lock()
	if inst.running {
		inst.mu.Unlock()
		return fmt.Errorf("durably: Instance already initialized")
	}
	inst.running = true
	workerCtx, cancel := context.WithCancel(ctx)
	inst.cancel = cancel
	inst.mu.Unlock()

	inst.workerWG.Add(1)
	go func() {
		defer inst.workerWG.Done()
		inst.worker.Run(workerCtx)
	}()
	inst.log.Info("instance initialized", "worker_id", inst.cfg.WorkerID)
	return nil
}

// Stop signals the worker to finish its in-flight run and exit, then
// closes the bus. Idempotent and safe to call while triggers are
// in-flight elsewhere; any run still pending remains for the next
// process to claim.
func (inst *Instance) Stop(ctx context.Context) error {
	inst.stopOnce.Do(func() {
		if inst.cancel != nil {
			inst.cancel()
		}
		inst.worker.Stop(ctx)
		done := make(chan struct{})
		go func() {
			inst.workerWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		inst.bus.Close()
		inst.log.Info("instance stopped")
	})
	return nil
}

// Cancel requests cancellation of a run. A pending run transitions
// directly to cancelled; a running run gets a cooperative
// cancel_requested flag checked at the next step boundary. That flag
// lives in this Instance's executor memory only; nothing is written to
// storage, so a run being executed by another process is not affected.
func (inst *Instance) Cancel(ctx context.Context, runID string) error {
	run, err := inst.storage.GetRun(ctx, runID)
	if err != nil {
		return durablyerr.Wrap(durablyerr.CodeStorageFault, "Cancel", err)
	}
	if run == nil {
		return durablyerr.New(durablyerr.CodeNotFound, "Cancel", "run not found: "+runID)
	}
	switch run.Status {
	case storetypes.RunPending:
		if err := inst.storage.CancelRun(ctx, runID); err != nil {
			return err
		}
		inst.bus.Publish(bus.Event{Kind: bus.KindRunCancel, RunID: runID, JobName: run.JobName})
		return nil
	case storetypes.RunRunning:
		inst.exec.RequestCancel(runID)
		return nil
	default:
		return durablyerr.New(durablyerr.CodeInvalidTransition, "Cancel", "run is already terminal: "+string(run.Status))
	}
}

// Retry resets a failed or cancelled run back to pending, preserving
// its memoized steps, and emits run:retry.
func (inst *Instance) Retry(ctx context.Context, runID string) error {
	run, err := inst.storage.GetRun(ctx, runID)
	if err != nil {
		return durablyerr.Wrap(durablyerr.CodeStorageFault, "Retry", err)
	}
	if run == nil {
		return durablyerr.New(durablyerr.CodeNotFound, "Retry", "run not found: "+runID)
	}
	if err := inst.storage.ResetRunToPending(ctx, runID); err != nil {
		return err
	}
	inst.bus.Publish(bus.Event{Kind: bus.KindRunRetry, RunID: runID, JobName: run.JobName})
	return nil
}

// Delete cascade-deletes a terminal run's steps and logs.
func (inst *Instance) Delete(ctx context.Context, runID string) error {
	return inst.storage.DeleteRun(ctx, runID)
}

// GetRun returns a single run by id, or (nil, nil) if absent.
func (inst *Instance) GetRun(ctx context.Context, runID string) (*storetypes.Run, error) {
	return inst.storage.GetRun(ctx, runID)
}

// GetRuns lists runs across all jobs matching filter.
func (inst *Instance) GetRuns(ctx context.Context, filter storetypes.ListRunsFilter) ([]*storetypes.RunSummary, error) {
	return inst.storage.ListRuns(ctx, filter)
}

// GetSteps returns every memoized step for a run, ordered by index.
func (inst *Instance) GetSteps(ctx context.Context, runID string) ([]*storetypes.Step, error) {
	return inst.storage.ListSteps(ctx, runID)
}

// Subscribe opens a live event feed matching filter. Callers must
// Close the returned subscription when done.
func (inst *Instance) Subscribe(filter bus.Filter) *bus.Subscription {
	return inst.bus.Subscribe(filter)
}

// Bus exposes the underlying event bus for callers (e.g. durablyhttp)
// that need raw access beyond Subscribe, such as building a
// job-scoped or unfiltered stream.
func (inst *Instance) Bus() *bus.Bus {
	return inst.bus
}
