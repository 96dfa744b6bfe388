// Package worker runs the single background poll loop that claims
// pending runs and drives them through an Executor. Multiple worker
// processes may run concurrently against the same store; correctness
// rests entirely on Storage.ClaimNextPendingRun's atomicity.
package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/durably/durably/bus"
	"github.com/durably/durably/durablyerr"
	"github.com/durably/durably/executor"
	"github.com/durably/durably/internal/dlog"
	"github.com/durably/durably/storage"
	"github.com/durably/durably/storetypes"
)

// Config tunes the poll loop. Zero values are replaced with the
// defaults named in durably's worker contract.
type Config struct {
	PollingInterval   time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	// MaxBackoffAttempts bounds retries of a transient storage fault
	// inside the loop before it is surfaced as worker:error and the
	// loop moves on to the next tick.
	MaxBackoffAttempts int
}

const (
	defaultPollingInterval   = 1000 * time.Millisecond
	defaultHeartbeatInterval = 5000 * time.Millisecond
	defaultStaleThreshold    = 30000 * time.Millisecond
	defaultMaxBackoffAttempts = 5
)

func (c Config) withDefaults() Config {
	if c.PollingInterval <= 0 {
		c.PollingInterval = defaultPollingInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaultStaleThreshold
	}
	if c.StaleThreshold < 3*c.HeartbeatInterval {
		c.StaleThreshold = 3 * c.HeartbeatInterval
	}
	if c.MaxBackoffAttempts <= 0 {
		c.MaxBackoffAttempts = defaultMaxBackoffAttempts
	}
	return c
}

// JobLookup resolves a registered job's spec by name; the registry
// implements this without worker needing to import it, avoiding an
// import cycle between the root package and worker.
type JobLookup func(jobName string) (executor.JobSpec, bool)

// Worker owns the poll loop. It is constructed once per Instance and
// started with Run, which blocks until Stop's context work completes.
type Worker struct {
	id      string
	cfg     Config
	storage storage.Storage
	bus     *bus.Bus
	exec    *executor.Executor
	lookup  JobLookup
	log     *dlog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs a Worker. id identifies this process/worker instance
// in logs; it has no bearing on claim correctness.
func New(id string, cfg Config, st storage.Storage, b *bus.Bus, exec *executor.Executor, lookup JobLookup, log *dlog.Logger) *Worker {
	if log == nil {
		log = dlog.Noop()
	}
	return &Worker{
		id:      id,
		cfg:     cfg.withDefaults(),
		storage: st,
		bus:     b,
		exec:    exec,
		lookup:  lookup,
		log:     log.With("component", "worker", "worker_id", id),
		done:    make(chan struct{}),
	}
}

// Run starts the poll loop and blocks until ctx is cancelled or Stop
// is called. It is intended to be run in its own goroutine by the
// Instance Facade.
func (w *Worker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.withBackoff(ctx, "reap", func() error {
			_, err := w.storage.ReapStaleRuns(ctx, w.cfg.StaleThreshold)
			return err
		}); err != nil {
			if ctx.Err() != nil {
				return
			}
		}

		run, err := w.claimWithBackoff(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if run == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollingInterval):
			}
			continue
		}

		w.runOne(ctx, run)
	}
}

func (w *Worker) claimWithBackoff(ctx context.Context) (*storetypes.Run, error) {
	var run *storetypes.Run
	err := w.withBackoff(ctx, "claim", func() error {
		r, err := w.storage.ClaimNextPendingRun(ctx, w.id)
		if err != nil {
			return err
		}
		run = r
		return nil
	})
	return run, err
}

func (w *Worker) runOne(ctx context.Context, run *storetypes.Run) {
	spec, ok := w.lookup(run.JobName)
	if !ok {
		w.log.Error("claimed run for unregistered job", "run_id", run.ID, "job_name", run.JobName)
		_ = w.storage.FailRun(ctx, run.ID, "no job registered with this name", "")
		return
	}

	// The attempt runs on a context that cancelling the poll loop does not
	// reach, so Stop lets an in-flight run finish instead of cutting it
	// off at its next step boundary.
	runCtx := context.WithoutCancel(ctx)
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go w.heartbeatLoop(hbCtx, &hbWG, run.ID)

	w.exec.Execute(runCtx, run, spec)

	stopHeartbeat()
	hbWG.Wait()
}

func (w *Worker) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, runID string) {
	defer wg.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.storage.Heartbeat(ctx, runID); err != nil {
				if w.bus != nil {
					w.bus.Publish(bus.Event{Kind: bus.KindWorkerError, RunID: runID, Data: map[string]any{
						"context": "heartbeat",
						"error":   err.Error(),
					}})
				}
				w.log.Warn("heartbeat failed", "run_id", runID, "error", err)
			}
		}
	}
}

// withBackoff retries fn while it returns a durablyerr.CodeStorageFault
// error, with jittered exponential backoff, up to cfg.MaxBackoffAttempts.
// Any other error, or exhaustion of attempts, is emitted as worker:error
// and returned to the caller.
func (w *Worker) withBackoff(ctx context.Context, opName string, fn func() error) error {
	var err error
	delay := 100 * time.Millisecond
	for attempt := 1; attempt <= w.cfg.MaxBackoffAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !durablyerr.Is(err, durablyerr.CodeStorageFault) {
			break
		}
		if attempt == w.cfg.MaxBackoffAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= 2
	}
	if err != nil && w.bus != nil {
		w.bus.Publish(bus.Event{Kind: bus.KindWorkerError, Data: map[string]any{
			"context": opName,
			"error":   err.Error(),
		}})
	}
	return err
}

// jitter returns base scaled by a random factor in [0.8, 1.2), matching
// the +/-20% jitter used to avoid synchronized retry storms.
func jitter(base time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * factor)
}

// Stop cancels the poll loop and blocks until the in-flight iteration
// (including any executor call) returns, or ctx is done. Safe to call
// more than once.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
	}
}
