package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/durably/durably/bus"
	"github.com/durably/durably/executor"
	"github.com/durably/durably/step"
	"github.com/durably/durably/storage"
	"github.com/durably/durably/storage/litestore"
	"github.com/durably/durably/storetypes"
	"github.com/durably/durably/worker"
)

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := litestore.Open(t.TempDir() + "/worker.db")
	if err != nil {
		t.Fatalf("litestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func echoSpec(name string) executor.JobSpec {
	return executor.JobSpec{
		Name: name,
		Run: func(ctx context.Context, sc *step.Context, payload json.RawMessage) (json.RawMessage, error) {
			return sc.RunRaw(ctx, "echo", func(context.Context) (json.RawMessage, error) {
				return payload, nil
			})
		},
	}
}

func TestWorkerClaimsAndCompletesPendingRun(t *testing.T) {
	st := newStore(t)
	b := bus.New()
	exec := executor.New(st, b, nil, nil)
	lookup := func(name string) (executor.JobSpec, bool) {
		if name != "echo" {
			return executor.JobSpec{}, false
		}
		return echoSpec("echo"), true
	}
	w := worker.New("w1", worker.Config{PollingInterval: 10 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond}, st, b, exec, lookup, nil)

	ctx := context.Background()
	run, err := st.CreateRun(ctx, storage.CreateRunInput{JobName: "echo", Payload: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status == storetypes.RunCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}

	final, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Status != storetypes.RunCompleted {
		t.Fatalf("expected run to complete, got %s", final.Status)
	}
}

func TestWorkerStopIsIdempotentAndBlocksUntilDone(t *testing.T) {
	st := newStore(t)
	exec := executor.New(st, nil, nil, nil)
	lookup := func(string) (executor.JobSpec, bool) { return executor.JobSpec{}, false }
	w := worker.New("w1", worker.Config{PollingInterval: 10 * time.Millisecond}, st, nil, exec, lookup, nil)

	ctx := context.Background()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)
	time.Sleep(50 * time.Millisecond) // let Run reach its loop before stopping it

	stopCtx, stopCancel := context.WithTimeout(ctx, time.Second)
	defer stopCancel()
	w.Stop(stopCtx)
	w.Stop(stopCtx)
	if stopCtx.Err() != nil {
		t.Fatal("Stop returned only because its context expired, not because the poll loop exited")
	}
}
