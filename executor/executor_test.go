package executor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/durably/durably/bus"
	"github.com/durably/durably/durablyerr"
	"github.com/durably/durably/executor"
	"github.com/durably/durably/step"
	"github.com/durably/durably/storage"
	"github.com/durably/durably/storage/litestore"
	"github.com/durably/durably/storetypes"
)

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := litestore.Open(t.TempDir() + "/executor.db")
	if err != nil {
		t.Fatalf("litestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func collect(b *bus.Bus, runID string) (*bus.Subscription, func() []bus.Kind) {
	sub := b.Subscribe(bus.Filter{RunID: runID})
	var kinds []bus.Kind
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.C {
			kinds = append(kinds, e.Kind)
		}
	}()
	return sub, func() []bus.Kind {
		sub.Close()
		<-done
		return kinds
	}
}

func TestExecuteHappyPath(t *testing.T) {
	st := newStore(t)
	b := bus.New()
	exec := executor.New(st, b, nil, nil)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, storage.CreateRunInput{JobName: "sum", Payload: json.RawMessage(`{"a":1,"b":2}`)})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	claimed, err := st.ClaimNextPendingRun(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextPendingRun: %v, %+v", err, claimed)
	}

	_, getKinds := collect(b, run.ID)

	spec := executor.JobSpec{
		Name: "sum",
		Run: func(ctx context.Context, sc *step.Context, payload json.RawMessage) (json.RawMessage, error) {
			var in struct{ A, B int }
			_ = json.Unmarshal(payload, &in)
			a, err := step.Run(ctx, sc, "a", func(context.Context) (int, error) { return in.A, nil })
			if err != nil {
				return nil, err
			}
			bb, err := step.Run(ctx, sc, "b", func(context.Context) (int, error) { return in.B, nil })
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]int{"total": a + bb})
		},
	}
	exec.Execute(ctx, claimed, spec)

	final, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Status != storetypes.RunCompleted {
		t.Fatalf("expected completed, got %s (%v)", final.Status, final.Error)
	}
	if string(final.Output) != `{"total":3}` {
		t.Fatalf("unexpected output: %s", final.Output)
	}

	kinds := getKinds()
	want := []bus.Kind{
		bus.KindRunStart, bus.KindStepStart, bus.KindStepComplete,
		bus.KindStepStart, bus.KindStepComplete, bus.KindRunComplete,
	}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("unexpected event sequence: got %v want %v", kinds, want)
	}
}

func TestExecuteStepFailureRecordsFailedStep(t *testing.T) {
	st := newStore(t)
	b := bus.New()
	exec := executor.New(st, b, nil, nil)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, storage.CreateRunInput{JobName: "boom", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	claimed, _ := st.ClaimNextPendingRun(ctx, "w1")

	spec := executor.JobSpec{
		Name: "boom",
		Run: func(ctx context.Context, sc *step.Context, payload json.RawMessage) (json.RawMessage, error) {
			_, err := step.Run(ctx, sc, "explode", func(context.Context) (int, error) {
				return 0, fmt.Errorf("kaboom")
			})
			return nil, err
		},
	}
	exec.Execute(ctx, claimed, spec)

	final, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Status != storetypes.RunFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.FailedStep == nil || *final.FailedStep != "explode" {
		t.Fatalf("expected failed_step=explode, got %+v", final.FailedStep)
	}
}

func TestExecuteCancellationBetweenSteps(t *testing.T) {
	st := newStore(t)
	b := bus.New()
	exec := executor.New(st, b, nil, nil)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, storage.CreateRunInput{JobName: "cancelme", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	claimed, _ := st.ClaimNextPendingRun(ctx, "w1")

	afterCalled := false
	spec := executor.JobSpec{
		Name: "cancelme",
		Run: func(ctx context.Context, sc *step.Context, payload json.RawMessage) (json.RawMessage, error) {
			// Cancellation arrives while "first" is in flight: the
			// executor must let it finish and only block the next step.
			_, err := step.Run(ctx, sc, "first", func(context.Context) (int, error) {
				exec.RequestCancel(run.ID)
				return 1, nil
			})
			if err != nil {
				return nil, err
			}
			_, err = step.Run(ctx, sc, "after", func(context.Context) (int, error) {
				afterCalled = true
				return 2, nil
			})
			return nil, err
		},
	}
	exec.Execute(ctx, claimed, spec)

	if afterCalled {
		t.Fatal("expected cancellation to prevent the second step from running")
	}
	final, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Status != storetypes.RunCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestExecuteInputValidationFailure(t *testing.T) {
	st := newStore(t)
	exec := executor.New(st, nil, nil, nil)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, storage.CreateRunInput{JobName: "strict", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	claimed, _ := st.ClaimNextPendingRun(ctx, "w1")

	spec := executor.JobSpec{
		Name:          "strict",
		ValidateInput: func(json.RawMessage) error { return durablyerr.New(durablyerr.CodeInputValidation, "test", "nope") },
		Run: func(ctx context.Context, sc *step.Context, payload json.RawMessage) (json.RawMessage, error) {
			t.Fatal("run function must not be invoked when input validation fails")
			return nil, nil
		},
	}
	exec.Execute(ctx, claimed, spec)

	final, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Status != storetypes.RunFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}
