package durably_test

import (
	"context"
	"testing"
	"time"

	"github.com/durably/durably"
	"github.com/durably/durably/storage/litestore"
	"github.com/durably/durably/storetypes"
)

type sumInput struct{ A, B int }
type sumOutput struct{ Total int }

func newInstance(t *testing.T) *durably.Instance {
	t.Helper()
	st, err := litestore.Open(t.TempDir() + "/durably.db")
	if err != nil {
		t.Fatalf("litestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	inst, err := durably.New(durably.Config{
		Storage:           st,
		PollingInterval:   10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("durably.New: %v", err)
	}
	return inst
}

func TestTriggerAndWaitHappyPath(t *testing.T) {
	inst := newInstance(t)
	sum := durably.Register(inst, durably.JobDefinition[sumInput, sumOutput]{
		Name: "sum",
		Run: func(ctx context.Context, sc *durably.StepContext, in sumInput) (sumOutput, error) {
			a, err := durably.StepRun(ctx, sc, "a", func(context.Context) (int, error) { return in.A, nil })
			if err != nil {
				return sumOutput{}, err
			}
			b, err := durably.StepRun(ctx, sc, "b", func(context.Context) (int, error) { return in.B, nil })
			if err != nil {
				return sumOutput{}, err
			}
			return sumOutput{Total: a + b}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := inst.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = inst.Stop(stopCtx)
	}()

	out, err := sum.TriggerAndWait(ctx, sumInput{A: 2, B: 3}, durably.WaitOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	if out.Total != 5 {
		t.Fatalf("expected total 5, got %d", out.Total)
	}
}

func TestTriggerIsIdempotentPerJobAndKey(t *testing.T) {
	inst := newInstance(t)
	sum := durably.Register(inst, durably.JobDefinition[sumInput, sumOutput]{
		Name: "sum_idem",
		Run: func(ctx context.Context, sc *durably.StepContext, in sumInput) (sumOutput, error) {
			return sumOutput{Total: in.A + in.B}, nil
		},
	})

	key := "customer-42"
	id1, err := sum.Trigger(context.Background(), sumInput{A: 1, B: 1}, durably.TriggerOptions{IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	id2, err := sum.Trigger(context.Background(), sumInput{A: 9, B: 9}, durably.TriggerOptions{IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("Trigger (repeat): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent trigger to return the same run id, got %s and %s", id1, id2)
	}
}

func TestCancelPendingRunTransitionsImmediately(t *testing.T) {
	inst := newInstance(t)
	sum := durably.Register(inst, durably.JobDefinition[sumInput, sumOutput]{
		Name: "sum_cancel",
		Run: func(ctx context.Context, sc *durably.StepContext, in sumInput) (sumOutput, error) {
			return sumOutput{Total: in.A + in.B}, nil
		},
	})

	// Do not Init the instance, so the worker never claims the run and
	// it stays pending for Cancel to act on directly.
	runID, err := sum.Trigger(context.Background(), sumInput{A: 1, B: 2}, durably.TriggerOptions{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := inst.Cancel(context.Background(), runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	run, err := inst.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storetypes.RunCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}

	if err := inst.Cancel(context.Background(), runID); err == nil {
		t.Fatal("expected cancelling an already-terminal run to fail")
	}
}

func TestRetryResetsFailedRunToPending(t *testing.T) {
	inst := newInstance(t)
	attempt := 0
	flaky := durably.Register(inst, durably.JobDefinition[sumInput, sumOutput]{
		Name: "flaky",
		Run: func(ctx context.Context, sc *durably.StepContext, in sumInput) (sumOutput, error) {
			a, err := durably.StepRun(ctx, sc, "a", func(context.Context) (int, error) { return in.A, nil })
			if err != nil {
				return sumOutput{}, err
			}
			b, err := durably.StepRun(ctx, sc, "b", func(context.Context) (int, error) {
				attempt++
				if attempt == 1 {
					return 0, errFlaky
				}
				return in.B, nil
			})
			if err != nil {
				return sumOutput{}, err
			}
			return sumOutput{Total: a + b}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := inst.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = inst.Stop(stopCtx)
	}()

	_, err := flaky.TriggerAndWait(ctx, sumInput{A: 4, B: 6}, durably.WaitOptions{Timeout: 2 * time.Second})
	if err == nil {
		t.Fatal("expected first attempt to fail")
	}
	waitErr, ok := err.(*durably.WaitError)
	if !ok {
		t.Fatalf("expected a *durably.WaitError, got %T: %v", err, err)
	}
	if err := inst.Retry(ctx, waitErr.RunID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := inst.GetRun(ctx, waitErr.RunID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == storetypes.RunCompleted {
			if string(run.Output) != `{"Total":10}` {
				t.Fatalf("unexpected output after retry: %s", run.Output)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("retried run never completed")
}

var errFlaky = &flakyError{}

type flakyError struct{}

func (e *flakyError) Error() string { return "flaky step failed on first attempt" }
