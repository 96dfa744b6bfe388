// Package storagetest is a conformance suite shared by every Storage
// dialect. pgstore and litestore each call RunConformance against their
// own freshly-migrated backend so the two dialects are held to
// identical behavior.
package storagetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/durably/durably/storage"
	"github.com/durably/durably/storetypes"
)

// RunConformance exercises every Storage method against a fresh
// backend built by newStore. newStore is called once per subtest so
// state from one test never leaks into the next.
func RunConformance(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Run("CreateRun is idempotent by (job, idempotency key)", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "idem-1"

		first, err := s.CreateRun(ctx, storage.CreateRunInput{
			JobName:        "send_email",
			Payload:        json.RawMessage(`{"to":"a@example.com"}`),
			IdempotencyKey: &key,
		})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		second, err := s.CreateRun(ctx, storage.CreateRunInput{
			JobName:        "send_email",
			Payload:        json.RawMessage(`{"to":"b@example.com"}`),
			IdempotencyKey: &key,
		})
		if err != nil {
			t.Fatalf("CreateRun (repeat): %v", err)
		}
		if second.ID != first.ID {
			t.Fatalf("expected idempotent hit to return run %s, got %s", first.ID, second.ID)
		}

		otherJob, err := s.CreateRun(ctx, storage.CreateRunInput{
			JobName:        "send_sms",
			Payload:        json.RawMessage(`{}`),
			IdempotencyKey: &key,
		})
		if err != nil {
			t.Fatalf("CreateRun (other job, same key): %v", err)
		}
		if otherJob.ID == first.ID {
			t.Fatalf("idempotency key must be scoped per job name")
		}
	})

	t.Run("ClaimNextPendingRun returns oldest pending run first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 3; i++ {
			run, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`)})
			if err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			ids = append(ids, run.ID)
			time.Sleep(2 * time.Millisecond)
		}

		claimed, err := s.ClaimNextPendingRun(ctx, "worker-1")
		if err != nil {
			t.Fatalf("ClaimNextPendingRun: %v", err)
		}
		if claimed == nil {
			t.Fatal("expected a claimable run")
		}
		if claimed.ID != ids[0] {
			t.Fatalf("expected oldest run %s claimed first, got %s", ids[0], claimed.ID)
		}
		if claimed.Status != storetypes.RunRunning {
			t.Fatalf("expected claimed run to be running, got %s", claimed.Status)
		}
	})

	t.Run("ClaimNextPendingRun excludes a concurrency key with a running sibling", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := "tenant-42"

		first, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`), ConcurrencyKey: &key})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		_, err = s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`), ConcurrencyKey: &key})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		claimed, err := s.ClaimNextPendingRun(ctx, "worker-1")
		if err != nil {
			t.Fatalf("ClaimNextPendingRun: %v", err)
		}
		if claimed.ID != first.ID {
			t.Fatalf("expected first run claimed, got %s", claimed.ID)
		}

		none, err := s.ClaimNextPendingRun(ctx, "worker-2")
		if err != nil {
			t.Fatalf("ClaimNextPendingRun (second): %v", err)
		}
		if none != nil {
			t.Fatalf("expected no claimable run while sibling is running, got %s", none.ID)
		}

		if err := s.CompleteRun(ctx, claimed.ID, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("CompleteRun: %v", err)
		}
		unblocked, err := s.ClaimNextPendingRun(ctx, "worker-2")
		if err != nil {
			t.Fatalf("ClaimNextPendingRun (after completion): %v", err)
		}
		if unblocked == nil {
			t.Fatal("expected sibling to become claimable once the first completed")
		}
	})

	t.Run("UpsertStep memoizes and advances current_step_index", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
			t.Fatalf("ClaimNextPendingRun: %v", err)
		}

		step, err := s.UpsertStep(ctx, storage.UpsertStepInput{
			RunID: run.ID, Name: "charge_card", Status: storetypes.StepCompleted, Output: json.RawMessage(`{"ok":true}`),
		})
		if err != nil {
			t.Fatalf("UpsertStep: %v", err)
		}
		if step.Index != 0 {
			t.Fatalf("expected first step index 0, got %d", step.Index)
		}

		again, err := s.GetStep(ctx, run.ID, "charge_card")
		if err != nil {
			t.Fatalf("GetStep: %v", err)
		}
		if again == nil || string(again.Output) != `{"ok":true}` {
			t.Fatalf("expected memoized step output, got %+v", again)
		}

		if _, err := s.UpsertStep(ctx, storage.UpsertStepInput{
			RunID: run.ID, Name: "charge_card", Status: storetypes.StepCompleted, Output: json.RawMessage(`{}`),
		}); err == nil {
			t.Fatal("expected duplicate step name to fail")
		}

		updated, err := s.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if updated.CurrentStepIndex != 1 {
			t.Fatalf("expected current_step_index 1, got %d", updated.CurrentStepIndex)
		}
	})

	t.Run("Heartbeat only succeeds on a running run", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if err := s.Heartbeat(ctx, run.ID); err == nil {
			t.Fatal("expected heartbeat to fail on a pending run")
		}
		if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
			t.Fatalf("ClaimNextPendingRun: %v", err)
		}
		if err := s.Heartbeat(ctx, run.ID); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	})

	t.Run("ResetRunToPending preserves recorded steps", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
			t.Fatalf("ClaimNextPendingRun: %v", err)
		}
		if _, err := s.UpsertStep(ctx, storage.UpsertStepInput{RunID: run.ID, Name: "step1", Status: storetypes.StepCompleted}); err != nil {
			t.Fatalf("UpsertStep: %v", err)
		}
		if err := s.FailRun(ctx, run.ID, "boom", "step2"); err != nil {
			t.Fatalf("FailRun: %v", err)
		}

		if err := s.ResetRunToPending(ctx, run.ID); err != nil {
			t.Fatalf("ResetRunToPending: %v", err)
		}

		reset, err := s.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if reset.Status != storetypes.RunPending {
			t.Fatalf("expected run reset to pending, got %s", reset.Status)
		}

		steps, err := s.ListSteps(ctx, run.ID)
		if err != nil {
			t.Fatalf("ListSteps: %v", err)
		}
		if len(steps) != 1 || steps[0].Name != "step1" {
			t.Fatalf("expected recorded step to survive reset, got %+v", steps)
		}
	})

	t.Run("ReapStaleRuns resets only expired heartbeats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		fresh, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		stale, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
			t.Fatalf("ClaimNextPendingRun: %v", err)
		}
		if _, err := s.ClaimNextPendingRun(ctx, "w2"); err != nil {
			t.Fatalf("ClaimNextPendingRun: %v", err)
		}

		time.Sleep(20 * time.Millisecond)
		if err := s.Heartbeat(ctx, fresh.ID); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}

		reaped, err := s.ReapStaleRuns(ctx, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("ReapStaleRuns: %v", err)
		}
		if len(reaped) != 1 || reaped[0] != stale.ID {
			t.Fatalf("expected only stale run reaped, got %+v", reaped)
		}

		got, err := s.GetRun(ctx, stale.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status != storetypes.RunPending {
			t.Fatalf("expected stale run reset to pending, got %s", got.Status)
		}
	})

	t.Run("DeleteRun requires a terminal run and cascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if err := s.DeleteRun(ctx, run.ID); err == nil {
			t.Fatal("expected DeleteRun to fail on a non-terminal run")
		}

		if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
			t.Fatalf("ClaimNextPendingRun: %v", err)
		}
		if _, err := s.UpsertStep(ctx, storage.UpsertStepInput{RunID: run.ID, Name: "s1", Status: storetypes.StepCompleted}); err != nil {
			t.Fatalf("UpsertStep: %v", err)
		}
		if err := s.CompleteRun(ctx, run.ID, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("CompleteRun: %v", err)
		}
		if err := s.DeleteRun(ctx, run.ID); err != nil {
			t.Fatalf("DeleteRun: %v", err)
		}
		if got, err := s.GetRun(ctx, run.ID); err != nil || got != nil {
			t.Fatalf("expected run gone after delete, got %+v err=%v", got, err)
		}
	})

	t.Run("ListRuns filters by job name, status and metadata", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.CreateRun(ctx, storage.CreateRunInput{
			JobName: "email", Payload: json.RawMessage(`{}`), Metadata: map[string]string{"tenant": "acme"},
		}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if _, err := s.CreateRun(ctx, storage.CreateRunInput{
			JobName: "email", Payload: json.RawMessage(`{}`), Metadata: map[string]string{"tenant": "globex"},
		}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if _, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "sms", Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		jobName := "email"
		runs, err := s.ListRuns(ctx, storetypes.ListRunsFilter{JobName: &jobName})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("expected 2 email runs, got %d", len(runs))
		}

		scoped, err := s.ListRuns(ctx, storetypes.ListRunsFilter{
			JobName:        &jobName,
			MetadataEquals: map[string]string{"tenant": "acme"},
		})
		if err != nil {
			t.Fatalf("ListRuns (metadata): %v", err)
		}
		if len(scoped) != 1 {
			t.Fatalf("expected 1 run scoped to tenant acme, got %d", len(scoped))
		}
	})

	t.Run("WriteLog and SetProgress round-trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, storage.CreateRunInput{JobName: "job", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		step := "charge_card"
		if err := s.WriteLog(ctx, storage.WriteLogInput{
			RunID: run.ID, StepName: &step, Level: storetypes.LogInfo, Message: "charged",
		}); err != nil {
			t.Fatalf("WriteLog: %v", err)
		}
		total := 10
		if err := s.SetProgress(ctx, run.ID, storetypes.Progress{Current: 3, Total: &total}); err != nil {
			t.Fatalf("SetProgress: %v", err)
		}
		got, err := s.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Progress == nil || got.Progress.Current != 3 {
			t.Fatalf("expected progress persisted, got %+v", got.Progress)
		}
	})
}
