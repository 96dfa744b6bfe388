// Package storage defines the Storage capability set every durably
// backend implements: run/step persistence, atomic claim, heartbeat,
// status transitions and log writes. Concrete dialects live in
// sibling packages (pgstore, litestore) and share the same schema,
// only the claim statement's locking strategy differs per dialect.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/durably/durably/storetypes"
)

// CreateRunInput is the payload for CreateRun.
type CreateRunInput struct {
	JobName        string
	Payload        json.RawMessage
	IdempotencyKey *string
	ConcurrencyKey *string
	Metadata       map[string]string
	Tags           []string
}

// UpsertStepInput is the payload for UpsertStep.
type UpsertStepInput struct {
	RunID  string
	Name   string
	Output json.RawMessage
	Error  *string
	Status storetypes.StepStatus
}

// WriteLogInput is the payload for WriteLog.
type WriteLogInput struct {
	RunID    string
	StepName *string
	Level    storetypes.LogLevel
	Message  string
	Data     json.RawMessage
}

// Storage is the relational capability set described in durably's data
// model: every operation that mutates run state commits as a single
// transaction. See storetypes for the row shapes it returns.
type Storage interface {
	// CreateRun inserts a pending run. If IdempotencyKey is set and a row
	// already exists for (JobName, IdempotencyKey), that existing row is
	// returned and no new row is inserted. This never fails on a unique
	// collision, the conflict is resolved by re-selecting the winner.
	CreateRun(ctx context.Context, in CreateRunInput) (*storetypes.Run, error)

	// ClaimNextPendingRun atomically selects one pending run whose
	// concurrency key (if any) has no currently-running sibling, flips it
	// to running, and returns it. Returns (nil, nil) when nothing is
	// claimable. Must be linearizable under concurrent callers.
	ClaimNextPendingRun(ctx context.Context, workerID string) (*storetypes.Run, error)

	// UpsertStep records a step's first-and-only execution result for this
	// run attempt and advances the run's current_step_index.
	UpsertStep(ctx context.Context, in UpsertStepInput) (*storetypes.Step, error)

	// GetStep returns the memoized step row, or (nil, nil) if absent.
	GetStep(ctx context.Context, runID, name string) (*storetypes.Step, error)

	// ListSteps returns every step for a run ordered by index.
	ListSteps(ctx context.Context, runID string) ([]*storetypes.Step, error)

	// Heartbeat refreshes heartbeat_at for a running run.
	Heartbeat(ctx context.Context, runID string) error

	// SetProgress performs a best-effort write of the run's progress marker.
	SetProgress(ctx context.Context, runID string, progress storetypes.Progress) error

	// CompleteRun, FailRun and CancelRun perform the corresponding terminal
	// transition. All three fail with durablyerr.CodeInvalidTransition if
	// the run isn't in a state that can reach the target status.
	CompleteRun(ctx context.Context, runID string, output json.RawMessage) error
	FailRun(ctx context.Context, runID string, errMsg string, failedStep string) error
	CancelRun(ctx context.Context, runID string) error

	// ResetRunToPending implements retry: requires status in
	// {failed, cancelled}; clears attempt-scoped fields; preserves steps.
	ResetRunToPending(ctx context.Context, runID string) error

	// ReapStaleRuns resets every running run whose heartbeat is older than
	// threshold back to pending, returning the affected run IDs.
	ReapStaleRuns(ctx context.Context, threshold time.Duration) ([]string, error)

	// WriteLog appends a structured log row.
	WriteLog(ctx context.Context, in WriteLogInput) error

	// GetRun returns a single run, or (nil, nil) if absent.
	GetRun(ctx context.Context, runID string) (*storetypes.Run, error)

	// ListRuns returns a filtered, paginated run list with derived step counts.
	ListRuns(ctx context.Context, filter storetypes.ListRunsFilter) ([]*storetypes.RunSummary, error)

	// DeleteRun cascade-deletes a run's steps and logs. Requires a
	// terminal status.
	DeleteRun(ctx context.Context, runID string) error

	// Close releases the backend's resources (connection pool, etc).
	Close() error
}
