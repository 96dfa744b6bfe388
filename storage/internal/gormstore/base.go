// Package gormstore implements the dialect-independent half of the
// Storage contract on top of GORM. pgstore and litestore each embed Base
// and supply only the claim statement and the dialect-specific error
// classifier (see spec §9's "Polymorphism of storage dialects").
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/durably/durably/durablyerr"
	"github.com/durably/durably/storage/internal/models"
	"github.com/durably/durably/storage/internal/rowconv"
	"github.com/durably/durably/storetypes"

	storagepkg "github.com/durably/durably/storage"
)

// Base is the shared GORM-backed implementation of every Storage method
// except ClaimNextPendingRun, which each dialect implements against its
// own locking primitive.
type Base struct {
	DB *gorm.DB
	// IsUniqueViolation classifies a driver error as a unique-constraint
	// collision; dialect-specific (pgconn.PgError vs sqlite3.Error).
	IsUniqueViolation func(error) bool
}

func (b *Base) Close() error {
	sqlDB, err := b.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *Base) CreateRun(ctx context.Context, in storagepkg.CreateRunInput) (*storetypes.Run, error) {
	run := &storetypes.Run{
		ID:               storetypes.NewID(),
		JobName:          in.JobName,
		Status:           storetypes.RunPending,
		Payload:          in.Payload,
		IdempotencyKey:   in.IdempotencyKey,
		ConcurrencyKey:   in.ConcurrencyKey,
		Metadata:         in.Metadata,
		Tags:             in.Tags,
		CreatedAt:        time.Now().UTC(),
		CurrentStepIndex: 0,
	}
	row := rowconv.RunToRow(run)
	err := b.DB.WithContext(ctx).Create(row).Error
	if err == nil {
		return run, nil
	}
	if in.IdempotencyKey != nil && b.IsUniqueViolation != nil && b.IsUniqueViolation(err) {
		existing, getErr := b.getRunByIdempotencyKey(ctx, in.JobName, *in.IdempotencyKey)
		if getErr != nil {
			return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "CreateRun", getErr)
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "CreateRun", err)
}

func (b *Base) getRunByIdempotencyKey(ctx context.Context, jobName, key string) (*storetypes.Run, error) {
	var row models.RunRow
	err := b.DB.WithContext(ctx).
		Where("job_name = ? AND idempotency_key = ?", jobName, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowconv.RowToRun(&row), nil
}

func (b *Base) UpsertStep(ctx context.Context, in storagepkg.UpsertStepInput) (*storetypes.Step, error) {
	var result *storetypes.Step
	txErr := b.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.StepRow
		err := tx.Where("run_id = ? AND name = ?", in.RunID, in.Name).First(&existing).Error
		if err == nil {
			if existing.Status != string(storetypes.StepFailed) {
				return durablyerr.New(durablyerr.CodeDuplicateStepName, "UpsertStep", "step already recorded: "+in.Name)
			}
			// A failed row left by an earlier attempt is not memoized: the
			// re-execution's outcome overwrites it in place, keeping its index.
			now := time.Now().UTC()
			existing.Status = string(in.Status)
			existing.Output = datatypes.JSON(in.Output)
			existing.Error = in.Error
			existing.StartedAt = now
			existing.CompletedAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.RunRow{}).Where("id = ?", in.RunID).
				Update("current_step_index", existing.Index+1).Error; err != nil {
				return err
			}
			result = rowconv.RowToStep(&existing)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		var count int64
		if err := tx.Model(&models.StepRow{}).Where("run_id = ?", in.RunID).Count(&count).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		row := &models.StepRow{
			RunID:       in.RunID,
			Name:        in.Name,
			Index:       int(count),
			Status:      string(in.Status),
			Output:      datatypes.JSON(in.Output),
			Error:       in.Error,
			StartedAt:   now,
			CompletedAt: now,
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.RunRow{}).Where("id = ?", in.RunID).
			Update("current_step_index", int(count)+1).Error; err != nil {
			return err
		}
		result = rowconv.RowToStep(row)
		return nil
	})
	if txErr != nil {
		var de *durablyerr.Error
		if errors.As(txErr, &de) {
			return nil, txErr
		}
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "UpsertStep", txErr)
	}
	return result, nil
}

func (b *Base) GetStep(ctx context.Context, runID, name string) (*storetypes.Step, error) {
	var row models.StepRow
	err := b.DB.WithContext(ctx).Where("run_id = ? AND name = ?", runID, name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "GetStep", err)
	}
	return rowconv.RowToStep(&row), nil
}

func (b *Base) ListSteps(ctx context.Context, runID string) ([]*storetypes.Step, error) {
	var rows []models.StepRow
	if err := b.DB.WithContext(ctx).Where("run_id = ?", runID).Order("index asc").Find(&rows).Error; err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "ListSteps", err)
	}
	out := make([]*storetypes.Step, 0, len(rows))
	for i := range rows {
		out = append(out, rowconv.RowToStep(&rows[i]))
	}
	return out, nil
}

func (b *Base) Heartbeat(ctx context.Context, runID string) error {
	res := b.DB.WithContext(ctx).Model(&models.RunRow{}).
		Where("id = ? AND status = ?", runID, string(storetypes.RunRunning)).
		Update("heartbeat_at", time.Now().UTC())
	if res.Error != nil {
		return durablyerr.Wrap(durablyerr.CodeStorageFault, "Heartbeat", res.Error)
	}
	if res.RowsAffected == 0 {
		return durablyerr.New(durablyerr.CodeInvalidTransition, "Heartbeat", "run not running: "+runID)
	}
	return nil
}

func (b *Base) SetProgress(ctx context.Context, runID string, progress storetypes.Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return durablyerr.Wrap(durablyerr.CodeStorageFault, "SetProgress", err)
	}
	// Best-effort: a failed progress write must never fail the step.
	_ = b.DB.WithContext(ctx).Model(&models.RunRow{}).
		Where("id = ?", runID).
		Update("progress_json", datatypes.JSON(data)).Error
	return nil
}

func (b *Base) transition(ctx context.Context, op, runID string, from []storetypes.RunStatus, updates map[string]interface{}) error {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	res := b.DB.WithContext(ctx).Model(&models.RunRow{}).
		Where("id = ? AND status IN ?", runID, fromStrs).
		Updates(updates)
	if res.Error != nil {
		return durablyerr.Wrap(durablyerr.CodeStorageFault, op, res.Error)
	}
	if res.RowsAffected == 0 {
		return durablyerr.New(durablyerr.CodeInvalidTransition, op, "run "+runID+" is not in a state that allows this transition")
	}
	return nil
}

func (b *Base) CompleteRun(ctx context.Context, runID string, output json.RawMessage) error {
	now := time.Now().UTC()
	return b.transition(ctx, "CompleteRun", runID, []storetypes.RunStatus{storetypes.RunRunning}, map[string]interface{}{
		"status":       string(storetypes.RunCompleted),
		"output":       datatypes.JSON(output),
		"completed_at": now,
	})
}

func (b *Base) FailRun(ctx context.Context, runID string, errMsg string, failedStep string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       string(storetypes.RunFailed),
		"error":        errMsg,
		"completed_at": now,
	}
	if failedStep != "" {
		updates["failed_step"] = failedStep
	}
	return b.transition(ctx, "FailRun", runID, []storetypes.RunStatus{storetypes.RunRunning, storetypes.RunPending}, updates)
}

func (b *Base) CancelRun(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	return b.transition(ctx, "CancelRun", runID, []storetypes.RunStatus{storetypes.RunRunning, storetypes.RunPending}, map[string]interface{}{
		"status":       string(storetypes.RunCancelled),
		"completed_at": now,
	})
}

func (b *Base) ResetRunToPending(ctx context.Context, runID string) error {
	return b.transition(ctx, "ResetRunToPending", runID, []storetypes.RunStatus{storetypes.RunFailed, storetypes.RunCancelled}, map[string]interface{}{
		"status":       string(storetypes.RunPending),
		"error":        nil,
		"started_at":   nil,
		"completed_at": nil,
		"heartbeat_at": nil,
	})
}

func (b *Base) ReapStaleRuns(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var ids []string
	err := b.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.RunRow
		if err := tx.Where("status = ? AND heartbeat_at < ?", string(storetypes.RunRunning), cutoff).Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&models.RunRow{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":     string(storetypes.RunPending),
			"started_at": nil,
		}).Error
	})
	if err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "ReapStaleRuns", err)
	}
	return ids, nil
}

func (b *Base) WriteLog(ctx context.Context, in storagepkg.WriteLogInput) error {
	row := &models.LogRow{
		ID:        storetypes.NewID(),
		RunID:     in.RunID,
		StepName:  in.StepName,
		Level:     string(in.Level),
		Message:   in.Message,
		Data:      datatypes.JSON(in.Data),
		Timestamp: time.Now().UTC(),
	}
	if err := b.DB.WithContext(ctx).Create(row).Error; err != nil {
		return durablyerr.Wrap(durablyerr.CodeStorageFault, "WriteLog", err)
	}
	return nil
}

func (b *Base) GetRun(ctx context.Context, runID string) (*storetypes.Run, error) {
	var row models.RunRow
	err := b.DB.WithContext(ctx).Where("id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "GetRun", err)
	}
	return rowconv.RowToRun(&row), nil
}

func (b *Base) ListRuns(ctx context.Context, filter storetypes.ListRunsFilter) ([]*storetypes.RunSummary, error) {
	q := b.DB.WithContext(ctx).Model(&models.RunRow{})
	if filter.JobName != nil {
		q = q.Where("job_name = ?", *filter.JobName)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", string(*filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var rows []models.RunRow
	if err := q.Order("created_at desc, id desc").Limit(limit).Offset(filter.Offset).Find(&rows).Error; err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "ListRuns", err)
	}
	out := make([]*storetypes.RunSummary, 0, len(rows))
	for i := range rows {
		run := rowconv.RowToRun(&rows[i])
		if len(filter.MetadataEquals) > 0 && !metadataMatches(run.Metadata, filter.MetadataEquals) {
			continue
		}
		var count int64
		_ = b.DB.WithContext(ctx).Model(&models.StepRow{}).Where("run_id = ?", run.ID).Count(&count).Error
		out = append(out, &storetypes.RunSummary{Run: *run, StepCount: int(count)})
	}
	return out, nil
}

func metadataMatches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (b *Base) DeleteRun(ctx context.Context, runID string) error {
	txErr := b.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run models.RunRow
		if err := tx.Where("id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return durablyerr.New(durablyerr.CodeNotFound, "DeleteRun", "run not found: "+runID)
			}
			return err
		}
		switch storetypes.RunStatus(run.Status) {
		case storetypes.RunCompleted, storetypes.RunFailed, storetypes.RunCancelled:
		default:
			return durablyerr.New(durablyerr.CodeInvalidTransition, "DeleteRun", "run is not terminal: "+runID)
		}
		if err := tx.Where("run_id = ?", runID).Delete(&models.StepRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", runID).Delete(&models.LogRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&run).Error
	})
	if txErr != nil {
		var de *durablyerr.Error
		if errors.As(txErr, &de) {
			return txErr
		}
		return durablyerr.Wrap(durablyerr.CodeStorageFault, "DeleteRun", txErr)
	}
	return nil
}
