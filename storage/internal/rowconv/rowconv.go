// Package rowconv converts between the GORM row models and the
// dialect-independent storetypes shapes. Shared by pgstore and litestore
// so both dialects serialize progress/metadata/tags identically.
package rowconv

import (
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/durably/durably/storage/internal/models"
	"github.com/durably/durably/storetypes"
)

func RunToRow(in *storetypes.Run) *models.RunRow {
	row := &models.RunRow{
		ID:               in.ID,
		JobName:          in.JobName,
		Status:           string(in.Status),
		Payload:          datatypes.JSON(in.Payload),
		Output:           datatypes.JSON(in.Output),
		Error:            in.Error,
		FailedStep:       in.FailedStep,
		CurrentStepIndex: in.CurrentStepIndex,
		IdempotencyKey:   in.IdempotencyKey,
		ConcurrencyKey:   in.ConcurrencyKey,
		CreatedAt:        in.CreatedAt,
		StartedAt:        in.StartedAt,
		CompletedAt:      in.CompletedAt,
		HeartbeatAt:      in.HeartbeatAt,
	}
	if in.Progress != nil {
		b, _ := json.Marshal(in.Progress)
		row.ProgressJSON = datatypes.JSON(b)
	}
	if in.Metadata != nil {
		b, _ := json.Marshal(in.Metadata)
		row.MetadataJSON = datatypes.JSON(b)
	}
	if in.Tags != nil {
		b, _ := json.Marshal(in.Tags)
		row.TagsJSON = datatypes.JSON(b)
	}
	return row
}

func RowToRun(row *models.RunRow) *storetypes.Run {
	if row == nil {
		return nil
	}
	out := &storetypes.Run{
		ID:               row.ID,
		JobName:          row.JobName,
		Status:           storetypes.RunStatus(row.Status),
		Payload:          json.RawMessage(row.Payload),
		Output:           json.RawMessage(row.Output),
		Error:            row.Error,
		FailedStep:       row.FailedStep,
		CurrentStepIndex: row.CurrentStepIndex,
		IdempotencyKey:   row.IdempotencyKey,
		ConcurrencyKey:   row.ConcurrencyKey,
		CreatedAt:        row.CreatedAt,
		StartedAt:        row.StartedAt,
		CompletedAt:      row.CompletedAt,
		HeartbeatAt:      row.HeartbeatAt,
	}
	if len(row.ProgressJSON) > 0 {
		var p storetypes.Progress
		if json.Unmarshal(row.ProgressJSON, &p) == nil {
			out.Progress = &p
		}
	}
	if len(row.MetadataJSON) > 0 {
		_ = json.Unmarshal(row.MetadataJSON, &out.Metadata)
	}
	if len(row.TagsJSON) > 0 {
		_ = json.Unmarshal(row.TagsJSON, &out.Tags)
	}
	return out
}

func RowToStep(row *models.StepRow) *storetypes.Step {
	if row == nil {
		return nil
	}
	return &storetypes.Step{
		RunID:       row.RunID,
		Index:       row.Index,
		Name:        row.Name,
		Status:      storetypes.StepStatus(row.Status),
		Output:      json.RawMessage(row.Output),
		Error:       row.Error,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
}

func RowToLog(row *models.LogRow) *storetypes.LogEntry {
	if row == nil {
		return nil
	}
	return &storetypes.LogEntry{
		ID:        row.ID,
		RunID:     row.RunID,
		StepName:  row.StepName,
		Level:     storetypes.LogLevel(row.Level),
		Message:   row.Message,
		Data:      json.RawMessage(row.Data),
		Timestamp: row.Timestamp,
	}
}
