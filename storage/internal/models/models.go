// Package models holds the GORM row types shared by every Storage
// dialect. The schema is identical across backends; only the claim
// statement's SQL/locking strategy differs (see pgstore, litestore).
package models

import (
	"time"

	"gorm.io/datatypes"
)

// RunRow is the runs table. Payload/Output/Progress/Metadata/Tags are
// datatypes.JSON so Postgres stores them as native jsonb (and SQLite
// as json/text) instead of opaque text, the same column type the
// teacher uses for its own job_run.result column.
type RunRow struct {
	ID               string         `gorm:"primaryKey;type:varchar(26)"`
	JobName          string         `gorm:"uniqueIndex:idx_runs_job_idem,priority:1;not null"`
	Status           string         `gorm:"index:idx_runs_status_created;not null"`
	Payload          datatypes.JSON
	Output           datatypes.JSON
	Error            *string
	FailedStep       *string
	ProgressJSON     datatypes.JSON
	CurrentStepIndex int `gorm:"not null;default:0"`
	// IdempotencyKey participates in a composite unique index with
	// JobName. NULL is never equal to NULL in a SQL unique index, so
	// rows with no idempotency key never collide with one another.
	IdempotencyKey *string `gorm:"uniqueIndex:idx_runs_job_idem,priority:2"`
	ConcurrencyKey *string `gorm:"index:idx_runs_concurrency"`
	MetadataJSON   datatypes.JSON
	TagsJSON       datatypes.JSON
	CreatedAt      time.Time `gorm:"index:idx_runs_status_created;not null"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	HeartbeatAt    *time.Time
	UpdatedAt      time.Time
}

func (RunRow) TableName() string { return "durably_runs" }

// StepRow is the steps table. Primary key (run_id, name); secondary
// index (run_id, index) for ordered listing.
type StepRow struct {
	RunID       string `gorm:"primaryKey;index:idx_steps_run_index,priority:1"`
	Name        string `gorm:"primaryKey"`
	Index       int    `gorm:"index:idx_steps_run_index,priority:2;not null"`
	Status      string `gorm:"not null"`
	Output      datatypes.JSON
	Error       *string
	StartedAt   time.Time `gorm:"not null"`
	CompletedAt time.Time `gorm:"not null"`
}

func (StepRow) TableName() string { return "durably_steps" }

// LogRow is the logs table.
type LogRow struct {
	ID        string `gorm:"primaryKey;type:varchar(26)"`
	RunID     string `gorm:"index:idx_logs_run_ts;not null"`
	StepName  *string
	Level     string `gorm:"not null"`
	Message   string `gorm:"type:text;not null"`
	Data      datatypes.JSON
	Timestamp time.Time `gorm:"index:idx_logs_run_ts;not null"`
}

func (LogRow) TableName() string { return "durably_logs" }

// AllModels lists every row type for AutoMigrate, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&RunRow{},
		&StepRow{},
		&LogRow{},
	}
}
