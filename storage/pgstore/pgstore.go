// Package pgstore is the Postgres Storage dialect. It claims runs with
// SELECT ... FOR UPDATE SKIP LOCKED, the same locking clause the job
// queue this engine is grounded on uses, and classifies unique-key
// collisions via pgconn.PgError rather than string-matching messages.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/durably/durably/durablyerr"
	"github.com/durably/durably/storage"
	"github.com/durably/durably/storage/internal/gormstore"
	"github.com/durably/durably/storage/internal/models"
	"github.com/durably/durably/storage/internal/rowconv"
	"github.com/durably/durably/storetypes"
)

// Option configures Open.
type Option func(*options)

type options struct {
	gormLogger gormlogger.Interface
}

// WithGormLogger overrides the default slow-query GORM logger.
func WithGormLogger(l gormlogger.Interface) Option {
	return func(o *options) { o.gormLogger = l }
}

// postgresUniqueViolation is the SQLSTATE code for unique_violation.
const postgresUniqueViolation = "23505"

// retryableCodes are SQLSTATEs worth retrying at the storage-fault level
// (serialization failure, deadlock detected, lock not available).
var retryableCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUniqueViolation
	}
	return false
}

// IsRetryable reports whether err represents a transient storage
// condition (serialization conflict, deadlock, lock timeout) the worker
// should back off and retry rather than treat as a hard failure.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableCodes[pgErr.Code]
	}
	return false
}

// Store is the Postgres-backed Storage implementation.
type Store struct {
	gormstore.Base
}

// Open connects to Postgres, runs AutoMigrate plus the manual index pass
// GORM struct tags cannot express, and returns a ready Storage.
func Open(dsn string, opts ...Option) (storage.Storage, error) {
	cfg := &options{
		gormLogger: gormlogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: cfg.gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Store{Base: gormstore.Base{DB: db, IsUniqueViolation: isUniqueViolation}}, nil
}

// OpenPool opens a raw pgx connection pool against dsn, for callers that
// need to issue queries durably's Storage interface doesn't expose (for
// example, an operator dashboard querying durably_logs directly).
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping pool: %w", err)
	}
	return pool, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("pgstore: automigrate: %w", err)
	}
	// GORM struct tags can express the composite unique index on
	// (job_name, idempotency_key) but the claim query's hot path also
	// wants a partial index limited to pending rows.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_pending_created
		ON durably_runs (created_at ASC, id ASC)
		WHERE status = 'pending';
	`).Error; err != nil {
		return fmt.Errorf("pgstore: create idx_runs_pending_created: %w", err)
	}
	return nil
}

// ClaimNextPendingRun selects the oldest pending run with no currently
// running sibling sharing its concurrency key, locking the row with
// SKIP LOCKED so concurrent workers never block on or double-claim it.
func (s *Store) ClaimNextPendingRun(ctx context.Context, workerID string) (*storetypes.Run, error) {
	var claimed *storetypes.Run
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.RunRow
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", string(storetypes.RunPending)).
			Where(`
				concurrency_key IS NULL
				OR NOT EXISTS (
					SELECT 1 FROM durably_runs r2
					WHERE r2.concurrency_key = durably_runs.concurrency_key
					AND r2.status = ?
				)
			`, string(storetypes.RunRunning)).
			Order("created_at ASC").
			Order("id ASC")
		err := q.First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.Model(&models.RunRow{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"status":       string(storetypes.RunRunning),
			"started_at":   now,
			"heartbeat_at": now,
		}).Error; err != nil {
			return err
		}
		row.Status = string(storetypes.RunRunning)
		row.StartedAt = &now
		row.HeartbeatAt = &now
		claimed = rowconv.RowToRun(&row)
		return nil
	})
	if err != nil {
		return nil, durablyerr.Wrap(durablyerr.CodeStorageFault, "ClaimNextPendingRun", err)
	}
	return claimed, nil
}
