// Package litestore is the SQLite Storage dialect, for single-node
// deployments and tests. SQLite serializes writes to one connection, so
// unlike pgstore's SKIP LOCKED, claiming here is guarded by an in-process
// mutex plus a BEGIN IMMEDIATE transaction that takes the write lock
// up front.
package litestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
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

// WithGormLogger overrides the default silent GORM logger.
func WithGormLogger(l gormlogger.Interface) Option {
	return func(o *options) { o.gormLogger = l }
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Store is the SQLite-backed Storage implementation. claimMu serializes
// ClaimNextPendingRun across goroutines in this process; BEGIN IMMEDIATE
// additionally fences out any other process holding the file.
type Store struct {
	gormstore.Base
	claimMu sync.Mutex
}

// Open opens (creating if absent) a SQLite database at path and runs
// AutoMigrate. path may be ":memory:" for tests, though in-memory
// databases only make sense with a single connection.
func Open(path string, opts ...Option) (storage.Storage, error) {
	cfg := &options{gormLogger: gormlogger.Default.LogMode(gormlogger.Silent)}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: cfg.gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("litestore: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("litestore: underlying db: %w", err)
	}
	// SQLite only ever serializes one writer; a single connection avoids
	// SQLITE_BUSY from GORM's own pool trying to write concurrently.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("litestore: %s: %w", pragma, err)
		}
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("litestore: automigrate: %w", err)
	}

	return &Store{Base: gormstore.Base{DB: db, IsUniqueViolation: isUniqueViolation}}, nil
}

// ClaimNextPendingRun selects the oldest pending run with no currently
// running sibling sharing its concurrency key. BEGIN IMMEDIATE takes
// the reserved lock before the SELECT, so no other connection can claim
// the same row between the read and the write.
func (s *Store) ClaimNextPendingRun(ctx context.Context, workerID string) (*storetypes.Run, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var claimed *storetypes.Run
	err := s.DB.WithContext(ctx).Connection(func(tx *gorm.DB) error {
		if err := tx.Exec("BEGIN IMMEDIATE").Error; err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Exec("ROLLBACK")
			}
		}()

		var row models.RunRow
		err := tx.Where("status = ?", string(storetypes.RunPending)).
			Where(`
				concurrency_key IS NULL
				OR NOT EXISTS (
					SELECT 1 FROM durably_runs r2
					WHERE r2.concurrency_key = durably_runs.concurrency_key
					AND r2.status = ?
				)
			`, string(storetypes.RunRunning)).
			Order("created_at ASC").
			Order("id ASC").
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Exec("COMMIT").Error; err != nil {
				return err
			}
			committed = true
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
		if err := tx.Exec("COMMIT").Error; err != nil {
			return err
		}
		committed = true

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
