// Package repo implements the primary persistence layer for domain entities,
// backed by GORM. This file provides repository functions for tasks and their
// change history.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no merge logic, only persistence and
// query composition.
//
// Error semantics:
//   - When a task is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency.
var ErrNotFound = gorm.ErrRecordNotFound

// GetTask fetches a single task by id, or ErrNotFound if missing.
func GetTask(ctx context.Context, db *gorm.DB, taskID string) (*domain.Task, error) {
	var t domain.Task
	if err := db.WithContext(ctx).Where("task_id = ?", taskID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTask inserts the task or overwrites every column of an existing row.
func UpsertTask(ctx context.Context, db *gorm.DB, t *domain.Task) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(t).Error
}

// AppendHistory inserts history entries, ignoring ids that already exist.
func AppendHistory(ctx context.Context, db *gorm.DB, entries []domain.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entries).Error
}

// CommitTask upserts the task and appends its history in one transaction, so
// a merge is never visible half-applied.
func CommitTask(ctx context.Context, db *gorm.DB, t *domain.Task, history []domain.HistoryEntry) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := UpsertTask(ctx, tx, t); err != nil {
			return err
		}
		return AppendHistory(ctx, tx, history)
	})
}

// ListTasks returns every task ordered by id.
func ListTasks(ctx context.Context, db *gorm.DB) ([]domain.Task, error) {
	var out []domain.Task
	err := db.WithContext(ctx).Order("task_id ASC").Find(&out).Error
	return out, err
}

// ListHistory returns history entries newest first (CreatedAt DESC, ID DESC).
// An empty taskID selects every task; limit <= 0 disables the limit.
func ListHistory(ctx context.Context, db *gorm.DB, taskID string, limit int) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	q := db.WithContext(ctx).Order("created_at DESC, id DESC")
	if taskID != "" {
		q = q.Where("task_id = ?", taskID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
