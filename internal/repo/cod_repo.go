// Package repo implements the primary persistence layer for domain entities,
// backed by GORM. This file provides repository functions for per-driver COD
// entries.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
)

// SaveCOD inserts the entry or overwrites an existing row with the same id.
func SaveCOD(ctx context.Context, db *gorm.DB, e *domain.CODEntry) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(e).Error
}

// GetCOD fetches an entry within driverID's queue, or ErrNotFound.
func GetCOD(ctx context.Context, db *gorm.DB, driverID, entryID string) (*domain.CODEntry, error) {
	var e domain.CODEntry
	err := db.WithContext(ctx).
		Where("id = ? AND driver_id = ?", entryID, driverID).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListCOD returns entries ordered deterministically (CreatedAt ASC, ID ASC).
// Empty driverID or status disables the respective filter.
func ListCOD(ctx context.Context, db *gorm.DB, driverID, status string) ([]domain.CODEntry, error) {
	out := []domain.CODEntry{}
	q := db.WithContext(ctx).Order("created_at ASC, id ASC")
	if driverID != "" {
		q = q.Where("driver_id = ?", driverID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&out).Error
	return out, err
}
