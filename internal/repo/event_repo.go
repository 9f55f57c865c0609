// Package repo implements the primary persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the webhook
// event log.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
)

// SaveEvent inserts the event or overwrites an existing row with the same id.
func SaveEvent(ctx context.Context, db *gorm.DB, ev *domain.WebhookEvent) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(ev).Error
}

// GetEvent fetches an event by id, or ErrNotFound.
func GetEvent(ctx context.Context, db *gorm.DB, id string) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	if err := db.WithContext(ctx).Where("id = ?", id).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListPendingEvents returns events that are pending, or failed with fewer
// than maxRetry attempts, oldest first (CreatedAt ASC, ID ASC).
func ListPendingEvents(ctx context.Context, db *gorm.DB, maxRetry int) ([]domain.WebhookEvent, error) {
	out := []domain.WebhookEvent{}
	err := db.WithContext(ctx).
		Where("status = ? OR (status = ? AND retry_count < ?)",
			domain.EventStatusPending, domain.EventStatusFailed, maxRetry).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ListEvents returns every event oldest first.
func ListEvents(ctx context.Context, db *gorm.DB) ([]domain.WebhookEvent, error) {
	out := []domain.WebhookEvent{}
	err := db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

// CountEventsByStatus groups the event log by status.
func CountEventsByStatus(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
