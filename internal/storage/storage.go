// Package storage defines the persistence port shared by every component of
// the ledger, and the Dual strategy that composes a primary backend with a
// file-backed fallback.
//
// Backends are selected once at startup and injected; callers never check
// which backend served a request.
package storage

import (
	"context"
	"errors"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
)

var (
	// ErrNotFound is returned by backends when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable is returned when no backend could serve an operation:
	// the primary failed (or is not configured) and the fallback failed too.
	ErrUnavailable = errors.New("persistence unavailable")
)

// Backend is the storage port. Every collection is keyed the same way in all
// implementations so that switching backends is transparent to callers.
//
// Save* and CommitTask are upserts. Implementations must be safe for
// concurrent use; read-modify-write sequences are serialized by callers.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// GetTask returns the task or ErrNotFound.
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	// CommitTask upserts the task and appends history entries as one unit.
	// History entries whose ID already exists are ignored.
	CommitTask(ctx context.Context, task *domain.Task, history []domain.HistoryEntry) error
	// ListTasks returns every task record.
	ListTasks(ctx context.Context) ([]domain.Task, error)
	// ListHistory returns entries newest first. An empty taskID selects all
	// tasks; limit <= 0 means no limit.
	ListHistory(ctx context.Context, taskID string, limit int) ([]domain.HistoryEntry, error)

	// SaveCOD upserts a COD entry.
	SaveCOD(ctx context.Context, entry *domain.CODEntry) error
	// GetCOD returns the entry within driverID's queue or ErrNotFound.
	GetCOD(ctx context.Context, driverID, entryID string) (*domain.CODEntry, error)
	// ListCOD returns entries ordered by (created_at, id). Empty driverID
	// selects all drivers; empty status selects all statuses.
	ListCOD(ctx context.Context, driverID, status string) ([]domain.CODEntry, error)

	// SaveEvent upserts a webhook event.
	SaveEvent(ctx context.Context, ev *domain.WebhookEvent) error
	// GetEvent returns the event or ErrNotFound.
	GetEvent(ctx context.Context, id string) (*domain.WebhookEvent, error)
	// ListPendingEvents returns pending events and failed events with
	// retry_count < maxRetry, ordered by (created_at, id).
	ListPendingEvents(ctx context.Context, maxRetry int) ([]domain.WebhookEvent, error)
	// ListEvents returns every event ordered by (created_at, id).
	ListEvents(ctx context.Context) ([]domain.WebhookEvent, error)
	// CountEventsByStatus returns the number of events per status.
	CountEventsByStatus(ctx context.Context) (map[string]int64, error)
}

// SettledPurger is implemented by backends that keep a legacy representation
// from which settled COD entries may be dropped.
type SettledPurger interface {
	PurgeSettledCOD(ctx context.Context) (int, error)
}
