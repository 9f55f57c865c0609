package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
	"github.com/tbourn/go-dispatch-ledger/internal/storage"
)

// Backend adapts the repository free functions to the storage.Backend port.
// It translates gorm.ErrRecordNotFound into storage.ErrNotFound so callers
// stay independent of GORM.
type Backend struct {
	DB     *gorm.DB
	Driver string
}

// NewBackend wraps db as a storage backend named after driver.
func NewBackend(db *gorm.DB, driver string) *Backend {
	return &Backend{DB: db, Driver: driver}
}

// Name implements storage.Backend.
func (b *Backend) Name() string {
	if b.Driver == "" {
		return "gorm"
	}
	return b.Driver
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

func (b *Backend) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := GetTask(ctx, b.DB, taskID)
	return t, notFound(err)
}

func (b *Backend) CommitTask(ctx context.Context, t *domain.Task, history []domain.HistoryEntry) error {
	return CommitTask(ctx, b.DB, t, history)
}

func (b *Backend) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return ListTasks(ctx, b.DB)
}

func (b *Backend) ListHistory(ctx context.Context, taskID string, limit int) ([]domain.HistoryEntry, error) {
	return ListHistory(ctx, b.DB, taskID, limit)
}

func (b *Backend) SaveCOD(ctx context.Context, e *domain.CODEntry) error {
	return SaveCOD(ctx, b.DB, e)
}

func (b *Backend) GetCOD(ctx context.Context, driverID, entryID string) (*domain.CODEntry, error) {
	e, err := GetCOD(ctx, b.DB, driverID, entryID)
	return e, notFound(err)
}

func (b *Backend) ListCOD(ctx context.Context, driverID, status string) ([]domain.CODEntry, error) {
	return ListCOD(ctx, b.DB, driverID, status)
}

func (b *Backend) SaveEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	return SaveEvent(ctx, b.DB, ev)
}

func (b *Backend) GetEvent(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	ev, err := GetEvent(ctx, b.DB, id)
	return ev, notFound(err)
}

func (b *Backend) ListPendingEvents(ctx context.Context, maxRetry int) ([]domain.WebhookEvent, error) {
	return ListPendingEvents(ctx, b.DB, maxRetry)
}

func (b *Backend) ListEvents(ctx context.Context) ([]domain.WebhookEvent, error) {
	return ListEvents(ctx, b.DB)
}

func (b *Backend) CountEventsByStatus(ctx context.Context) (map[string]int64, error) {
	return CountEventsByStatus(ctx, b.DB)
}

// Compile-time guard.
var _ storage.Backend = (*Backend)(nil)
