package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
	"github.com/tbourn/go-dispatch-ledger/internal/filestore"
	"github.com/tbourn/go-dispatch-ledger/internal/repo"
	"github.com/tbourn/go-dispatch-ledger/internal/storage"
)

// ---------- test helpers ----------

// newSQLiteBackend returns a migrated primary backend on a shared in-memory DB.
func newSQLiteBackend(t *testing.T) *repo.Backend {
	t.Helper()
	db := newSvcDB(t)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return repo.NewBackend(db, repo.DriverSQLite)
}

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newFallback(t *testing.T) *filestore.Store {
	t.Helper()
	fs, err := filestore.Open(filepath.Join(t.TempDir(), "fallback.json"))
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	return fs
}

// newDualStore composes a migrated SQLite primary with a file fallback.
func newDualStore(t *testing.T) (*storage.Dual, *repo.Backend, *filestore.Store) {
	t.Helper()
	p := newSQLiteBackend(t)
	f := newFallback(t)
	return storage.NewDual(p, f), p, f
}

// newBrokenPrimaryStore composes a primary whose schema was never migrated,
// so every primary call fails, with a working file fallback.
func newBrokenPrimaryStore(t *testing.T) (*storage.Dual, *filestore.Store) {
	t.Helper()
	f := newFallback(t)
	return storage.NewDual(repo.NewBackend(newSvcDB(t), repo.DriverSQLite), f), f
}

// fixedClock returns a controllable clock.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// downBackend fails the pending scan; other calls are not expected.
type downBackend struct {
	storage.Backend
	err error
}

func (d downBackend) ListPendingEvents(context.Context, int) ([]domain.WebhookEvent, error) {
	return nil, d.err
}

// recordingSink captures dead-letter signals.
type recordingSink struct {
	mu   sync.Mutex
	sigs []ExceededRetries
}

func (r *recordingSink) ExceededRetries(_ context.Context, sig ExceededRetries) error {
	r.mu.Lock()
	r.sigs = append(r.sigs, sig)
	r.mu.Unlock()
	return nil
}

// stubMerger returns err for every call and counts invocations.
type stubMerger struct {
	err   error
	calls int
	last  map[string]any
}

func (m *stubMerger) MergeFromEvent(_ context.Context, p map[string]any) (*domain.Task, error) {
	m.calls++
	m.last = p
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Task{}, nil
}
