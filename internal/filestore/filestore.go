// Package filestore implements the fallback storage backend: a single JSON
// document on local disk holding every collection, keyed the same way as the
// primary database tables.
//
// The document is read on every call and rewritten atomically (temp file +
// rename) on every mutation. A process-wide mutex serializes access; the
// store is meant for a single process.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
	"github.com/tbourn/go-dispatch-ledger/internal/storage"
)

// document is the on-disk layout.
type document struct {
	Tasks   map[string]domain.Task           `json:"tasks"`
	History map[string][]domain.HistoryEntry `json:"history"`
	COD     map[string][]domain.CODEntry     `json:"cod"`
	Events  map[string]domain.WebhookEvent   `json:"events"`
}

func newDocument() *document {
	return &document{
		Tasks:   map[string]domain.Task{},
		History: map[string][]domain.HistoryEntry{},
		COD:     map[string][]domain.CODEntry{},
		Events:  map[string]domain.WebhookEvent{},
	}
}

// Store is the file-backed storage.Backend.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a Store persisting to path. The parent directory must exist;
// the file itself is created on first write.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	return &Store{path: path}, nil
}

// Name implements storage.Backend.
func (s *Store) Name() string { return "file" }

// Path returns the document location.
func (s *Store) Path() string { return s.path }

func (s *Store) load() (*document, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, err
	}
	doc := newDocument()
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	// Sections absent from older documents decode as nil maps.
	if doc.Tasks == nil {
		doc.Tasks = map[string]domain.Task{}
	}
	if doc.History == nil {
		doc.History = map[string][]domain.HistoryEntry{}
	}
	if doc.COD == nil {
		doc.COD = map[string][]domain.CODEntry{}
	}
	if doc.Events == nil {
		doc.Events = map[string]domain.WebhookEvent{}
	}
	return doc, nil
}

func (s *Store) save(doc *document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// view runs fn against a freshly loaded document.
func (s *Store) view(ctx context.Context, fn func(*document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	return fn(doc)
}

// update runs fn and persists the document when fn succeeds.
func (s *Store) update(ctx context.Context, fn func(*document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// ---- tasks & history ----

func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var out *domain.Task
	err := s.view(ctx, func(doc *document) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return storage.ErrNotFound
		}
		out = &t
		return nil
	})
	return out, err
}

func (s *Store) CommitTask(ctx context.Context, task *domain.Task, history []domain.HistoryEntry) error {
	return s.update(ctx, func(doc *document) error {
		doc.Tasks[task.TaskID] = *task
		if len(history) == 0 {
			return nil
		}
		existing := doc.History[task.TaskID]
		seen := make(map[string]struct{}, len(existing))
		for _, h := range existing {
			seen[h.ID] = struct{}{}
		}
		for _, h := range history {
			if _, dup := seen[h.ID]; dup {
				continue
			}
			existing = append(existing, h)
		}
		doc.History[task.TaskID] = existing
		return nil
	})
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	err := s.view(ctx, func(doc *document) error {
		out = make([]domain.Task, 0, len(doc.Tasks))
		for _, t := range doc.Tasks {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
		return nil
	})
	return out, err
}

func (s *Store) ListHistory(ctx context.Context, taskID string, limit int) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	err := s.view(ctx, func(doc *document) error {
		if taskID != "" {
			out = append(out, doc.History[taskID]...)
		} else {
			for _, hs := range doc.History {
				out = append(out, hs...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- cod ----

func (s *Store) SaveCOD(ctx context.Context, entry *domain.CODEntry) error {
	return s.update(ctx, func(doc *document) error {
		queue := doc.COD[entry.DriverID]
		for i := range queue {
			if queue[i].ID == entry.ID {
				queue[i] = *entry
				return nil
			}
		}
		doc.COD[entry.DriverID] = append(queue, *entry)
		return nil
	})
}

func (s *Store) GetCOD(ctx context.Context, driverID, entryID string) (*domain.CODEntry, error) {
	var out *domain.CODEntry
	err := s.view(ctx, func(doc *document) error {
		for _, e := range doc.COD[driverID] {
			if e.ID == entryID {
				e := e
				out = &e
				return nil
			}
		}
		return storage.ErrNotFound
	})
	return out, err
}

func (s *Store) ListCOD(ctx context.Context, driverID, status string) ([]domain.CODEntry, error) {
	out := []domain.CODEntry{}
	err := s.view(ctx, func(doc *document) error {
		collect := func(queue []domain.CODEntry) {
			for _, e := range queue {
				if status == "" || e.Status == status {
					out = append(out, e)
				}
			}
		}
		if driverID != "" {
			collect(doc.COD[driverID])
			return nil
		}
		for _, queue := range doc.COD {
			collect(queue)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortCOD(out)
	return out, nil
}

// PurgeSettledCOD removes COMPLETED entries from the document and returns
// how many were dropped.
func (s *Store) PurgeSettledCOD(ctx context.Context) (int, error) {
	removed := 0
	err := s.update(ctx, func(doc *document) error {
		for driver, queue := range doc.COD {
			kept := queue[:0]
			for _, e := range queue {
				if e.Status == domain.CODStatusCompleted {
					removed++
					continue
				}
				kept = append(kept, e)
			}
			if len(kept) == 0 {
				delete(doc.COD, driver)
				continue
			}
			doc.COD[driver] = kept
		}
		return nil
	})
	return removed, err
}

func sortCOD(es []domain.CODEntry) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].ID < es[j].ID
	})
}

// ---- webhook events ----

func (s *Store) SaveEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	return s.update(ctx, func(doc *document) error {
		doc.Events[ev.ID] = *ev
		return nil
	})
}

func (s *Store) GetEvent(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	var out *domain.WebhookEvent
	err := s.view(ctx, func(doc *document) error {
		ev, ok := doc.Events[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = &ev
		return nil
	})
	return out, err
}

func (s *Store) ListPendingEvents(ctx context.Context, maxRetry int) ([]domain.WebhookEvent, error) {
	all, err := s.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, ev := range all {
		if ev.IsRetryable(maxRetry) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context) ([]domain.WebhookEvent, error) {
	out := []domain.WebhookEvent{}
	err := s.view(ctx, func(doc *document) error {
		for _, ev := range doc.Events {
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CountEventsByStatus(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{}
	err := s.view(ctx, func(doc *document) error {
		for _, ev := range doc.Events {
			counts[ev.Status]++
		}
		return nil
	})
	return counts, err
}

var (
	_ storage.Backend       = (*Store)(nil)
	_ storage.SettledPurger = (*Store)(nil)
)
