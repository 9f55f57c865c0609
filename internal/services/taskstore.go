// Package services – TaskStore
//
// This file implements TaskStore, the keyed repository of per-task records.
// Records are built by merging webhook payloads field by field: a field that
// is absent or null in the payload never erases a stored value. Changes to the
// tracked COD fields are appended to the task history in the same commit.
package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
	"github.com/tbourn/go-dispatch-ledger/internal/storage"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHistoryLimit caps History when the caller passes no limit.
const DefaultHistoryLimit = 100

// Fields tracked in the task history.
const (
	FieldCODAmount    = domain.HistoryFieldCODAmount
	FieldCODCollected = domain.HistoryFieldCODCollected
)

// TaskStore merges webhook payloads into task records.
type TaskStore struct {
	Store storage.Backend
	Keys  PayloadKeys
	Log   zerolog.Logger

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	locks KeyedMutex
}

// NewTaskStore constructs a TaskStore over store with the default aliases.
func NewTaskStore(store storage.Backend, log zerolog.Logger) *TaskStore {
	return &TaskStore{Store: store, Keys: DefaultPayloadKeys(), Log: log}
}

func (s *TaskStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Get returns the task record or ErrTaskNotFound.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := s.Store.GetTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// load returns the stored record or an empty shell for taskID.
func (s *TaskStore) load(ctx context.Context, taskID string, now time.Time) (*domain.Task, error) {
	t, err := s.Store.GetTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.Task{TaskID: taskID, CreatedAt: now, UpdatedAt: now}, nil
	}
	return t, err
}

// MergeFromEvent overlays payload onto the stored record for its task id and
// persists the result together with any COD history entries.
func (s *TaskStore) MergeFromEvent(ctx context.Context, payload map[string]any) (*domain.Task, error) {
	tr := otel.Tracer("services/TaskStore")
	ctx, span := tr.Start(ctx, "MergeFromEvent")
	defer span.End()

	f := s.Keys.Extract(payload)
	if f.TaskID == "" {
		return nil, ErrMissingTaskIdentifier
	}
	span.SetAttributes(attribute.String("task.id", f.TaskID))

	unlock := s.locks.Lock(f.TaskID)
	defer unlock()

	now := s.now()
	t, err := s.load(ctx, f.TaskID, now)
	if err != nil {
		return nil, err
	}
	prevAmount, prevCollected := t.CODAmount, t.CODCollected

	overlay(t, f)
	t.WebhookReceivedAt = &now
	t.UpdatedAt = now

	var history []domain.HistoryEntry
	if !sameAmount(prevAmount, t.CODAmount) {
		history = append(history, s.historyEntry(t.TaskID, FieldCODAmount,
			amountString(prevAmount), amountString(t.CODAmount), now))
	}
	if prevCollected != t.CODCollected {
		history = append(history, s.historyEntry(t.TaskID, FieldCODCollected,
			strconv.FormatBool(prevCollected), strconv.FormatBool(t.CODCollected), now))
	}

	if err := s.Store.CommitTask(ctx, t, history); err != nil {
		return nil, err
	}
	if len(history) > 0 {
		s.Log.Info().
			Str("task_id", t.TaskID).
			Int("changes", len(history)).
			Msg("cod fields changed")
	}
	return t, nil
}

func (s *TaskStore) historyEntry(taskID, field, oldV, newV string, at time.Time) domain.HistoryEntry {
	return domain.HistoryEntry{
		ID:        newID(),
		TaskID:    taskID,
		Field:     field,
		OldValue:  oldV,
		NewValue:  newV,
		Source:    domain.HistorySourceWebhook,
		CreatedAt: at,
	}
}

// overlay copies every present field of f onto t. Metadata is never touched.
func overlay(t *domain.Task, f Fields) {
	if f.EventType != "" {
		et := f.EventType
		t.EventType = &et
	}
	if f.Status != nil {
		t.Status = f.Status
	}
	setString(&t.DriverID, f.DriverID)
	setString(&t.CustomerName, f.CustomerName)
	setString(&t.CustomerPhone, f.CustomerPhone)
	setString(&t.CustomerEmail, f.CustomerEmail)
	setString(&t.PickupAddress, f.PickupAddress)
	setFloat(&t.PickupLat, f.PickupLat)
	setFloat(&t.PickupLng, f.PickupLng)
	setString(&t.DeliveryAddress, f.DeliveryAddress)
	setFloat(&t.DeliveryLat, f.DeliveryLat)
	setFloat(&t.DeliveryLng, f.DeliveryLng)

	if f.CODAmount.Valid {
		t.CODAmount = f.CODAmount
	}
	if f.CODCollected != nil {
		t.CODCollected = *f.CODCollected
	}
	if f.Fee.Valid {
		t.FeeAmount = f.Fee
	}

	if len(f.Template) > 0 {
		merged := make(datatypes.JSONMap, len(t.TemplateFields)+len(f.Template))
		for k, v := range t.TemplateFields {
			merged[k] = v
		}
		for k, v := range f.Template {
			if v != nil {
				merged[k] = v
			}
		}
		t.TemplateFields = merged
	}
}

func setString(dst **string, v *string) {
	if v != nil {
		*dst = v
	}
}

func setFloat(dst **float64, v *float64) {
	if v != nil {
		*dst = v
	}
}

func sameAmount(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func amountString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

// SetMetadata shallow-merges patch into the task's internal metadata and
// stamps "updated_at". Unknown tasks get an empty shell record.
func (s *TaskStore) SetMetadata(ctx context.Context, taskID string, patch map[string]any) (map[string]any, error) {
	tr := otel.Tracer("services/TaskStore")
	ctx, span := tr.Start(ctx, "SetMetadata",
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
	defer span.End()

	if taskID == "" {
		return nil, ErrInvalidArgument
	}

	unlock := s.locks.Lock(taskID)
	defer unlock()

	now := s.now()
	t, err := s.load(ctx, taskID, now)
	if err != nil {
		return nil, err
	}

	md := make(datatypes.JSONMap, len(t.Metadata)+len(patch)+1)
	for k, v := range t.Metadata {
		md[k] = v
	}
	for k, v := range patch {
		md[k] = v
	}
	md["updated_at"] = now.Format(time.RFC3339Nano)
	t.Metadata = md
	t.UpdatedAt = now

	if err := s.Store.CommitTask(ctx, t, nil); err != nil {
		return nil, err
	}
	return map[string]any(md), nil
}

// GetMetadata returns the task's internal metadata (empty, never nil).
func (s *TaskStore) GetMetadata(ctx context.Context, taskID string) (map[string]any, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Metadata == nil {
		return map[string]any{}, nil
	}
	return map[string]any(t.Metadata), nil
}

// History returns change entries newest first. An empty taskID lists every
// task; limit <= 0 applies DefaultHistoryLimit.
func (s *TaskStore) History(ctx context.Context, taskID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.Store.ListHistory(ctx, taskID, limit)
}
