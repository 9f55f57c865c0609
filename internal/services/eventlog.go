// Package services – EventLog
//
// This file implements EventLog, the durable record of every inbound webhook
// event together with its processing state and retry metadata. EventLog only
// records; processing is driven by RetryScheduler.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
	"github.com/tbourn/go-dispatch-ledger/internal/storage"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventLog appends webhook events and tracks their processing state.
type EventLog struct {
	Store storage.Backend
	Keys  PayloadKeys

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	locks KeyedMutex
}

// NewEventLog constructs an EventLog over store with the default aliases.
func NewEventLog(store storage.Backend) *EventLog {
	return &EventLog{Store: store, Keys: DefaultPayloadKeys()}
}

func (l *EventLog) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// newID returns a time-ordered UUIDv7 string.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Append records payload as a pending event. When taskID is empty it is
// derived from the payload. A payload that is not valid JSON is stored as a
// JSON string so the raw bytes are never lost.
func (l *EventLog) Append(ctx context.Context, payload []byte, taskID string) (*domain.WebhookEvent, error) {
	tr := otel.Tracer("services/EventLog")
	ctx, span := tr.Start(ctx, "Append",
		trace.WithAttributes(attribute.Int("payload.bytes", len(payload))),
	)
	defer span.End()

	raw := payload
	var eventType string
	if json.Valid(payload) {
		if p, err := DecodePayload(payload); err == nil {
			eventType = l.Keys.EventTypeOf(p)
			if taskID == "" {
				taskID = l.Keys.TaskIDOf(p)
			}
		}
	} else {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = quoted
	}

	now := l.now()
	ev := &domain.WebhookEvent{
		ID:        newID(),
		Payload:   datatypes.JSON(raw),
		EventType: eventType,
		TaskID:    taskID,
		Status:    domain.EventStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.Store.SaveEvent(ctx, ev); err != nil {
		return nil, err
	}
	webhookEvents.Inc()
	span.SetAttributes(attribute.String("event.id", ev.ID), attribute.String("task.id", taskID))
	return ev, nil
}

// Get returns the event or ErrEventNotFound.
func (l *EventLog) Get(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	ev, err := l.Store.GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

// ListPending returns pending events and failed events with fewer than
// maxRetry attempts, oldest first.
func (l *EventLog) ListPending(ctx context.Context, maxRetry int) ([]domain.WebhookEvent, error) {
	return l.Store.ListPendingEvents(ctx, maxRetry)
}

// MarkProcessed moves the event to the terminal processed state. Marking an
// already processed event is a no-op.
func (l *EventLog) MarkProcessed(ctx context.Context, id string) error {
	unlock := l.locks.Lock(id)
	defer unlock()

	ev, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status == domain.EventStatusProcessed {
		return nil
	}
	now := l.now()
	ev.Status = domain.EventStatusProcessed
	ev.ProcessedAt = &now
	ev.UpdatedAt = now
	return l.Store.SaveEvent(ctx, ev)
}

// MarkFailed records a failed attempt: retry_count+1, status failed, the
// attempt time and msg. Processed events are returned unchanged.
func (l *EventLog) MarkFailed(ctx context.Context, id, msg string) (*domain.WebhookEvent, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	ev, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status == domain.EventStatusProcessed {
		return ev, nil
	}
	now := l.now()
	ev.RetryCount++
	ev.Status = domain.EventStatusFailed
	ev.LastRetryAt = &now
	ev.LastError = msg
	ev.UpdatedAt = now
	if err := l.Store.SaveEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Stats returns the number of events per status. Every status is present,
// zero when no event has it.
func (l *EventLog) Stats(ctx context.Context) (map[string]int64, error) {
	counts, err := l.Store.CountEventsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]int64{
		domain.EventStatusPending:   0,
		domain.EventStatusProcessed: 0,
		domain.EventStatusFailed:    0,
	}
	for k, v := range counts {
		out[k] = v
	}
	return out, nil
}
