// Package domain defines the persistence models for dispatch tasks, their
// change history, per-driver cash-on-delivery entries, and inbound webhook
// events. These types are mapped with GORM for the primary backend and
// serialized as JSON by the file-backed fallback, so both representations
// share one logical shape.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Task is the per-task reporting record derived from dispatch webhooks.
//
// Fields are pointers (or Null* types) where "absent" must be distinguishable
// from a zero value: merges only overwrite a field when the incoming event
// carries a non-null value for it.
//
// Fields:
//   - TaskID: externally assigned identifier (numeric ids kept in decimal form).
//   - Status: dispatch lifecycle status code.
//   - EventType: type marker of the last event merged into the record.
//   - CODAmount: cash to collect at drop-off; null or non-negative.
//   - CODCollected: whether the driver reported the cash as collected.
//   - TemplateFields: opaque key/value bag copied from the source event.
//   - Metadata: internal annotations; never written from external data.
type Task struct {
	TaskID    string  `json:"task_id"    gorm:"type:text;primaryKey"`
	Status    *int    `json:"status,omitempty"`
	EventType *string `json:"event_type,omitempty" gorm:"type:text"`
	DriverID  *string `json:"driver_id,omitempty"  gorm:"type:text;index"`

	CustomerName    *string  `json:"customer_name,omitempty"`
	CustomerPhone   *string  `json:"customer_phone,omitempty"`
	CustomerEmail   *string  `json:"customer_email,omitempty"`
	PickupAddress   *string  `json:"pickup_address,omitempty"`
	PickupLat       *float64 `json:"pickup_lat,omitempty"`
	PickupLng       *float64 `json:"pickup_lng,omitempty"`
	DeliveryAddress *string  `json:"delivery_address,omitempty"`
	DeliveryLat     *float64 `json:"delivery_lat,omitempty"`
	DeliveryLng     *float64 `json:"delivery_lng,omitempty"`

	CODAmount    decimal.NullDecimal `json:"cod_amount"    gorm:"type:decimal(18,2)"`
	CODCollected bool                `json:"cod_collected" gorm:"not null"`
	FeeAmount    decimal.NullDecimal `json:"fee_amount"    gorm:"type:decimal(18,2)"`

	TemplateFields datatypes.JSONMap `json:"template_fields,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"  gorm:"index"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty"`
}

// TableName returns the database table name for Task.
func (Task) TableName() string { return "tasks" }

// HistorySourceWebhook tags history entries written by the webhook merge path.
const HistorySourceWebhook = "webhook"

// Task fields tracked in the history log.
const (
	HistoryFieldCODAmount    = "cod_amount"
	HistoryFieldCODCollected = "cod_collected"
)

// AmountScale is the number of fractional digits kept for money amounts,
// matching the decimal(18,2) columns.
const AmountScale = 2

var maxAmount = decimal.New(1, 16)

// NormalizeAmount rounds d to AmountScale and reports whether the result
// fits the amount columns.
func NormalizeAmount(d decimal.Decimal) (decimal.Decimal, bool) {
	d = d.Round(AmountScale)
	return d, d.Abs().LessThan(maxAmount)
}

// Overlay copies every non-null field of src onto t. TemplateFields and
// Metadata are merged key by key with src winning. CODCollected has no null
// state and, like the timestamps, is left to the caller.
func (t *Task) Overlay(src *Task) {
	if src.Status != nil {
		t.Status = src.Status
	}
	overlayString(&t.EventType, src.EventType)
	overlayString(&t.DriverID, src.DriverID)
	overlayString(&t.CustomerName, src.CustomerName)
	overlayString(&t.CustomerPhone, src.CustomerPhone)
	overlayString(&t.CustomerEmail, src.CustomerEmail)
	overlayString(&t.PickupAddress, src.PickupAddress)
	overlayFloat(&t.PickupLat, src.PickupLat)
	overlayFloat(&t.PickupLng, src.PickupLng)
	overlayString(&t.DeliveryAddress, src.DeliveryAddress)
	overlayFloat(&t.DeliveryLat, src.DeliveryLat)
	overlayFloat(&t.DeliveryLng, src.DeliveryLng)

	if src.CODAmount.Valid {
		t.CODAmount = src.CODAmount
	}
	if src.FeeAmount.Valid {
		t.FeeAmount = src.FeeAmount
	}
	t.TemplateFields = mergeMap(t.TemplateFields, src.TemplateFields)
	t.Metadata = mergeMap(t.Metadata, src.Metadata)
}

func overlayString(dst **string, v *string) {
	if v != nil {
		*dst = v
	}
}

func overlayFloat(dst **float64, v *float64) {
	if v != nil {
		*dst = v
	}
}

// mergeMap returns a new map holding base overlaid with the non-nil values
// of top, or base itself when top is empty.
func mergeMap(base, top datatypes.JSONMap) datatypes.JSONMap {
	if len(top) == 0 {
		return base
	}
	out := make(datatypes.JSONMap, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// HistoryEntry is an immutable, append-only record of one field change on a
// task. Values are stored in their string form; an empty string stands for
// null.
type HistoryEntry struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	TaskID    string    `json:"task_id"    gorm:"type:text;not null;index:idx_history_task,priority:1"`
	Field     string    `json:"field"      gorm:"type:varchar(64);not null"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Source    string    `json:"source"     gorm:"type:varchar(32);not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_history_task,priority:2"`
}

// TableName returns the database table name for HistoryEntry.
func (HistoryEntry) TableName() string { return "task_history" }

// COD entry statuses.
const (
	CODStatusPending   = "PENDING"
	CODStatusCompleted = "COMPLETED"
)

// CODEntry is one cash-on-delivery obligation in a driver's FIFO queue.
// Entries are ordered by (CreatedAt, ID) within a driver; IDs are UUIDv7 so
// the tie-break follows creation order as well.
type CODEntry struct {
	ID        string          `json:"id"         gorm:"type:char(36);primaryKey"`
	DriverID  string          `json:"driver_id"  gorm:"type:text;not null;index:idx_cod_driver_queue,priority:1"`
	TaskID    string          `json:"task_id"    gorm:"type:text;not null;index"`
	Amount    decimal.Decimal `json:"amount"     gorm:"type:decimal(18,2);not null"`
	Status    string          `json:"status"     gorm:"type:varchar(16);not null;index:idx_cod_driver_queue,priority:2;check:status IN ('PENDING','COMPLETED')"`
	Note      string          `json:"note"`
	CreatedAt time.Time       `json:"created_at" gorm:"index:idx_cod_driver_queue,priority:3"`
	UpdatedAt time.Time       `json:"updated_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
}

// TableName returns the database table name for CODEntry.
func (CODEntry) TableName() string { return "cod_entries" }

// IsPending reports whether the entry still awaits settlement.
func (e CODEntry) IsPending() bool { return e.Status == CODStatusPending }

// Webhook event processing statuses.
const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusFailed    = "failed"
)

// WebhookEvent is the durable record of one inbound dispatch webhook and its
// processing attempts. RetryCount only grows; once Status is processed the
// event is terminal.
type WebhookEvent struct {
	ID          string         `json:"id"           gorm:"type:char(36);primaryKey"`
	Payload     datatypes.JSON `json:"payload"`
	EventType   string         `json:"event_type"   gorm:"type:text"`
	TaskID      string         `json:"task_id"      gorm:"type:text;index"`
	Status      string         `json:"status"       gorm:"type:varchar(16);not null;index:idx_events_scan,priority:1;check:status IN ('pending','processed','failed')"`
	RetryCount  int            `json:"retry_count"  gorm:"not null;default:0"`
	LastRetryAt *time.Time     `json:"last_retry_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"   gorm:"index:idx_events_scan,priority:2"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// TableName returns the database table name for WebhookEvent.
func (WebhookEvent) TableName() string { return "webhook_events" }

// IsRetryable reports whether the event is eligible for another attempt
// under a maxRetry bound.
func (e WebhookEvent) IsRetryable(maxRetry int) bool {
	switch e.Status {
	case EventStatusPending:
		return true
	case EventStatusFailed:
		return e.RetryCount < maxRetry
	default:
		return false
	}
}
