// Webhook HTTP handlers.
//
// This file exposes REST endpoints for inbound dispatch webhooks:
//   - POST   /webhooks/dispatch     (append raw payload to the event log)
//   - GET    /webhooks/events/{id}  (inspect one event)
//   - GET    /webhooks/stats        (event counts by status)
//
// It also declares the service contracts consumed by every handler in this
// package and the Handlers wiring. Handlers are transport-thin: they validate
// input, call application services, and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
	"github.com/tbourn/go-dispatch-ledger/internal/services"
	"github.com/tbourn/go-dispatch-ledger/internal/storage"
)

//
// Service contracts (context-aware)
//

// EventLog records inbound webhooks and reports on them.
type EventLog interface {
	// Append stores payload as a pending event; taskID may be empty.
	Append(ctx context.Context, payload []byte, taskID string) (*domain.WebhookEvent, error)
	// Get returns one event or services.ErrEventNotFound.
	Get(ctx context.Context, id string) (*domain.WebhookEvent, error)
	// Stats counts events per status.
	Stats(ctx context.Context) (map[string]int64, error)
}

// TaskStore exposes task records, their internal metadata and history.
type TaskStore interface {
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	MergeFromEvent(ctx context.Context, payload map[string]any) (*domain.Task, error)
	SetMetadata(ctx context.Context, taskID string, patch map[string]any) (map[string]any, error)
	GetMetadata(ctx context.Context, taskID string) (map[string]any, error)
	History(ctx context.Context, taskID string, limit int) ([]domain.HistoryEntry, error)
}

// CODLedger manages per-driver cash-on-delivery queues.
type CODLedger interface {
	AddEntry(ctx context.Context, driverID, taskID string, amount decimal.Decimal, note string) (*domain.CODEntry, error)
	OldestPending(ctx context.Context, driverID string) (*domain.CODEntry, error)
	ListPending(ctx context.Context, driverID string) ([]domain.CODEntry, error)
	Settle(ctx context.Context, driverID, entryID, note string) (*domain.CODEntry, error)
	ListAll(ctx context.Context) (map[string][]domain.CODEntry, error)
	PurgeSettled(ctx context.Context) (int, error)
}

// Scheduler triggers one retry pass on demand.
type Scheduler interface {
	Run(ctx context.Context) (services.RunResult, error)
}

// Reconciler compares the fallback store against the primary.
type Reconciler interface {
	Reconcile(ctx context.Context, apply bool) (storage.Report, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for webhooks, tasks, COD queues and admin
// operations.
type Handlers struct {
	events EventLog
	tasks  TaskStore
	cod    CODLedger
	sched  Scheduler
	rec    Reconciler
}

// New constructs and returns a Handlers instance bound to the given services.
// rec may be nil when no fallback reconciliation is available.
func New(events EventLog, tasks TaskStore, cod CODLedger, sched Scheduler, rec Reconciler) *Handlers {
	return &Handlers{events: events, tasks: tasks, cod: cod, sched: sched, rec: rec}
}

//
// DTOs
//

// HeaderTaskID optionally names the task a webhook payload belongs to.
const HeaderTaskID = "X-Task-ID"

// AppendEventResponse acknowledges a stored webhook.
type AppendEventResponse struct {
	EventID string `json:"event_id" example:"0192f6c4-7a1e-7cc3-9a4e-2f1d3c5b6a70"`
	TaskID  string `json:"task_id,omitempty" example:"T-1001"`
	Status  string `json:"status" example:"pending"`
}

// StatsResponse wraps the per-status event counts.
type StatsResponse struct {
	Events map[string]int64 `json:"events"`
}

//
// Handlers
//

// ReceiveDispatchWebhook godoc
// @ID          receiveDispatchWebhook
// @Summary     Receive a dispatch webhook
// @Description Stores the raw body as a pending event. Processing happens asynchronously in the retry scheduler.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       X-Task-ID  header  string  false  "Task id override"
// @Success     202  {object}  handlers.AppendEventResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Empty body"
// @Failure     413  {object}  handlers.ErrorResponse  "Body too large"
// @Failure     503  {object}  handlers.ErrorResponse  "Persistence unavailable"
// @Router      /webhooks/dispatch [post]
func (h *Handlers) ReceiveDispatchWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "empty request body")
		return
	}

	ev, err := h.events.Append(c.Request.Context(), body, strings.TrimSpace(c.GetHeader(HeaderTaskID)))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, AppendEventResponse{EventID: ev.ID, TaskID: ev.TaskID, Status: ev.Status})
}

// GetWebhookEvent godoc
// @ID          getWebhookEvent
// @Summary     Get a webhook event
// @Tags        Webhooks
// @Produce     json
// @Param       id   path  string  true  "Event ID"
// @Success     200  {object}  domain.WebhookEvent
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /webhooks/events/{id} [get]
func (h *Handlers) GetWebhookEvent(c *gin.Context) {
	ev, err := h.events.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ev)
}

// WebhookStats godoc
// @ID          webhookStats
// @Summary     Count webhook events by status
// @Tags        Webhooks
// @Produce     json
// @Success     200  {object}  handlers.StatsResponse
// @Failure     503  {object}  handlers.ErrorResponse  "Persistence unavailable"
// @Router      /webhooks/stats [get]
func (h *Handlers) WebhookStats(c *gin.Context) {
	st, err := h.events.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, StatsResponse{Events: st})
}
