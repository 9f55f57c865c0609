// Task HTTP handlers.
//
// Endpoints:
//   - GET    /tasks/{id}
//   - POST   /tasks/merge
//   - GET    /tasks/{id}/metadata
//   - PATCH  /tasks/{id}/metadata
//   - GET    /history?task_id=&limit=
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
	"github.com/tbourn/go-dispatch-ledger/internal/services"
	"github.com/tbourn/go-dispatch-ledger/internal/utils"
)

// History query bounds.
const (
	defaultHistoryLimit = services.DefaultHistoryLimit
	maxHistoryLimit     = 1000
)

// MetadataResponse carries a task's internal metadata.
type MetadataResponse struct {
	TaskID   string         `json:"task_id" example:"T-1001"`
	Metadata map[string]any `json:"metadata"`
}

// HistoryResponse wraps history entries, newest first.
type HistoryResponse struct {
	Entries []domain.HistoryEntry `json:"entries"`
}

// readObject decodes the request body as a JSON object. An empty body yields
// an empty map.
func readObject(c *gin.Context) (map[string]any, bool) {
	body, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, true
	}
	obj, err := services.DecodePayload(body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body must be a JSON object")
		return nil, false
	}
	return obj, true
}

// GetTask godoc
// @ID          getTask
// @Summary     Get a task record
// @Tags        Tasks
// @Produce     json
// @Param       id   path  string  true  "Task ID"
// @Success     200  {object}  domain.Task
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     503  {object}  handlers.ErrorResponse  "Persistence unavailable"
// @Router      /tasks/{id} [get]
func (h *Handlers) GetTask(c *gin.Context) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// MergeTask godoc
// @ID          mergeTask
// @Summary     Merge a payload into its task record
// @Description Applies the payload synchronously, bypassing the event log. Absent or null fields never erase stored values.
// @Tags        Tasks
// @Accept      json
// @Produce     json
// @Success     200  {object}  domain.Task
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid JSON"
// @Failure     422  {object}  handlers.ErrorResponse  "No task identifier"
// @Router      /tasks/merge [post]
func (h *Handlers) MergeTask(c *gin.Context) {
	payload, good := readObject(c)
	if !good {
		return
	}
	t, err := h.tasks.MergeFromEvent(c.Request.Context(), payload)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// GetTaskMetadata godoc
// @ID          getTaskMetadata
// @Summary     Get a task's internal metadata
// @Tags        Tasks
// @Produce     json
// @Param       id   path  string  true  "Task ID"
// @Success     200  {object}  handlers.MetadataResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /tasks/{id}/metadata [get]
func (h *Handlers) GetTaskMetadata(c *gin.Context) {
	id := c.Param("id")
	md, err := h.tasks.GetMetadata(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, MetadataResponse{TaskID: id, Metadata: md})
}

// PatchTaskMetadata godoc
// @ID          patchTaskMetadata
// @Summary     Shallow-merge keys into a task's internal metadata
// @Tags        Tasks
// @Accept      json
// @Produce     json
// @Param       id   path  string  true  "Task ID"
// @Success     200  {object}  handlers.MetadataResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid JSON"
// @Router      /tasks/{id}/metadata [patch]
func (h *Handlers) PatchTaskMetadata(c *gin.Context) {
	patch, good := readObject(c)
	if !good {
		return
	}
	id := c.Param("id")
	md, err := h.tasks.SetMetadata(c.Request.Context(), id, patch)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, MetadataResponse{TaskID: id, Metadata: md})
}

// ListHistory godoc
// @ID          listHistory
// @Summary     List task change history
// @Description Newest first. Without task_id every task's history is listed.
// @Tags        Tasks
// @Produce     json
// @Param       task_id  query  string  false  "Task ID"
// @Param       limit    query  int     false  "Max entries (1..1000)"  default(100)
// @Success     200  {object}  handlers.HistoryResponse
// @Router      /history [get]
func (h *Handlers) ListHistory(c *gin.Context) {
	limit := utils.ClampLimit(c.Query("limit"), defaultHistoryLimit, maxHistoryLimit)
	entries, err := h.tasks.History(c.Request.Context(), strings.TrimSpace(c.Query("task_id")), limit)
	if err != nil {
		failErr(c, err)
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	ok(c, http.StatusOK, HistoryResponse{Entries: entries})
}
