// COD HTTP handlers.
//
// Endpoints:
//   - POST   /drivers/{driver}/cod
//   - GET    /drivers/{driver}/cod/oldest
//   - GET    /drivers/{driver}/cod/pending
//   - POST   /drivers/{driver}/cod/{entry}/settle
//   - GET    /cod
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
)

// AddCODRequest is the JSON payload for adding a COD entry.
type AddCODRequest struct {
	TaskID string `json:"task_id" binding:"required" example:"T-1001"`
	// Amount accepts a JSON number or a decimal string.
	Amount *decimal.Decimal `json:"amount" binding:"required" swaggertype:"string" example:"42.50"`
	Note   string           `json:"note" example:"collected at door"`
}

// SettleCODRequest optionally replaces the entry note on settlement.
type SettleCODRequest struct {
	Note string `json:"note" example:"handed to cashier"`
}

// CODQueueResponse wraps one driver's entries, oldest first.
type CODQueueResponse struct {
	DriverID string            `json:"driver_id" example:"D-7"`
	Entries  []domain.CODEntry `json:"entries"`
}

// CODLedgerResponse groups all entries by driver.
type CODLedgerResponse struct {
	Drivers map[string][]domain.CODEntry `json:"drivers"`
}

// AddCODEntry godoc
// @ID          addCODEntry
// @Summary     Append a COD entry to a driver's queue
// @Tags        COD
// @Accept      json
// @Produce     json
// @Param       driver  path  string                      true  "Driver ID"
// @Param       body    body  handlers.AddCODRequest  true  "Entry"
// @Success     201  {object}  domain.CODEntry
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid input or negative amount"
// @Failure     503  {object}  handlers.ErrorResponse  "Persistence unavailable"
// @Router      /drivers/{driver}/cod [post]
func (h *Handlers) AddCODEntry(c *gin.Context) {
	var req AddCODRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	e, err := h.cod.AddEntry(c.Request.Context(), c.Param("driver"), req.TaskID, *req.Amount, strings.TrimSpace(req.Note))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, e)
}

// OldestPendingCOD godoc
// @ID          oldestPendingCOD
// @Summary     Oldest PENDING entry of a driver
// @Description Returns 204 when the driver has nothing pending.
// @Tags        COD
// @Produce     json
// @Param       driver  path  string  true  "Driver ID"
// @Success     200  {object}  domain.CODEntry
// @Success     204  "Nothing pending"
// @Router      /drivers/{driver}/cod/oldest [get]
func (h *Handlers) OldestPendingCOD(c *gin.Context) {
	e, err := h.cod.OldestPending(c.Request.Context(), c.Param("driver"))
	if err != nil {
		failErr(c, err)
		return
	}
	if e == nil {
		noContent(c)
		return
	}
	ok(c, http.StatusOK, e)
}

// ListPendingCOD godoc
// @ID          listPendingCOD
// @Summary     PENDING entries of a driver, oldest first
// @Tags        COD
// @Produce     json
// @Param       driver  path  string  true  "Driver ID"
// @Success     200  {object}  handlers.CODQueueResponse
// @Router      /drivers/{driver}/cod/pending [get]
func (h *Handlers) ListPendingCOD(c *gin.Context) {
	driver := c.Param("driver")
	entries, err := h.cod.ListPending(c.Request.Context(), driver)
	if err != nil {
		failErr(c, err)
		return
	}
	if entries == nil {
		entries = []domain.CODEntry{}
	}
	ok(c, http.StatusOK, CODQueueResponse{DriverID: driver, Entries: entries})
}

// SettleCODEntry godoc
// @ID          settleCODEntry
// @Summary     Settle a PENDING entry
// @Tags        COD
// @Accept      json
// @Produce     json
// @Param       driver  path  string                     true   "Driver ID"
// @Param       entry   path  string                     true   "Entry ID"
// @Param       body    body  handlers.SettleCODRequest  false  "Optional note"
// @Success     200  {object}  domain.CODEntry
// @Failure     404  {object}  handlers.ErrorResponse  "Missing or already settled"
// @Router      /drivers/{driver}/cod/{entry}/settle [post]
func (h *Handlers) SettleCODEntry(c *gin.Context) {
	var req SettleCODRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	e, err := h.cod.Settle(c.Request.Context(), c.Param("driver"), c.Param("entry"), strings.TrimSpace(req.Note))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, e)
}

// ListCODLedger godoc
// @ID          listCODLedger
// @Summary     All COD entries grouped by driver
// @Tags        COD
// @Produce     json
// @Success     200  {object}  handlers.CODLedgerResponse
// @Router      /cod [get]
func (h *Handlers) ListCODLedger(c *gin.Context) {
	all, err := h.cod.ListAll(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, CODLedgerResponse{Drivers: all})
}
