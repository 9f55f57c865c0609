// Admin HTTP handlers.
//
// Endpoints:
//   - POST   /admin/scheduler/run
//   - POST   /admin/cod/purge
//   - GET    /admin/reconcile?apply=
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-dispatch-ledger/internal/sysutil"
)

// PurgeResponse reports how many settled entries were dropped.
type PurgeResponse struct {
	Removed int `json:"removed" example:"3"`
}

// RunScheduler godoc
// @ID          runScheduler
// @Summary     Run one retry pass now
// @Tags        Admin
// @Produce     json
// @Success     200  {object}  services.RunResult
// @Failure     409  {object}  handlers.ErrorResponse  "A run is already in progress"
// @Router      /admin/scheduler/run [post]
func (h *Handlers) RunScheduler(c *gin.Context) {
	res, err := h.sched.Run(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// PurgeSettledCOD godoc
// @ID          purgeSettledCOD
// @Summary     Drop settled COD entries from the fallback store
// @Tags        Admin
// @Produce     json
// @Success     200  {object}  handlers.PurgeResponse
// @Router      /admin/cod/purge [post]
func (h *Handlers) PurgeSettledCOD(c *gin.Context) {
	n, err := h.cod.PurgeSettled(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, PurgeResponse{Removed: n})
}

// Reconcile godoc
// @ID          reconcile
// @Summary     Compare the fallback store against the primary
// @Description With apply=true, fallback records that are newer or missing in the primary are copied over.
// @Tags        Admin
// @Produce     json
// @Param       apply  query  bool  false  "Copy diverged records to the primary"
// @Success     200  {object}  storage.Report
// @Failure     501  {object}  handlers.ErrorResponse  "No reconciler configured"
// @Router      /admin/reconcile [get]
func (h *Handlers) Reconcile(c *gin.Context) {
	if h.rec == nil {
		fail(c, http.StatusNotImplemented, ErrCodeServiceUnavailable, "reconciliation not configured")
		return
	}
	rep, err := h.rec.Reconcile(c.Request.Context(), sysutil.IsTruthy(c.Query("apply")))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, rep)
}
