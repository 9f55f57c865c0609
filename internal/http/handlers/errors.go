// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package), and the translation of
// service sentinel errors into a status and code pair.
//
// Conventions:
//   - Codes are lowercase and snake_case.
//   - Generic codes mirror common HTTP status semantics.
//   - Domain-specific codes are reserved for business errors that cannot be
//     conveyed by status alone.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_found",
//	  "message": "cod entry not found"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-dispatch-ledger/internal/services"
)

const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeConflict           = "conflict"
	ErrCodeRateLimited        = "too_many_requests"
	ErrCodeInternal           = "internal_error"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeMethodNotAllowed   = "method_not_allowed"

	// Domain-specific:
	ErrCodeMissingTaskID = "missing_task_id"
	ErrCodeInvalidAmount = "invalid_amount"
	ErrCodeRunInProgress = "run_in_progress"
)

// classify maps a service error to the HTTP status and code returned to the
// client. Unknown errors are internal.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrEventNotFound),
		errors.Is(err, services.ErrCODEntryNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, services.ErrMissingTaskIdentifier):
		return http.StatusUnprocessableEntity, ErrCodeMissingTaskID
	case errors.Is(err, services.ErrInvalidAmount):
		return http.StatusBadRequest, ErrCodeInvalidAmount
	case errors.Is(err, services.ErrInvalidArgument):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, services.ErrRunInProgress):
		return http.StatusConflict, ErrCodeRunInProgress
	case errors.Is(err, services.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// failErr aborts with the status and code classify assigns to err.
func failErr(c *gin.Context, err error) {
	status, code := classify(err)
	fail(c, status, code, err.Error())
}
