// Package services defines the business logic of the dispatch ledger: the
// webhook event log, the task store with its change history, the per-driver
// COD ledger, and the retry scheduler that drains the event log.
//
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers with
// errors.Is. Translation into HTTP status codes happens in the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-dispatch-ledger/internal/storage"
)

var (
	// ErrPersistenceUnavailable is returned when neither the primary nor the
	// fallback backend could serve a call.
	ErrPersistenceUnavailable = storage.ErrUnavailable

	// ErrMissingTaskIdentifier is returned by TaskStore.MergeFromEvent when the
	// payload carries none of the recognized task id fields.
	ErrMissingTaskIdentifier = errors.New("payload carries no task identifier")

	// ErrInvalidAmount is returned when a COD amount is negative.
	ErrInvalidAmount = errors.New("amount must be non-negative")

	// ErrInvalidArgument is returned for empty driver, task or entry ids.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCODEntryNotFound indicates the entry does not exist in the driver's
	// queue, or is already settled.
	ErrCODEntryNotFound = errors.New("cod entry not found")

	// ErrTaskNotFound indicates the requested task record does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEventNotFound indicates the requested webhook event does not exist.
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrRunInProgress is returned when a scheduler run is requested while
	// another run in this process has not finished.
	ErrRunInProgress = errors.New("scheduler run already in progress")
)
