// Package services – CODLedger
//
// This file implements CODLedger, the per-driver FIFO queue of cash-on-delivery
// obligations. Entries are ordered by (created_at, id) and move from PENDING
// to COMPLETED exactly once. Every read-modify-write is serialized per driver.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
	"github.com/tbourn/go-dispatch-ledger/internal/storage"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CODLedger manages per-driver COD obligations.
type CODLedger struct {
	Store storage.Backend
	Log   zerolog.Logger

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	locks KeyedMutex
}

// NewCODLedger constructs a CODLedger over store.
func NewCODLedger(store storage.Backend, log zerolog.Logger) *CODLedger {
	return &CODLedger{Store: store, Log: log}
}

func (l *CODLedger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// AddEntry appends a PENDING entry to driverID's queue.
func (l *CODLedger) AddEntry(ctx context.Context, driverID, taskID string, amount decimal.Decimal, note string) (*domain.CODEntry, error) {
	tr := otel.Tracer("services/CODLedger")
	ctx, span := tr.Start(ctx, "AddEntry",
		trace.WithAttributes(
			attribute.String("driver.id", driverID),
			attribute.String("task.id", taskID),
		),
	)
	defer span.End()

	driverID, taskID = strings.TrimSpace(driverID), strings.TrimSpace(taskID)
	if driverID == "" || taskID == "" {
		return nil, fmt.Errorf("%w: driver and task id are required", ErrInvalidArgument)
	}
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	amount, ok := domain.NormalizeAmount(amount)
	if !ok {
		return nil, fmt.Errorf("%w: amount out of range", ErrInvalidAmount)
	}

	unlock := l.locks.Lock(driverID)
	defer unlock()

	now := l.now()
	e := &domain.CODEntry{
		ID:        newID(),
		DriverID:  driverID,
		TaskID:    taskID,
		Amount:    amount,
		Status:    domain.CODStatusPending,
		Note:      note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.Store.SaveCOD(ctx, e); err != nil {
		return nil, err
	}
	codEntries.WithLabelValues("added").Inc()
	return e, nil
}

// OldestPending returns the PENDING entry with the smallest (created_at, id)
// in driverID's queue, or nil when there is none.
func (l *CODLedger) OldestPending(ctx context.Context, driverID string) (*domain.CODEntry, error) {
	pending, err := l.ListPending(ctx, driverID)
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	return &pending[0], nil
}

// ListPending returns driverID's PENDING entries oldest first.
func (l *CODLedger) ListPending(ctx context.Context, driverID string) ([]domain.CODEntry, error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrInvalidArgument)
	}
	return l.Store.ListCOD(ctx, driverID, domain.CODStatusPending)
}

// Settle moves a PENDING entry to COMPLETED. A non-empty note replaces the
// stored one. Settling a missing or already settled entry fails with
// ErrCODEntryNotFound.
func (l *CODLedger) Settle(ctx context.Context, driverID, entryID, note string) (*domain.CODEntry, error) {
	tr := otel.Tracer("services/CODLedger")
	ctx, span := tr.Start(ctx, "Settle",
		trace.WithAttributes(
			attribute.String("driver.id", driverID),
			attribute.String("cod.entry_id", entryID),
		),
	)
	defer span.End()

	unlock := l.locks.Lock(driverID)
	defer unlock()

	e, err := l.Store.GetCOD(ctx, driverID, entryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s in queue %s", ErrCODEntryNotFound, entryID, driverID)
	}
	if err != nil {
		return nil, err
	}
	if !e.IsPending() {
		return nil, fmt.Errorf("%w: %s already settled", ErrCODEntryNotFound, entryID)
	}

	now := l.now()
	e.Status = domain.CODStatusCompleted
	e.SettledAt = &now
	e.UpdatedAt = now
	if note != "" {
		e.Note = note
	}
	if err := l.Store.SaveCOD(ctx, e); err != nil {
		return nil, err
	}
	codEntries.WithLabelValues("settled").Inc()
	l.Log.Info().
		Str("driver_id", driverID).
		Str("entry_id", entryID).
		Str("amount", e.Amount.StringFixed(2)).
		Msg("cod entry settled")
	return e, nil
}

// ListAll groups every entry by driver, each queue ordered oldest first.
func (l *CODLedger) ListAll(ctx context.Context) (map[string][]domain.CODEntry, error) {
	all, err := l.Store.ListCOD(ctx, "", "")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]domain.CODEntry)
	for _, e := range all {
		out[e.DriverID] = append(out[e.DriverID], e)
	}
	return out, nil
}

// PurgeSettled drops COMPLETED entries from the fallback representation.
// Backends without a purgeable representation report zero.
func (l *CODLedger) PurgeSettled(ctx context.Context) (int, error) {
	p, ok := l.Store.(storage.SettledPurger)
	if !ok {
		return 0, nil
	}
	n, err := p.PurgeSettledCOD(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.Log.Info().Int("removed", n).Msg("purged settled cod entries")
	}
	return n, nil
}
