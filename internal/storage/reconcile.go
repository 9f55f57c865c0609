package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
)

// Report lists the records found in the fallback that the primary is
// missing or holds an older version of. When Applied is true those records
// were copied to the primary.
type Report struct {
	Tasks      []string `json:"tasks"`
	CODEntries []string `json:"cod_entries"`
	Events     []string `json:"events"`
	Applied    bool     `json:"applied"`
}

// Diverged reports whether any record differs between the backends.
func (r Report) Diverged() bool {
	return len(r.Tasks)+len(r.CODEntries)+len(r.Events) > 0
}

// Reconcile compares the fallback against the primary. Records are matched
// by key; a fallback record wins when the primary lacks it or has an older
// UpdatedAt. With apply set, winning records (and, for tasks, their history)
// are written to the primary. A winning task is merged field by field onto
// the primary row, so values the fallback never saw are kept.
//
// Reconcile talks to each backend directly: a primary error aborts it rather
// than falling back.
func (d *Dual) Reconcile(ctx context.Context, apply bool) (Report, error) {
	rep := Report{Tasks: []string{}, CODEntries: []string{}, Events: []string{}}
	if d.primary == nil {
		return rep, nil
	}

	tasks, err := d.fallback.ListTasks(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: list fallback tasks: %w", err)
	}
	for i := range tasks {
		ft := &tasks[i]
		pt, err := d.primary.GetTask(ctx, ft.TaskID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return rep, fmt.Errorf("reconcile: task %s: %w", ft.TaskID, err)
		}
		if pt != nil && !pt.UpdatedAt.Before(ft.UpdatedAt) {
			continue
		}
		rep.Tasks = append(rep.Tasks, ft.TaskID)
		if !apply {
			continue
		}
		hist, err := d.fallback.ListHistory(ctx, ft.TaskID, 0)
		if err != nil {
			return rep, fmt.Errorf("reconcile: history %s: %w", ft.TaskID, err)
		}
		merged := ft
		if pt != nil {
			merged, hist = mergeTask(pt, ft, hist)
		}
		if err := d.primary.CommitTask(ctx, merged, hist); err != nil {
			return rep, fmt.Errorf("reconcile: commit task %s: %w", ft.TaskID, err)
		}
	}

	entries, err := d.fallback.ListCOD(ctx, "", "")
	if err != nil {
		return rep, fmt.Errorf("reconcile: list fallback cod: %w", err)
	}
	for i := range entries {
		fe := &entries[i]
		pe, err := d.primary.GetCOD(ctx, fe.DriverID, fe.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return rep, fmt.Errorf("reconcile: cod %s: %w", fe.ID, err)
		}
		if pe != nil && !pe.UpdatedAt.Before(fe.UpdatedAt) {
			continue
		}
		rep.CODEntries = append(rep.CODEntries, fe.ID)
		if apply {
			if err := d.primary.SaveCOD(ctx, fe); err != nil {
				return rep, fmt.Errorf("reconcile: save cod %s: %w", fe.ID, err)
			}
		}
	}

	events, err := d.fallback.ListEvents(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: list fallback events: %w", err)
	}
	for i := range events {
		fv := &events[i]
		pv, err := d.primary.GetEvent(ctx, fv.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return rep, fmt.Errorf("reconcile: event %s: %w", fv.ID, err)
		}
		if pv != nil && !pv.UpdatedAt.Before(fv.UpdatedAt) {
			continue
		}
		rep.Events = append(rep.Events, fv.ID)
		if apply {
			if err := d.primary.SaveEvent(ctx, fv); err != nil {
				return rep, fmt.Errorf("reconcile: save event %s: %w", fv.ID, err)
			}
		}
	}

	rep.Applied = apply
	return rep, nil
}

// mergeTask overlays the fallback copy ft onto the primary row pt. The
// fallback copy may have started from an empty shell during an outage, so
// only its non-null fields count. CODCollected is taken from ft only when
// the fallback history shows a change to it.
//
// hist (newest first) is rebased onto pt: the oldest entry of each tracked
// field gets pt's value as OldValue, and entries that no longer change
// anything are dropped.
func mergeTask(pt, ft *domain.Task, hist []domain.HistoryEntry) (*domain.Task, []domain.HistoryEntry) {
	merged := *pt
	merged.Overlay(ft)
	if ft.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = ft.UpdatedAt
	}
	if ft.WebhookReceivedAt != nil &&
		(merged.WebhookReceivedAt == nil || ft.WebhookReceivedAt.After(*merged.WebhookReceivedAt)) {
		merged.WebhookReceivedAt = ft.WebhookReceivedAt
	}

	last := map[string]string{
		domain.HistoryFieldCODAmount:    amountString(pt.CODAmount),
		domain.HistoryFieldCODCollected: strconv.FormatBool(pt.CODCollected),
	}
	rebased := make([]domain.HistoryEntry, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		e := hist[i]
		prev, tracked := last[e.Field]
		if tracked {
			e.OldValue = prev
			if e.OldValue == e.NewValue {
				continue
			}
			last[e.Field] = e.NewValue
		}
		if e.Field == domain.HistoryFieldCODCollected {
			merged.CODCollected = ft.CODCollected
		}
		rebased = append(rebased, e)
	}
	return &merged, rebased
}

func amountString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
