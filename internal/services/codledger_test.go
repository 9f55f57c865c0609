package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
)

func newLedger(t *testing.T) (*CODLedger, *fixedClock) {
	t.Helper()
	store, _, _ := newDualStore(t)
	clock := newClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	l := NewCODLedger(store, zerolog.Nop())
	l.Now = clock.Now
	return l, clock
}

func TestCODLedger_AddOldestSettle_Scenario(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()

	e, err := l.AddEntry(ctx, "D1", "T1", decimal.RequireFromString("50.00"), "")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	oldest, err := l.OldestPending(ctx, "D1")
	if err != nil || oldest == nil {
		t.Fatalf("OldestPending = %v, %v", oldest, err)
	}
	if oldest.ID != e.ID || oldest.Status != domain.CODStatusPending {
		t.Fatalf("unexpected oldest: %+v", oldest)
	}
	if !oldest.Amount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("amount: %v", oldest.Amount)
	}

	clock.Advance(time.Hour)
	settled, err := l.Settle(ctx, "D1", e.ID, "cash")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if settled.Status != domain.CODStatusCompleted || settled.Note != "cash" {
		t.Fatalf("unexpected settled entry: %+v", settled)
	}
	if settled.SettledAt == nil || !settled.SettledAt.Equal(clock.Now()) {
		t.Fatalf("settled_at: %v", settled.SettledAt)
	}

	none, err := l.OldestPending(ctx, "D1")
	if err != nil || none != nil {
		t.Fatalf("expected no pending entry, got %+v, %v", none, err)
	}
}

func TestCODLedger_SettleTwice_NotFound(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	e, err := l.AddEntry(ctx, "D1", "T1", decimal.NewFromInt(10), "initial")
	if err != nil {
		t.Fatal(err)
	}
	first, err := l.Settle(ctx, "D1", e.ID, "")
	if err != nil || first.Status != domain.CODStatusCompleted {
		t.Fatalf("first settle: %+v, %v", first, err)
	}
	if first.Note != "initial" {
		t.Fatalf("empty note must keep the old one, got %q", first.Note)
	}
	if _, err := l.Settle(ctx, "D1", e.ID, "again"); !errors.Is(err, ErrCODEntryNotFound) {
		t.Fatalf("expected ErrCODEntryNotFound on re-settle, got %v", err)
	}
}

func TestCODLedger_Settle_WrongDriverOrMissing(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	e, err := l.AddEntry(ctx, "D1", "T1", decimal.NewFromInt(10), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Settle(ctx, "D2", e.ID, ""); !errors.Is(err, ErrCODEntryNotFound) {
		t.Fatalf("entry must not be settled from another queue, got %v", err)
	}
	if _, err := l.Settle(ctx, "D1", "missing", ""); !errors.Is(err, ErrCODEntryNotFound) {
		t.Fatalf("expected ErrCODEntryNotFound, got %v", err)
	}
}

func TestCODLedger_AddEntry_Validation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	if _, err := l.AddEntry(ctx, "D1", "T1", decimal.NewFromInt(-1), ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.AddEntry(ctx, " ", "T1", decimal.NewFromInt(1), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := l.AddEntry(ctx, "D1", "", decimal.NewFromInt(1), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	zero, err := l.AddEntry(ctx, "D1", "T1", decimal.Zero, "")
	if err != nil || !zero.Amount.IsZero() {
		t.Fatalf("zero amount must be accepted: %+v, %v", zero, err)
	}
	if _, err := l.ListPending(ctx, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCODLedger_OldestPending_IsMinimumCreation(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()

	// Three entries, two sharing a timestamp: order is (created_at, id).
	a, _ := l.AddEntry(ctx, "D1", "T1", decimal.NewFromInt(1), "")
	b, _ := l.AddEntry(ctx, "D1", "T2", decimal.NewFromInt(2), "")
	clock.Advance(time.Minute)
	c, _ := l.AddEntry(ctx, "D1", "T3", decimal.NewFromInt(3), "")

	tied := []string{a.ID, b.ID}
	sort.Strings(tied)

	pending, err := l.ListPending(ctx, "D1")
	if err != nil || len(pending) != 3 {
		t.Fatalf("ListPending = %d, %v", len(pending), err)
	}
	if pending[0].ID != tied[0] || pending[1].ID != tied[1] || pending[2].ID != c.ID {
		t.Fatalf("unexpected order: %s %s %s", pending[0].ID, pending[1].ID, pending[2].ID)
	}

	oldest, _ := l.OldestPending(ctx, "D1")
	if oldest.ID != tied[0] {
		t.Fatalf("oldest = %s; want %s", oldest.ID, tied[0])
	}

	if _, err := l.Settle(ctx, "D1", tied[0], ""); err != nil {
		t.Fatal(err)
	}
	oldest, _ = l.OldestPending(ctx, "D1")
	if oldest.ID != tied[1] {
		t.Fatalf("after settle oldest = %s; want %s", oldest.ID, tied[1])
	}

	if other, err := l.OldestPending(ctx, "D2"); err != nil || other != nil {
		t.Fatalf("empty queue must yield none, got %+v, %v", other, err)
	}
}

func TestCODLedger_ListAll_GroupsByDriver(t *testing.T) {
	l, clock := newLedger(t)
	ctx := context.Background()

	for i, d := range []string{"D1", "D2", "D1"} {
		clock.Advance(time.Second)
		if _, err := l.AddEntry(ctx, d, fmt.Sprintf("T%d", i), decimal.NewFromInt(int64(i)), ""); err != nil {
			t.Fatal(err)
		}
	}
	all, err := l.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 || len(all["D1"]) != 2 || len(all["D2"]) != 1 {
		t.Fatalf("unexpected grouping: %+v", all)
	}
	if all["D1"][0].TaskID != "T0" || all["D1"][1].TaskID != "T2" {
		t.Fatalf("queue not oldest first: %+v", all["D1"])
	}
}

func TestCODLedger_PurgeSettled_FallbackOnly(t *testing.T) {
	store, primary, fb := newDualStore(t)
	l := NewCODLedger(store, zerolog.Nop())
	ctx := context.Background()

	// Seed both backends with the same settled entry.
	e := &domain.CODEntry{ID: "c1", DriverID: "D1", TaskID: "T1", Amount: decimal.NewFromInt(4), Status: domain.CODStatusCompleted, CreatedAt: time.Now().UTC()}
	if err := fb.SaveCOD(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := primary.SaveCOD(ctx, e); err != nil {
		t.Fatal(err)
	}

	n, err := l.PurgeSettled(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeSettled = %d, %v", n, err)
	}
	if left, _ := fb.ListCOD(ctx, "", ""); len(left) != 0 {
		t.Fatalf("fallback still holds settled entries")
	}
	if kept, _ := primary.ListCOD(ctx, "", ""); len(kept) != 1 {
		t.Fatalf("primary must keep settled entries for audit")
	}
}

func TestCODLedger_ConcurrentAddsSameDriver(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.AddEntry(ctx, "D1", fmt.Sprintf("T%d", i), decimal.NewFromInt(int64(i)), ""); err != nil {
				t.Errorf("AddEntry: %v", err)
			}
		}(i)
	}
	wg.Wait()

	pending, err := l.ListPending(ctx, "D1")
	if err != nil || len(pending) != n {
		t.Fatalf("expected %d entries, got %d, %v", n, len(pending), err)
	}
}

func TestCODLedger_AddEntry_NormalizesScaleAndRejectsOverflow(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	e, err := l.AddEntry(ctx, "D1", "T1", decimal.RequireFromString("10.005"), "")
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if !e.Amount.Equal(decimal.RequireFromString("10.01")) {
		t.Fatalf("amount = %s; want 10.01", e.Amount)
	}
	stored, err := l.OldestPending(ctx, "D1")
	if err != nil || stored == nil || !stored.Amount.Equal(e.Amount) {
		t.Fatalf("stored amount = %+v, %v", stored, err)
	}

	if _, err := l.AddEntry(ctx, "D1", "T2", decimal.New(1, 17), ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("overflowing amount: expected ErrInvalidAmount, got %v", err)
	}
}
