package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-dispatch-ledger/internal/repo"
	"github.com/tbourn/go-dispatch-ledger/internal/storage"
)

func newTaskStore(t *testing.T) (*TaskStore, *fixedClock) {
	t.Helper()
	store, _, _ := newDualStore(t)
	clock := newClock(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC))
	ts := NewTaskStore(store, zerolog.Nop())
	ts.Now = clock.Now
	return ts, clock
}

func TestTaskStore_Merge_MissingTaskIdentifier(t *testing.T) {
	ts, _ := newTaskStore(t)
	_, err := ts.MergeFromEvent(context.Background(), map[string]any{"customer_name": "Jane"})
	if !errors.Is(err, ErrMissingTaskIdentifier) {
		t.Fatalf("expected ErrMissingTaskIdentifier, got %v", err)
	}
	if all, _ := ts.Store.ListTasks(context.Background()); len(all) != 0 {
		t.Fatalf("no record may be created, got %d", len(all))
	}
}

func TestTaskStore_Merge_FieldsSurviveAndSingleHistoryEntry(t *testing.T) {
	ts, clock := newTaskStore(t)
	ctx := context.Background()

	first, err := ts.MergeFromEvent(ctx, map[string]any{"job_id": "T1", "cod_amount": 20})
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if !first.CODAmount.Valid || !first.CODAmount.Decimal.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("cod amount: %+v", first.CODAmount)
	}

	clock.Advance(time.Minute)
	second, err := ts.MergeFromEvent(ctx, map[string]any{"job_id": "T1", "customer_name": "Jane"})
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if !second.CODAmount.Valid || !second.CODAmount.Decimal.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("second merge erased cod_amount: %+v", second.CODAmount)
	}
	if second.CustomerName == nil || *second.CustomerName != "Jane" {
		t.Fatalf("customer name: %v", second.CustomerName)
	}

	got, err := ts.Get(ctx, "T1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.CODAmount.Decimal.Equal(decimal.NewFromInt(20)) || got.CustomerName == nil || *got.CustomerName != "Jane" {
		t.Fatalf("stored record lost a field: %+v", got)
	}
	if !got.CreatedAt.Equal(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("created_at must not move: %v", got.CreatedAt)
	}
	if got.WebhookReceivedAt == nil || !got.WebhookReceivedAt.Equal(clock.Now()) {
		t.Fatalf("webhook_received_at: %v", got.WebhookReceivedAt)
	}

	hist, err := ts.History(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected exactly one history entry, got %d: %+v", len(hist), hist)
	}
	h := hist[0]
	if h.Field != FieldCODAmount || h.OldValue != "" || h.NewValue != "20" || h.Source != "webhook" {
		t.Fatalf("unexpected history entry: %+v", h)
	}
}

func TestTaskStore_Merge_OverlaySequence(t *testing.T) {
	ts, clock := newTaskStore(t)
	ctx := context.Background()

	calls := []map[string]any{
		{"job_id": "T1", "customer_name": "A", "job_status": 1},
		{"job_id": "T1", "customer_phone": "555", "customer_name": nil},
		{"job_id": "T1", "job_status": 3, "template_fields": map[string]any{"cod_amount": "10", "gate": "B"}},
		{"job_id": "T1", "customer_name": "B", "template_fields": map[string]any{"floor": "2"}},
	}
	for i, c := range calls {
		clock.Advance(time.Second)
		if _, err := ts.MergeFromEvent(ctx, c); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
	}

	got, err := ts.Get(ctx, "T1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CustomerName == nil || *got.CustomerName != "B" {
		t.Fatalf("customer_name: %v", got.CustomerName)
	}
	if got.CustomerPhone == nil || *got.CustomerPhone != "555" {
		t.Fatalf("customer_phone: %v", got.CustomerPhone)
	}
	if got.Status == nil || *got.Status != 3 {
		t.Fatalf("status: %v", got.Status)
	}
	if !got.CODAmount.Valid || !got.CODAmount.Decimal.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("cod from template: %+v", got.CODAmount)
	}
	for _, k := range []string{"cod_amount", "gate", "floor"} {
		if _, ok := got.TemplateFields[k]; !ok {
			t.Fatalf("template field %q lost: %+v", k, got.TemplateFields)
		}
	}
}

func TestTaskStore_Merge_CollectedChangeRecorded(t *testing.T) {
	ts, clock := newTaskStore(t)
	ctx := context.Background()

	if _, err := ts.MergeFromEvent(ctx, map[string]any{"job_id": "T1", "cod_collected": true, "cod_amount": "15"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	// Repeating identical values is not a change.
	if _, err := ts.MergeFromEvent(ctx, map[string]any{"job_id": "T1", "cod_collected": "true", "cod_amount": 15.0}); err != nil {
		t.Fatal(err)
	}

	hist, _ := ts.History(ctx, "T1", 10)
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries (amount + collected), got %+v", hist)
	}
	fields := map[string]string{}
	for _, h := range hist {
		fields[h.Field] = h.OldValue + "->" + h.NewValue
	}
	if fields[FieldCODCollected] != "false->true" || fields[FieldCODAmount] != "->15" {
		t.Fatalf("unexpected entries: %v", fields)
	}
}

func TestTaskStore_Merge_MetadataUntouched(t *testing.T) {
	ts, _ := newTaskStore(t)
	ctx := context.Background()

	if _, err := ts.SetMetadata(ctx, "T1", map[string]any{"exported": true}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if _, err := ts.MergeFromEvent(ctx, map[string]any{"job_id": "T1", "metadata": map[string]any{"exported": false}}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	md, err := ts.GetMetadata(ctx, "T1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if md["exported"] != true {
		t.Fatalf("metadata overwritten by webhook: %v", md)
	}
}

func TestTaskStore_Metadata_ShallowOverlayAndStamp(t *testing.T) {
	ts, clock := newTaskStore(t)
	ctx := context.Background()

	if _, err := ts.GetMetadata(ctx, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := ts.SetMetadata(ctx, "", map[string]any{"a": 1}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	if _, err := ts.SetMetadata(ctx, "T1", map[string]any{"a": "1", "b": "2"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	md, err := ts.SetMetadata(ctx, "T1", map[string]any{"b": "3", "c": "4"})
	if err != nil {
		t.Fatal(err)
	}
	if md["a"] != "1" || md["b"] != "3" || md["c"] != "4" {
		t.Fatalf("overlay mismatch: %v", md)
	}
	if md["updated_at"] != clock.Now().Format(time.RFC3339Nano) {
		t.Fatalf("stamp mismatch: %v", md["updated_at"])
	}

	stored, err := ts.GetMetadata(ctx, "T1")
	if err != nil || stored["b"] != "3" {
		t.Fatalf("stored metadata: %v, %v", stored, err)
	}
}

func TestTaskStore_History_AllTasksAndLimit(t *testing.T) {
	ts, clock := newTaskStore(t)
	ctx := context.Background()

	for i, id := range []string{"T1", "T2", "T3"} {
		clock.Advance(time.Second)
		if _, err := ts.MergeFromEvent(ctx, map[string]any{"job_id": id, "cod_amount": i + 1}); err != nil {
			t.Fatal(err)
		}
	}
	all, err := ts.History(ctx, "", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("History all = %d, %v", len(all), err)
	}
	if all[0].TaskID != "T3" {
		t.Fatalf("expected newest first, got %s", all[0].TaskID)
	}
	two, _ := ts.History(ctx, "", 2)
	if len(two) != 2 {
		t.Fatalf("limit not applied: %d", len(two))
	}
}

func TestTaskStore_Merge_PrimaryDown_UsesFallback(t *testing.T) {
	store, fb := newBrokenPrimaryStore(t)
	ts := NewTaskStore(store, zerolog.Nop())
	ctx := context.Background()

	task, err := ts.MergeFromEvent(ctx, map[string]any{"job_id": "T1", "cod_amount": 5})
	if err != nil {
		t.Fatalf("merge must succeed through the fallback, got %v", err)
	}
	if task.TaskID != "T1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := fb.GetTask(ctx, "T1"); err != nil {
		t.Fatalf("fallback should hold T1: %v", err)
	}
	if hist, _ := fb.ListHistory(ctx, "T1", 0); len(hist) != 1 {
		t.Fatalf("fallback history: %+v", hist)
	}
}

func TestTaskStore_Merge_ConcurrentSameTask(t *testing.T) {
	ts, _ := newTaskStore(t)
	ctx := context.Background()

	fields := []string{"customer_name", "customer_phone", "customer_email", "job_pickup_address", "job_address", "fleet_id"}
	var wg sync.WaitGroup
	for _, f := range fields {
		wg.Add(1)
		go func(f string) {
			defer wg.Done()
			if _, err := ts.MergeFromEvent(ctx, map[string]any{"job_id": "T1", f: "v"}); err != nil {
				t.Errorf("merge %s: %v", f, err)
			}
		}(f)
	}
	wg.Wait()

	got, err := ts.Get(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	for name, v := range map[string]*string{
		"customer_name":  got.CustomerName,
		"customer_phone": got.CustomerPhone,
		"customer_email": got.CustomerEmail,
		"pickup":         got.PickupAddress,
		"delivery":       got.DeliveryAddress,
		"driver":         got.DriverID,
	} {
		if v == nil || *v != "v" {
			t.Fatalf("lost update on %s: %+v", name, got)
		}
	}
	if ts.locks.Len() != 0 {
		t.Fatalf("keyed locks leaked: %d", ts.locks.Len())
	}
}

func TestTaskStore_Merge_RedeliveryOfOverPreciseAmount_NoSpuriousHistory(t *testing.T) {
	ts, clock := newTaskStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := ts.MergeFromEvent(ctx, map[string]any{"job_id": "T1", "cod_amount": "20.555"}); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
		clock.Advance(time.Minute)
	}

	got, err := ts.Get(ctx, "T1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.CODAmount.Decimal.Equal(decimal.RequireFromString("20.56")) {
		t.Fatalf("amount must be kept at the stored scale, got %s", got.CODAmount.Decimal)
	}
	hist, err := ts.History(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].NewValue != "20.56" {
		t.Fatalf("expected one history entry to 20.56, got %+v", hist)
	}
}

// An outage writes a partial record to the fallback; reconciling it back
// must keep what the primary already knew.
func TestTaskStore_OutageThenReconcile_KeepsPrimaryFields(t *testing.T) {
	ctx := context.Background()
	primary := newSQLiteBackend(t)
	fb := newFallback(t)
	clock := newClock(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC))

	up := NewTaskStore(storage.NewDual(primary, fb), zerolog.Nop())
	up.Now = clock.Now
	if _, err := up.MergeFromEvent(ctx, map[string]any{"job_id": "T1", "customer_name": "Jane", "cod_amount": 10}); err != nil {
		t.Fatalf("merge with primary up: %v", err)
	}

	clock.Advance(time.Minute)
	down := NewTaskStore(storage.NewDual(repo.NewBackend(newSvcDB(t), repo.DriverSQLite), fb), zerolog.Nop())
	down.Now = clock.Now
	if _, err := down.MergeFromEvent(ctx, map[string]any{"job_id": "T1", "job_status": 2}); err != nil {
		t.Fatalf("merge during outage: %v", err)
	}

	d := storage.NewDual(primary, fb)
	rep, err := d.Reconcile(ctx, true)
	if err != nil || len(rep.Tasks) != 1 {
		t.Fatalf("Reconcile = %+v, %v", rep, err)
	}

	got, err := up.Get(ctx, "T1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CustomerName == nil || *got.CustomerName != "Jane" {
		t.Fatalf("customer_name erased: %v", got.CustomerName)
	}
	if !got.CODAmount.Valid || !got.CODAmount.Decimal.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("cod_amount erased: %+v", got.CODAmount)
	}
	if got.Status == nil || *got.Status != 2 {
		t.Fatalf("status from the outage not applied: %v", got.Status)
	}
	if hist, _ := up.History(ctx, "T1", 0); len(hist) != 1 || hist[0].NewValue != "10" {
		t.Fatalf("history must hold only the original cod change: %+v", hist)
	}
}
