package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/nemt-dispatch/internal/models"
	"github.com/example/nemt-dispatch/internal/storage"
)

var testNow = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store *storage.MemoryStore) *Engine {
	e := NewEngine(store, store, discardLogger())
	e.ActorID = "dispatcher-1"
	e.Now = func() time.Time { return testNow }
	return e
}

func unscheduledTrip(id string, offset time.Duration) models.Trip {
	return models.Trip{
		ID:              id,
		PatientID:       "p-" + id,
		PickupAddress:   "100 Main St",
		Pickup:          &models.Coord{Lat: 40.0, Lon: -74.0},
		ScheduledPickup: testNow.Add(offset),
		Status:          models.StatusScheduled,
	}
}

func activeDriver(id string) models.Driver {
	return models.Driver{ID: id, Name: "Driver " + id, Active: true, Loc: &models.Coord{Lat: 40.0, Lon: -74.0}}
}

// recordingRepo counts persistence writes and can fail selected trips.
type recordingRepo struct {
	*storage.MemoryStore
	updates   int
	failTrips map[string]bool
	revertErr error
}

func (r *recordingRepo) UpdateAssignment(ctx context.Context, tripID string, upd storage.AssignmentUpdate) error {
	r.updates++
	if r.failTrips[tripID] {
		return errors.New("db down")
	}
	return r.MemoryStore.UpdateAssignment(ctx, tripID, upd)
}

func (r *recordingRepo) BulkRevertByBatch(ctx context.Context, ts time.Time) (int, error) {
	if r.revertErr != nil {
		return 0, r.revertErr
	}
	return r.MemoryStore.BulkRevertByBatch(ctx, ts)
}

type fakeNotifier struct {
	calls int
	err   error
}

func (f *fakeNotifier) NotifyTripAssigned(ctx context.Context, trip models.Trip, driver models.Driver) error {
	f.calls++
	return f.err
}

type fakeFares struct {
	holds    []string
	released []string
}

func (f *fakeFares) HoldFare(ctx context.Context, trip models.Trip) (string, error) {
	id := "hold-" + trip.ID
	f.holds = append(f.holds, id)
	return id, nil
}

func (f *fakeFares) ReleaseFare(ctx context.Context, holdID string) error {
	f.released = append(f.released, holdID)
	return nil
}

func TestAutoScheduleAllEmptyListTouchesNothing(t *testing.T) {
	store := storage.NewMemoryStore()
	repo := &recordingRepo{MemoryStore: store}
	e := newTestEngine(store)
	e.Trips = repo

	outcomes, batch, err := e.AutoScheduleAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %d", len(outcomes))
	}
	if batch != nil {
		t.Fatal("expected no batch")
	}
	if repo.updates != 0 {
		t.Fatalf("expected no persistence calls, got %d", repo.updates)
	}
}

func TestAutoScheduleAllNoDrivers(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(unscheduledTrip("t1", 0))
	store.PutTrip(unscheduledTrip("t2", time.Hour))
	repo := &recordingRepo{MemoryStore: store}
	e := newTestEngine(store)
	e.Trips = repo

	trips, _ := store.ListUnscheduled(context.Background(), 10)
	outcomes, batch, err := e.AutoScheduleAll(context.Background(), trips)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Success || o.Message != MsgNoDrivers {
			t.Fatalf("outcome = %+v, want failure %q", o, MsgNoDrivers)
		}
	}
	if batch != nil {
		t.Fatal("expected no batch when nothing was assigned")
	}
	if repo.updates != 0 {
		t.Fatalf("expected no persistence updates, got %d", repo.updates)
	}
}

func TestBatchAssignAndUndo(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutDriver(activeDriver("d1"))
	store.PutDriver(activeDriver("d2"))
	for i := 0; i < 3; i++ {
		store.PutTrip(unscheduledTrip(fmt.Sprintf("t%d", i), time.Duration(i)*time.Hour))
	}
	// an assignment outside the batch that undo must not touch
	outside := unscheduledTrip("outside", 5*time.Hour)
	did := "d1"
	ts := testNow.Add(-time.Hour)
	outside.DriverID = &did
	outside.Status = models.StatusAssigned
	outside.AutoScheduled = true
	outside.AutoScheduledAt = &ts
	store.PutTrip(outside)

	notifier := &fakeNotifier{}
	fares := &fakeFares{}
	e := newTestEngine(store)
	e.Notifier = notifier
	e.Fares = fares
	if err := e.RefreshState(ctx); err != nil {
		t.Fatal(err)
	}

	trips, _ := store.ListUnscheduled(ctx, 10)
	outcomes, batch, err := e.AutoScheduleAll(ctx, trips)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch == nil || batch.Assigned != 3 {
		t.Fatalf("batch = %+v, want 3 assigned", batch)
	}
	for _, o := range outcomes {
		if !o.Success {
			t.Fatalf("outcome failed: %+v", o)
		}
		got, _ := store.GetTrip(ctx, o.TripID)
		if got.Status != models.StatusAssigned || got.DriverID == nil {
			t.Fatalf("trip %s not assigned: %+v", o.TripID, got)
		}
		if got.AutoScheduledAt == nil || !got.AutoScheduledAt.Equal(batch.Timestamp) {
			t.Fatalf("trip %s missing batch timestamp", o.TripID)
		}
		if got.AutoScheduledBy == nil || *got.AutoScheduledBy != "dispatcher-1" {
			t.Fatalf("trip %s missing actor stamp", o.TripID)
		}
	}
	if notifier.calls != 3 {
		t.Fatalf("notifier calls = %d, want 3", notifier.calls)
	}
	if len(fares.holds) != 3 {
		t.Fatalf("fare holds = %d, want 3", len(fares.holds))
	}

	n, err := e.UndoLastBatch(ctx)
	if err != nil {
		t.Fatalf("undo failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("reverted = %d, want 3", n)
	}
	for _, o := range outcomes {
		got, _ := store.GetTrip(ctx, o.TripID)
		if got.DriverID != nil || got.Status != models.StatusPending {
			t.Fatalf("trip %s not reverted: %+v", o.TripID, got)
		}
		if got.AutoScheduledAt != nil || got.AutoScheduledBy != nil || got.AssignedAt != nil {
			t.Fatalf("trip %s bookkeeping not cleared: %+v", o.TripID, got)
		}
	}
	// the out-of-batch trip keeps its driver
	kept, _ := store.GetTrip(ctx, "outside")
	if kept.DriverID == nil || kept.Status != models.StatusAssigned {
		t.Fatalf("outside trip was touched: %+v", kept)
	}
	if len(fares.released) != 3 {
		t.Fatalf("fare releases = %d, want 3", len(fares.released))
	}
	// no stacking: a second undo has nothing to act on
	if _, err := e.UndoLastBatch(ctx); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("expected ErrNothingToUndo, got %v", err)
	}
}

func TestBatchSpreadsLoadAcrossDrivers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutDriver(activeDriver("d1"))
	store.PutDriver(activeDriver("d2"))
	store.PutTrip(unscheduledTrip("t1", 0))
	store.PutTrip(unscheduledTrip("t2", time.Hour))
	e := newTestEngine(store)

	trips, _ := store.ListUnscheduled(ctx, 10)
	outcomes, _, err := e.AutoScheduleAll(ctx, trips)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	// identical drivers: the tie goes to d1, whose reserved workload
	// then pushes t2 to d2
	if outcomes[0].DriverID != "d1" {
		t.Fatalf("t1 driver = %s, want d1", outcomes[0].DriverID)
	}
	if outcomes[1].DriverID != "d2" {
		t.Fatalf("t2 driver = %s, want d2 (workload not reserved intra-batch)", outcomes[1].DriverID)
	}
}

func TestBatchContinuesPastPersistFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutDriver(activeDriver("d1"))
	store.PutTrip(unscheduledTrip("t1", 0))
	store.PutTrip(unscheduledTrip("t2", time.Hour))
	repo := &recordingRepo{MemoryStore: store, failTrips: map[string]bool{"t1": true}}
	e := newTestEngine(store)
	e.Trips = repo

	trips, _ := store.ListUnscheduled(ctx, 10)
	outcomes, batch, err := e.AutoScheduleAll(ctx, trips)
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Success || outcomes[0].Message != MsgAssignFailed {
		t.Fatalf("t1 outcome = %+v, want %q", outcomes[0], MsgAssignFailed)
	}
	if !outcomes[1].Success {
		t.Fatalf("t2 should still be assigned: %+v", outcomes[1])
	}
	if batch == nil || batch.Assigned != 1 {
		t.Fatalf("batch = %+v, want 1 assigned", batch)
	}
}

// blockingNotifier parks the first batch run inside the engine until
// released, so a second run can be fired while the first is in flight.
type blockingNotifier struct {
	started chan struct{}
	release chan struct{}
	calls   int32
}

func (b *blockingNotifier) NotifyTripAssigned(ctx context.Context, trip models.Trip, driver models.Driver) error {
	if atomic.AddInt32(&b.calls, 1) == 1 {
		b.started <- struct{}{}
	}
	<-b.release
	return nil
}

func TestOverlappingBatchRunsCoalesce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutDriver(activeDriver("d1"))
	store.PutTrip(unscheduledTrip("t1", 0))
	bn := &blockingNotifier{started: make(chan struct{}, 1), release: make(chan struct{})}
	e := newTestEngine(store)
	e.Notifier = bn

	trips, _ := store.ListUnscheduled(ctx, 10)
	var firstBatch *models.Batch
	done := make(chan struct{})
	go func() {
		_, firstBatch, _ = e.AutoScheduleAll(ctx, trips)
		close(done)
	}()
	<-bn.started

	// a second trigger over the same trip list must coalesce, not
	// double-process
	outcomes, batch, err := e.AutoScheduleAll(ctx, trips)
	if !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight, got %v", err)
	}
	if outcomes != nil || batch != nil {
		t.Fatalf("coalesced run must produce nothing, got %v, %v", outcomes, batch)
	}

	close(bn.release)
	<-done
	if n := atomic.LoadInt32(&bn.calls); n != 1 {
		t.Fatalf("trip notified %d times, want 1", n)
	}
	got, _ := store.GetTrip(ctx, "t1")
	if got.AutoScheduledAt == nil || firstBatch == nil || !got.AutoScheduledAt.Equal(firstBatch.Timestamp) {
		t.Fatalf("trip must keep the first run's batch stamp: %+v", got)
	}
}

func TestNotificationFailureDoesNotFailAssignment(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutDriver(activeDriver("d1"))
	store.PutTrip(unscheduledTrip("t1", 0))
	e := newTestEngine(store)
	e.Notifier = &fakeNotifier{err: errors.New("push service down")}

	trips, _ := store.ListUnscheduled(ctx, 10)
	outcomes, _, err := e.AutoScheduleAll(ctx, trips)
	if err != nil {
		t.Fatal(err)
	}
	if !outcomes[0].Success {
		t.Fatalf("assignment should succeed despite notification failure: %+v", outcomes[0])
	}
}

func TestSingleAssignHasNoBatchStamp(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutDriver(activeDriver("d1"))
	trip := unscheduledTrip("t1", 0)
	store.PutTrip(trip)
	e := newTestEngine(store)

	out, err := e.AssignTrip(ctx, trip)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.DriverID != "d1" {
		t.Fatalf("outcome = %+v", out)
	}
	got, _ := store.GetTrip(ctx, "t1")
	if !got.AutoScheduled {
		t.Fatal("auto-scheduled marker not set")
	}
	if got.AutoScheduledAt != nil {
		t.Fatal("single assignment must not carry a batch timestamp")
	}
	if e.LastBatch() != nil {
		t.Fatal("single assignment must not be undoable")
	}
}

func TestSingleAssignNoDrivers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	trip := unscheduledTrip("t1", 0)
	store.PutTrip(trip)
	e := newTestEngine(store)

	out, err := e.AssignTrip(ctx, trip)
	if err != nil {
		t.Fatalf("no drivers is not an error: %v", err)
	}
	if out.Success || out.Message != MsgNoDrivers {
		t.Fatalf("outcome = %+v, want %q", out, MsgNoDrivers)
	}
}

func TestUndoFailureKeepsBatchUndoable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutDriver(activeDriver("d1"))
	store.PutTrip(unscheduledTrip("t1", 0))
	repo := &recordingRepo{MemoryStore: store}
	e := newTestEngine(store)
	e.Trips = repo

	trips, _ := store.ListUnscheduled(ctx, 10)
	if _, batch, _ := e.AutoScheduleAll(ctx, trips); batch == nil {
		t.Fatal("expected a batch")
	}

	repo.revertErr = errors.New("db down")
	if _, err := e.UndoLastBatch(ctx); err == nil {
		t.Fatal("expected undo error")
	}
	if e.LastBatch() == nil {
		t.Fatal("failed undo must leave the batch undoable")
	}

	repo.revertErr = nil
	n, err := e.UndoLastBatch(ctx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("reverted = %d, want 1", n)
	}
	if e.LastBatch() != nil {
		t.Fatal("batch should be consumed after successful undo")
	}
}

func TestRecentBatchWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutDriver(activeDriver("d1"))
	store.PutTrip(unscheduledTrip("t1", 0))
	e := newTestEngine(store)

	trips, _ := store.ListUnscheduled(ctx, 10)
	_, batch, _ := e.AutoScheduleAll(ctx, trips)
	if batch == nil {
		t.Fatal("expected a batch")
	}

	ts, err := e.RecentBatch(ctx)
	if err != nil || ts == nil || !ts.Equal(batch.Timestamp) {
		t.Fatalf("recent batch = %v, %v; want %v", ts, err, batch.Timestamp)
	}

	// move the clock past the window; the stored batch stops being offered
	e.Now = func() time.Time { return testNow.Add(11 * time.Minute) }
	ts, err = e.RecentBatch(ctx)
	if err != nil || ts != nil {
		t.Fatalf("recent batch after window = %v, %v; want nil", ts, err)
	}
	// but the undo operation itself still acts on the old timestamp
	n, err := e.UndoBatch(ctx, batch.Timestamp)
	if err != nil || n != 1 {
		t.Fatalf("undo after window: n=%d err=%v", n, err)
	}
}
