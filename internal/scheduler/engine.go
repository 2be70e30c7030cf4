// Package scheduler contains the assignment engine and the timer loop
// that drives it. The engine picks the best-scoring driver per trip,
// persists the assignment, and tracks the most recent batch so it can
// be undone.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/nemt-dispatch/internal/models"
	"github.com/example/nemt-dispatch/internal/observability"
	"github.com/example/nemt-dispatch/internal/perf"
	"github.com/example/nemt-dispatch/internal/scoring"
	"github.com/example/nemt-dispatch/internal/storage"
	"github.com/example/nemt-dispatch/internal/workload"
)

const (
	MsgNoDrivers    = "No available drivers"
	MsgAssignFailed = "Failed to assign"
)

var (
	ErrNothingToUndo = errors.New("no batch to undo")
	// ErrRunInFlight is returned when a batch run is requested while
	// another one holds the single-flight guard. Overlapping triggers
	// coalesce; they are never queued.
	ErrRunInFlight = errors.New("batch run already in flight")
)

// Notifier delivers assignment notifications. Failures are logged and
// swallowed; they never fail an assignment.
type Notifier interface {
	NotifyTripAssigned(ctx context.Context, trip models.Trip, driver models.Driver) error
}

// FareHolder places and releases fare holds alongside assignments.
// Optional and best-effort, like Notifier.
type FareHolder interface {
	HoldFare(ctx context.Context, trip models.Trip) (string, error)
	ReleaseFare(ctx context.Context, holdID string) error
}

// Locator supplies live driver positions, typically fresher than the
// coordinates stored on the driver record.
type Locator interface {
	Locate(ctx context.Context, driverID string) (models.Coord, bool)
}

type Engine struct {
	Trips     storage.TripRepository
	Drivers   storage.DriverRepository
	Workload  *workload.Tracker
	Notifier  Notifier   // optional
	Fares     FareHolder // optional
	Locations Locator    // optional
	ActorID   string
	// UndoWindow bounds how old a batch may be and still be offered as
	// undoable in status reports. UndoBatch itself ignores it.
	UndoWindow time.Duration
	Logger     *slog.Logger
	Now        func() time.Time

	verbose atomic.Bool

	// runMu is the single-flight guard for batch runs. Both the timer
	// loop and the manual trigger funnel through AutoScheduleAll, so
	// holding it here covers every path.
	runMu sync.Mutex

	mu        sync.Mutex
	weights   models.Weights
	perfs     map[string]models.DriverPerformance
	lastBatch *models.Batch
	holds     []string
}

func NewEngine(trips storage.TripRepository, drivers storage.DriverRepository, logger *slog.Logger) *Engine {
	return &Engine{
		Trips:      trips,
		Drivers:    drivers,
		Workload:   workload.NewTracker(),
		UndoWindow: 10 * time.Minute,
		Logger:     logger,
		Now:        time.Now,
		weights:    models.DefaultWeights(),
		perfs:      map[string]models.DriverPerformance{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) Weights() models.Weights {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weights
}

func (e *Engine) SetWeights(w models.Weights) {
	e.mu.Lock()
	e.weights = w
	e.mu.Unlock()
}

// SetVerboseScoring toggles per-candidate score breakdown logging. It
// does not change the scoring formula.
func (e *Engine) SetVerboseScoring(on bool) { e.verbose.Store(on) }

func (e *Engine) VerboseScoring() bool { return e.verbose.Load() }

// RefreshState rebuilds the workload snapshot and the performance
// metrics from storage. Called on a fixed interval and on every
// external change signal.
func (e *Engine) RefreshState(ctx context.Context) error {
	drivers, err := e.Drivers.ListActiveDrivers(ctx)
	if err != nil {
		return err
	}
	assignments, err := e.Trips.ListActiveAssignments(ctx)
	if err != nil {
		return err
	}
	history, err := e.Trips.ListHistory(ctx)
	if err != nil {
		return err
	}
	e.Workload.Replace(workload.Count(assignments))
	perfs := perf.Aggregate(history, drivers, e.now())
	e.mu.Lock()
	e.perfs = perfs
	e.mu.Unlock()
	observability.DriversActive.Set(float64(len(drivers)))
	return nil
}

// performance returns the current metrics map. The map is published
// wholesale by RefreshState and never mutated afterwards, so reading
// it without the lock held is safe.
func (e *Engine) performance() map[string]models.DriverPerformance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perfs
}

// roster lists active drivers with live positions overlaid when a
// locator is wired.
func (e *Engine) roster(ctx context.Context) ([]models.Driver, error) {
	drivers, err := e.Drivers.ListActiveDrivers(ctx)
	if err != nil {
		return nil, err
	}
	if e.Locations != nil {
		for i := range drivers {
			if c, ok := e.Locations.Locate(ctx, drivers[i].ID); ok {
				loc := c
				drivers[i].Loc = &loc
			}
		}
	}
	return drivers, nil
}

func (e *Engine) pick(ctx context.Context, trip models.Trip, candidates []models.Driver) (scoring.Ranked, bool) {
	workloads := e.Workload.Snapshot()
	perfs := e.performance()
	weights := e.Weights()
	now := e.now()
	if e.verbose.Load() {
		for _, d := range candidates {
			var p *models.DriverPerformance
			if dp, ok := perfs[d.ID]; ok {
				p = &dp
			}
			b := scoring.Score(trip, d, workloads[d.ID], p, weights, now)
			e.Logger.Debug("score breakdown",
				"trip", trip.ID, "driver", d.ID,
				"workload", b.Workload, "distance", b.Distance,
				"experience", b.Experience, "performance", b.Performance,
				"availability", b.Availability, "total", b.Total)
		}
	}
	return scoring.PickBest(trip, candidates, workloads, perfs, weights, now)
}

// AssignTrip assigns the best available driver to a single trip. This
// is the manual path: the trip is marked auto-scheduled but carries no
// batch timestamp, so it is not undoable.
func (e *Engine) AssignTrip(ctx context.Context, trip models.Trip) (models.AssignmentOutcome, error) {
	candidates, err := e.roster(ctx)
	if err != nil {
		return models.AssignmentOutcome{TripID: trip.ID, Message: MsgAssignFailed}, err
	}
	best, ok := e.pick(ctx, trip, candidates)
	if !ok {
		observability.NoDriverTotal.Inc()
		return models.AssignmentOutcome{TripID: trip.ID, Message: MsgNoDrivers}, nil
	}
	now := e.now()
	upd := storage.AssignmentUpdate{
		DriverID:      best.Driver.ID,
		Status:        models.StatusAssigned,
		AutoScheduled: true,
		AssignedAt:    now,
	}
	if err := e.Trips.UpdateAssignment(ctx, trip.ID, upd); err != nil {
		observability.AssignFailures.Inc()
		return models.AssignmentOutcome{TripID: trip.ID, Message: MsgAssignFailed}, err
	}
	e.Workload.Reserve(best.Driver.ID)
	observability.AssignmentsTotal.Inc()
	e.notify(ctx, trip, best.Driver)
	e.holdFare(ctx, trip)
	e.Logger.Info("trip assigned", "trip", trip.ID, "driver", best.Driver.ID, "score", best.Breakdown.Total)
	return models.AssignmentOutcome{
		TripID: trip.ID, Success: true,
		DriverID: best.Driver.ID, DriverName: best.Driver.Name,
	}, nil
}

// AutoScheduleAll assigns every trip in the given order under one
// shared batch timestamp. Each trip is scored against the current
// roster; a successful assignment reserves workload in memory so the
// next trip in the run sees it. One trip's failure never aborts the
// rest of the batch. Runs are single-flight: a call that overlaps an
// in-flight run returns ErrRunInFlight without touching any trip.
func (e *Engine) AutoScheduleAll(ctx context.Context, trips []models.Trip) ([]models.AssignmentOutcome, *models.Batch, error) {
	outcomes := make([]models.AssignmentOutcome, 0, len(trips))
	if len(trips) == 0 {
		return outcomes, nil, nil
	}
	if !e.runMu.TryLock() {
		observability.BatchRunSkipped.Inc()
		return nil, nil, ErrRunInFlight
	}
	defer e.runMu.Unlock()

	started := time.Now()
	batchTS := e.now().UTC()
	batchID := uuid.New()
	actor := e.ActorID
	assigned := 0
	var holds []string

	for _, trip := range trips {
		candidates, err := e.roster(ctx)
		if err != nil {
			e.Logger.Error("roster fetch failed", "trip", trip.ID, "error", err)
			outcomes = append(outcomes, models.AssignmentOutcome{TripID: trip.ID, Message: MsgAssignFailed})
			continue
		}
		best, ok := e.pick(ctx, trip, candidates)
		if !ok {
			observability.NoDriverTotal.Inc()
			outcomes = append(outcomes, models.AssignmentOutcome{TripID: trip.ID, Message: MsgNoDrivers})
			continue
		}
		ts := batchTS
		upd := storage.AssignmentUpdate{
			DriverID:        best.Driver.ID,
			Status:          models.StatusAssigned,
			AutoScheduled:   true,
			AutoScheduledAt: &ts,
			AssignedAt:      e.now(),
		}
		if actor != "" {
			by := actor
			upd.AutoScheduledBy = &by
		}
		if err := e.Trips.UpdateAssignment(ctx, trip.ID, upd); err != nil {
			observability.AssignFailures.Inc()
			e.Logger.Error("assignment persist failed", "trip", trip.ID, "driver", best.Driver.ID, "error", err)
			outcomes = append(outcomes, models.AssignmentOutcome{TripID: trip.ID, Message: MsgAssignFailed})
			continue
		}
		assigned++
		e.Workload.Reserve(best.Driver.ID)
		observability.AssignmentsTotal.Inc()
		e.notify(ctx, trip, best.Driver)
		if id := e.holdFare(ctx, trip); id != "" {
			holds = append(holds, id)
		}
		outcomes = append(outcomes, models.AssignmentOutcome{
			TripID: trip.ID, Success: true,
			DriverID: best.Driver.ID, DriverName: best.Driver.Name,
		})
	}

	observability.BatchRunsTotal.Inc()
	observability.BatchDuration.Observe(time.Since(started).Seconds())

	var batch *models.Batch
	if assigned > 0 {
		batch = &models.Batch{ID: batchID, Timestamp: batchTS, Assigned: assigned}
		e.mu.Lock()
		e.lastBatch = batch
		e.holds = holds
		e.mu.Unlock()
	}
	e.Logger.Info("batch run finished", "batch", batchID, "trips", len(trips), "assigned", assigned)
	return outcomes, batch, nil
}

// UndoBatch reverts every trip stamped with the given batch timestamp.
// On persistence failure nothing is reverted and the batch remains
// undoable so the caller may retry.
func (e *Engine) UndoBatch(ctx context.Context, batchTS time.Time) (int, error) {
	n, err := e.Trips.BulkRevertByBatch(ctx, batchTS)
	if err != nil {
		return 0, err
	}
	observability.UndosTotal.Inc()
	observability.TripsReverted.Add(float64(n))

	e.mu.Lock()
	var holds []string
	if e.lastBatch != nil && e.lastBatch.Timestamp.Equal(batchTS) {
		holds = e.holds
		e.lastBatch = nil
		e.holds = nil
	}
	e.mu.Unlock()

	for _, id := range holds {
		if e.Fares == nil {
			break
		}
		if err := e.Fares.ReleaseFare(ctx, id); err != nil {
			e.Logger.Warn("fare release failed", "hold", id, "error", err)
		}
	}
	e.Logger.Info("batch undone", "batch_ts", batchTS, "reverted", n)
	return n, nil
}

// UndoLastBatch reverts the most recent batch, if one is tracked.
func (e *Engine) UndoLastBatch(ctx context.Context) (int, error) {
	e.mu.Lock()
	batch := e.lastBatch
	e.mu.Unlock()
	if batch == nil {
		return 0, ErrNothingToUndo
	}
	return e.UndoBatch(ctx, batch.Timestamp)
}

// LastBatch returns the most recent undoable batch, or nil.
func (e *Engine) LastBatch() *models.Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastBatch == nil {
		return nil
	}
	cp := *e.lastBatch
	return &cp
}

// RecentBatch consults storage for a batch timestamp inside the undo
// window. Used to offer the undo affordance after a restart, when the
// in-memory batch record is gone.
func (e *Engine) RecentBatch(ctx context.Context) (*time.Time, error) {
	return e.Trips.FindRecentBatchTimestamp(ctx, e.now().Add(-e.UndoWindow))
}

func (e *Engine) notify(ctx context.Context, trip models.Trip, driver models.Driver) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.NotifyTripAssigned(ctx, trip, driver); err != nil {
		e.Logger.Warn("notification failed", "trip", trip.ID, "driver", driver.ID, "error", err)
	}
}

func (e *Engine) holdFare(ctx context.Context, trip models.Trip) string {
	if e.Fares == nil {
		return ""
	}
	id, err := e.Fares.HoldFare(ctx, trip)
	if err != nil {
		e.Logger.Warn("fare hold failed", "trip", trip.ID, "error", err)
		return ""
	}
	return id
}
