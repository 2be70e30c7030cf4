package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/nemt-dispatch/internal/storage"
)

// Loop drives the engine on timers. Two independent cadences: a state
// refresh (workload + performance) and, when auto-scheduling is
// enabled, a batch run. External change signals trigger an immediate
// refresh. The engine serializes batch runs; a timer tick that fires
// while a run is in progress is dropped, not queued.
type Loop struct {
	Engine  *Engine
	Trips   storage.TripRepository
	Changes <-chan struct{} // optional; nil blocks forever
	Logger  *slog.Logger

	RefreshInterval time.Duration
	RunInterval     time.Duration
	BatchLimit      int

	autoEnabled atomic.Bool
	aiEnhanced  atomic.Bool
}

func NewLoop(engine *Engine, trips storage.TripRepository, changes <-chan struct{}, logger *slog.Logger) *Loop {
	return &Loop{
		Engine:          engine,
		Trips:           trips,
		Changes:         changes,
		Logger:          logger,
		RefreshInterval: 10 * time.Second,
		RunInterval:     30 * time.Second,
		BatchLimit:      50,
	}
}

// SetAutoSchedule enables or disables timer-driven batch runs.
// Disabling only stops future firings; a run already in flight is not
// cancelled.
func (l *Loop) SetAutoSchedule(enabled bool) {
	l.autoEnabled.Store(enabled)
	l.Logger.Info("auto-schedule toggled", "enabled", enabled)
}

func (l *Loop) AutoScheduleEnabled() bool { return l.autoEnabled.Load() }

// SetAIEnhanced toggles verbose score-breakdown logging. It changes
// nothing about how drivers are scored.
func (l *Loop) SetAIEnhanced(enabled bool) {
	l.aiEnhanced.Store(enabled)
	l.Engine.SetVerboseScoring(enabled)
	l.Logger.Info("ai-enhanced mode toggled", "enabled", enabled)
}

func (l *Loop) AIEnhanced() bool { return l.aiEnhanced.Load() }

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if err := l.Engine.RefreshState(ctx); err != nil {
		l.Logger.Error("initial state refresh failed", "error", err)
	}

	refresh := time.NewTicker(l.RefreshInterval)
	defer refresh.Stop()
	run := time.NewTicker(l.RunInterval)
	defer run.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			l.refresh(ctx)
		case <-l.Changes:
			l.refresh(ctx)
		case <-run.C:
			if !l.autoEnabled.Load() {
				continue
			}
			// run in its own goroutine so a slow batch does not stall
			// state refreshes
			go l.RunOnce(ctx)
		}
	}
}

func (l *Loop) refresh(ctx context.Context) {
	if err := l.Engine.RefreshState(ctx); err != nil {
		l.Logger.Error("state refresh failed", "error", err)
	}
}

// RunOnce executes one batch over the current unscheduled trips. It
// returns immediately when another run holds the engine's guard.
func (l *Loop) RunOnce(ctx context.Context) {
	trips, err := l.Trips.ListUnscheduled(ctx, l.BatchLimit)
	if err != nil {
		l.Logger.Error("listing unscheduled trips failed", "error", err)
		return
	}
	if len(trips) == 0 {
		return
	}
	outcomes, batch, err := l.Engine.AutoScheduleAll(ctx, trips)
	if err != nil {
		if errors.Is(err, ErrRunInFlight) {
			l.Logger.Warn("batch run skipped, previous run still in flight")
			return
		}
		l.Logger.Error("batch run failed", "error", err)
		return
	}
	failed := 0
	for _, o := range outcomes {
		if !o.Success {
			failed++
		}
	}
	if batch != nil {
		l.Logger.Info("auto-schedule run", "batch", batch.ID, "assigned", batch.Assigned, "failed", failed)
	} else {
		l.Logger.Info("auto-schedule run assigned nothing", "trips", len(trips), "failed", failed)
	}
	l.refresh(ctx)
}
