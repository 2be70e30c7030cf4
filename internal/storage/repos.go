package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/nemt-dispatch/internal/models"
	"github.com/example/nemt-dispatch/internal/workload"
)

var ErrTripNotFound = errors.New("trip not found")

// AssignmentUpdate is the field set the engine writes when it pins a
// trip to a driver. AutoScheduledAt is nil on the manual single-assign
// path and carries the shared batch timestamp on batch runs.
type AssignmentUpdate struct {
	DriverID        string
	Status          models.TripStatus
	AutoScheduled   bool
	AutoScheduledAt *time.Time
	AutoScheduledBy *string
	AssignedAt      time.Time
}

// TripRepository is the persistence surface the scheduler needs.
type TripRepository interface {
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	// ListUnscheduled returns assignable trips ordered by scheduled
	// pickup time ascending, up to limit.
	ListUnscheduled(ctx context.Context, limit int) ([]models.Trip, error)
	ListActiveAssignments(ctx context.Context) ([]workload.ActiveAssignment, error)
	// ListHistory returns every trip that has ever had a driver, for
	// performance aggregation.
	ListHistory(ctx context.Context) ([]models.Trip, error)
	UpdateAssignment(ctx context.Context, tripID string, upd AssignmentUpdate) error
	// BulkRevertByBatch reverts every trip stamped with the given batch
	// timestamp back to pending with no driver, as one bulk operation.
	// It returns the number of trips reverted.
	BulkRevertByBatch(ctx context.Context, batchTS time.Time) (int, error)
	// FindRecentBatchTimestamp returns the newest batch timestamp at or
	// after since, or nil when none exists.
	FindRecentBatchTimestamp(ctx context.Context, since time.Time) (*time.Time, error)
}

type DriverRepository interface {
	ListActiveDrivers(ctx context.Context) ([]models.Driver, error)
}

// MemoryStore backs both repositories in memory for tests and
// DSN-less local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	trips   map[string]*models.Trip
	drivers map[string]models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip), drivers: make(map[string]models.Driver)}
}

func (m *MemoryStore) PutTrip(t models.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.trips[t.ID] = &cp
}

func (m *MemoryStore) PutDriver(d models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrTripNotFound
	}
	return *t, nil
}

func (m *MemoryStore) ListUnscheduled(ctx context.Context, limit int) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if t.Unscheduled() {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledPickup.Before(out[j].ScheduledPickup) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListActiveAssignments(ctx context.Context) ([]workload.ActiveAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]workload.ActiveAssignment, 0)
	for _, t := range m.trips {
		if t.DriverID != nil && t.Status.InFlight() {
			out = append(out, workload.ActiveAssignment{DriverID: *t.DriverID, Status: t.Status})
		}
	}
	return out, nil
}

func (m *MemoryStore) ListHistory(ctx context.Context) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if t.DriverID != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAssignment(ctx context.Context, tripID string, upd AssignmentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrTripNotFound
	}
	driverID := upd.DriverID
	t.DriverID = &driverID
	t.Status = upd.Status
	t.AutoScheduled = upd.AutoScheduled
	t.AutoScheduledAt = upd.AutoScheduledAt
	t.AutoScheduledBy = upd.AutoScheduledBy
	assignedAt := upd.AssignedAt
	t.AssignedAt = &assignedAt
	return nil
}

func (m *MemoryStore) BulkRevertByBatch(ctx context.Context, batchTS time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reverted := 0
	for _, t := range m.trips {
		if t.AutoScheduledAt != nil && t.AutoScheduledAt.Equal(batchTS) {
			t.DriverID = nil
			t.Status = models.StatusPending
			t.AutoScheduled = false
			t.AutoScheduledAt = nil
			t.AutoScheduledBy = nil
			t.AssignedAt = nil
			reverted++
		}
	}
	return reverted, nil
}

func (m *MemoryStore) FindRecentBatchTimestamp(ctx context.Context, since time.Time) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *time.Time
	for _, t := range m.trips {
		ts := t.AutoScheduledAt
		if ts == nil || ts.Before(since) {
			continue
		}
		if newest == nil || ts.After(*newest) {
			cp := *ts
			newest = &cp
		}
	}
	return newest, nil
}

func (m *MemoryStore) ListActiveDrivers(ctx context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0)
	for _, d := range m.drivers {
		if d.Active {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
