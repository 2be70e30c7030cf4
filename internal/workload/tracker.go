// Package workload tracks how many trips each driver currently has in
// flight. The tracker is rebuilt from storage on every refresh and can
// be bumped in memory between refreshes so a batch run sees its own
// assignments immediately.
package workload

import (
	"sync"

	"github.com/example/nemt-dispatch/internal/models"
)

// ActiveAssignment is the minimal projection the tracker needs from
// the trip table.
type ActiveAssignment struct {
	DriverID string
	Status   models.TripStatus
}

// Count builds a driver-id -> in-flight-trip-count map from active
// assignments. Rows whose status is not an in-flight status are
// ignored so callers may pass unfiltered projections.
func Count(assignments []ActiveAssignment) map[string]int {
	counts := make(map[string]int)
	for _, a := range assignments {
		if a.DriverID == "" || !a.Status.InFlight() {
			continue
		}
		counts[a.DriverID]++
	}
	return counts
}

type Tracker struct {
	mu     sync.RWMutex
	counts map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Replace swaps in a freshly computed snapshot, discarding any
// in-memory reservations made since the last refresh.
func (t *Tracker) Replace(counts map[string]int) {
	next := make(map[string]int, len(counts))
	for id, c := range counts {
		next[id] = c
	}
	t.mu.Lock()
	t.counts = next
	t.mu.Unlock()
}

func (t *Tracker) Get(driverID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[driverID]
}

// Reserve bumps a driver's count by one. The batch loop calls this
// after each successful assignment so the next trip in the same run
// scores against the updated workload.
func (t *Tracker) Reserve(driverID string) {
	t.mu.Lock()
	t.counts[driverID]++
	t.mu.Unlock()
}

// Snapshot returns a copy of the current counts.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.counts))
	for id, c := range t.counts {
		out[id] = c
	}
	return out
}
