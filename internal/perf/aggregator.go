// Package perf derives per-driver performance metrics from completed
// trip history. Metrics are recomputed wholesale on every refresh;
// nothing here is persisted.
package perf

import (
	"sort"
	"time"

	"github.com/example/nemt-dispatch/internal/models"
)

const (
	// OnTimeGrace is how late an actual pickup may be relative to the
	// scheduled time and still count as on time. Early is always on time.
	OnTimeGrace = 15 * time.Minute

	// PlaceholderRating stands in until a rating subsystem exists.
	PlaceholderRating = 4.5

	daysPerMonth = 30
)

// ExperienceMonths converts an employment start date into whole months
// of experience, with a floor of one month.
func ExperienceMonths(hiredAt, now time.Time) int {
	days := int(now.Sub(hiredAt).Hours() / 24)
	months := days / daysPerMonth
	if months < 1 {
		months = 1
	}
	return months
}

// Aggregate walks trip history in chronological order and builds the
// cumulative-mean metrics for every driver that appears in it. The
// drivers slice supplies employment start dates; drivers absent from
// it get ExperienceMonths 0 (unknown).
func Aggregate(history []models.Trip, drivers []models.Driver, now time.Time) map[string]models.DriverPerformance {
	hired := make(map[string]*time.Time, len(drivers))
	for _, d := range drivers {
		hired[d.ID] = d.HiredAt
	}

	sorted := make([]models.Trip, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ScheduledPickup.Before(sorted[j].ScheduledPickup)
	})

	out := make(map[string]models.DriverPerformance)
	for _, t := range sorted {
		if t.DriverID == nil {
			continue
		}
		id := *t.DriverID
		p, ok := out[id]
		if !ok {
			p = models.DriverPerformance{AverageRating: PlaceholderRating}
			if h, found := hired[id]; found && h != nil {
				p.ExperienceMonths = ExperienceMonths(*h, now)
			}
		}
		p.TotalTrips++
		n := float64(p.TotalTrips)

		// On-time is only measurable when both timestamps exist; the
		// running mean still divides by the total-trips counter.
		if t.ActualPickup != nil {
			hit := 0.0
			if t.ActualPickup.Sub(t.ScheduledPickup) <= OnTimeGrace {
				hit = 1.0
			}
			p.OnTimeRate = (p.OnTimeRate*(n-1) + hit) / n
		}

		cancelled := 0.0
		if t.Status == models.StatusCancelled {
			cancelled = 1.0
		}
		p.CancellationRate = (p.CancellationRate*(n-1) + cancelled) / n

		out[id] = p
	}
	return out
}
