// Package scoring ranks candidate drivers for a trip. Five sub-scores,
// each on a 0-10 scale, are combined as a weighted sum; higher is
// better.
package scoring

import (
	"time"

	"github.com/example/nemt-dispatch/internal/geo"
	"github.com/example/nemt-dispatch/internal/models"
	"github.com/example/nemt-dispatch/internal/perf"
)

const (
	// Sub-score defaults when the underlying signal is missing.
	defaultNoLocationScore      = 3.0
	defaultUnknownPickupScore   = 5.0
	defaultExperienceScore      = 5.0
	defaultPerformanceScore     = 5.0
	minTripsForPerformanceScore = 5
)

// Breakdown carries the per-factor sub-scores alongside the weighted
// total, mainly for observability when verbose scoring is on.
type Breakdown struct {
	Workload     float64 `json:"workload"`
	Distance     float64 `json:"distance"`
	Experience   float64 `json:"experience"`
	Performance  float64 `json:"performance"`
	Availability float64 `json:"availability"`
	Total        float64 `json:"total"`
}

// Score rates one driver for one trip. workloadCount is the driver's
// current in-flight trip count, p may be nil when the driver has no
// history, and now anchors the experience calculation.
func Score(trip models.Trip, d models.Driver, workloadCount int, p *models.DriverPerformance, w models.Weights, now time.Time) Breakdown {
	b := Breakdown{
		Workload:     workloadScore(workloadCount),
		Distance:     distanceScore(trip, d),
		Experience:   experienceScore(d, now),
		Performance:  performanceScore(p),
		Availability: availabilityScore(workloadCount),
	}
	b.Total = (b.Workload*w.Workload +
		b.Distance*w.Distance +
		b.Experience*w.Experience +
		b.Performance*w.Performance +
		b.Availability*w.Availability) / 100
	return b
}

// workloadScore: 10 for an idle driver, minus 2 per in-flight trip,
// floored at 0.
func workloadScore(count int) float64 {
	s := 10 - float64(count)*2
	if s < 0 {
		return 0
	}
	return s
}

// distanceScore falls off linearly from 10 at zero miles to 0 at 30
// miles. A driver without a known position gets a low fixed score; a
// trip without pickup coordinates gets a neutral one.
func distanceScore(trip models.Trip, d models.Driver) float64 {
	if d.Loc == nil {
		return defaultNoLocationScore
	}
	if trip.Pickup == nil {
		return defaultUnknownPickupScore
	}
	miles := geo.Miles(d.Loc.Lat, d.Loc.Lon, trip.Pickup.Lat, trip.Pickup.Lon)
	s := 10 - miles/3
	if s < 0 {
		return 0
	}
	return s
}

// experienceScore reaches the cap at roughly 30 months on the job.
func experienceScore(d models.Driver, now time.Time) float64 {
	if d.HiredAt == nil {
		return defaultExperienceScore
	}
	s := float64(perf.ExperienceMonths(*d.HiredAt, now)) / 3
	if s > 10 {
		return 10
	}
	return s
}

// performanceScore blends on-time rate, rating, and cancellation rate
// into 0-10. Drivers with too little history get the neutral default
// rather than a rate computed over a handful of trips.
func performanceScore(p *models.DriverPerformance) float64 {
	if p == nil || p.TotalTrips <= minTripsForPerformanceScore {
		return defaultPerformanceScore
	}
	return p.OnTimeRate*4 + (p.AverageRating/5)*3 + (1-p.CancellationRate)*3
}

func availabilityScore(count int) float64 {
	switch count {
	case 0:
		return 10
	case 1:
		return 7
	case 2:
		return 4
	default:
		return 2
	}
}

// Ranked is one scored candidate.
type Ranked struct {
	Driver    models.Driver
	Breakdown Breakdown
}

// PickBest scores every candidate and returns the strict maximum. Ties
// go to the first candidate in iteration order. ok is false when the
// candidate list is empty; that is a normal outcome, not an error.
func PickBest(trip models.Trip, candidates []models.Driver, workloads map[string]int, perfs map[string]models.DriverPerformance, w models.Weights, now time.Time) (Ranked, bool) {
	var best Ranked
	found := false
	for _, d := range candidates {
		var p *models.DriverPerformance
		if dp, ok := perfs[d.ID]; ok {
			p = &dp
		}
		b := Score(trip, d, workloads[d.ID], p, w, now)
		if !found || b.Total > best.Breakdown.Total {
			best = Ranked{Driver: d, Breakdown: b}
			found = true
		}
	}
	return best, found
}
