package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/example/nemt-dispatch/internal/models"
)

var testNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func coord(lat, lon float64) *models.Coord { return &models.Coord{Lat: lat, Lon: lon} }

func TestWorkloadScoreClampedAtZero(t *testing.T) {
	for w := 5; w <= 12; w++ {
		if got := workloadScore(w); got != 0 {
			t.Fatalf("workload %d: score = %f, want 0", w, got)
		}
	}
	if got := workloadScore(0); got != 10 {
		t.Fatalf("idle driver score = %f, want 10", got)
	}
	if got := workloadScore(3); got != 4 {
		t.Fatalf("workload 3 score = %f, want 4", got)
	}
}

func TestAvailabilityScoreNonIncreasing(t *testing.T) {
	valid := map[float64]bool{10: true, 7: true, 4: true, 2: true}
	prev := math.Inf(1)
	for w := 0; w <= 6; w++ {
		s := availabilityScore(w)
		if !valid[s] {
			t.Fatalf("workload %d: availability %f not in {10,7,4,2}", w, s)
		}
		if s > prev {
			t.Fatalf("availability increased at workload %d", w)
		}
		prev = s
	}
}

func TestDistanceScoreDecreasingAndClamped(t *testing.T) {
	trip := models.Trip{Pickup: coord(40.0, -74.0)}
	prev := math.Inf(1)
	// walk north; each 0.05 deg of latitude is ~3.5 miles
	for i := 0; i <= 8; i++ {
		d := models.Driver{Loc: coord(40.0+float64(i)*0.05, -74.0)}
		s := distanceScore(trip, d)
		if s >= prev {
			t.Fatalf("distance score not strictly decreasing at step %d: %f >= %f", i, s, prev)
		}
		prev = s
	}
	if got := distanceScore(trip, models.Driver{Loc: coord(40.0, -74.0)}); got != 10 {
		t.Fatalf("zero distance score = %f, want 10", got)
	}
	// ~69 miles away, well past the 30-mile cutoff
	if got := distanceScore(trip, models.Driver{Loc: coord(41.0, -74.0)}); got != 0 {
		t.Fatalf("far driver score = %f, want 0", got)
	}
}

func TestDistanceScoreDefaults(t *testing.T) {
	withPickup := models.Trip{Pickup: coord(40, -74)}
	if got := distanceScore(withPickup, models.Driver{}); got != 3 {
		t.Fatalf("no driver location: score = %f, want 3", got)
	}
	noPickup := models.Trip{}
	if got := distanceScore(noPickup, models.Driver{Loc: coord(40, -74)}); got != 5 {
		t.Fatalf("no pickup location: score = %f, want 5", got)
	}
}

func TestPerformanceScoreNeedsHistory(t *testing.T) {
	if got := performanceScore(nil); got != 5 {
		t.Fatalf("nil performance: score = %f, want 5", got)
	}
	thin := &models.DriverPerformance{TotalTrips: 5, OnTimeRate: 1, AverageRating: 5}
	if got := performanceScore(thin); got != 5 {
		t.Fatalf("5 trips is not enough history: score = %f, want 5", got)
	}
	perfect := &models.DriverPerformance{TotalTrips: 50, OnTimeRate: 1, AverageRating: 5, CancellationRate: 0}
	if got := performanceScore(perfect); math.Abs(got-10) > 1e-9 {
		t.Fatalf("perfect record: score = %f, want 10", got)
	}
}

func TestScoreIdleNearbyDriver(t *testing.T) {
	// idle driver at the pickup point, no hire date, no history:
	// 10*.30 + 10*.25 + 5*.20 + 5*.15 + 10*.10 = 8.25
	trip := models.Trip{Pickup: coord(40.0, -74.0)}
	d := models.Driver{ID: "d1", Loc: coord(40.0, -74.0)}
	b := Score(trip, d, 0, nil, models.DefaultWeights(), testNow)
	if b.Workload != 10 || b.Distance != 10 || b.Experience != 5 || b.Performance != 5 || b.Availability != 10 {
		t.Fatalf("sub-scores = %+v", b)
	}
	if math.Abs(b.Total-8.25) > 1e-9 {
		t.Fatalf("total = %f, want 8.25", b.Total)
	}
}

func TestDominanceOrdersTotals(t *testing.T) {
	trip := models.Trip{Pickup: coord(40.0, -74.0)}
	hiredLong := testNow.AddDate(-3, 0, 0)
	strong := models.Driver{ID: "a", Loc: coord(40.0, -74.0), HiredAt: &hiredLong}
	weak := models.Driver{ID: "b", Loc: coord(40.2, -74.0)}
	perfs := map[string]models.DriverPerformance{
		"a": {TotalTrips: 40, OnTimeRate: 0.95, AverageRating: 4.5, CancellationRate: 0.02},
		"b": {TotalTrips: 40, OnTimeRate: 0.50, AverageRating: 4.5, CancellationRate: 0.30},
	}
	weights := []models.Weights{
		models.DefaultWeights(),
		{Workload: 1, Distance: 1, Experience: 1, Performance: 1, Availability: 1},
		{Distance: 100},
		{Workload: 50, Availability: 50},
	}
	for _, w := range weights {
		pa := perfs["a"]
		pb := perfs["b"]
		sa := Score(trip, strong, 0, &pa, w, testNow)
		sb := Score(trip, weak, 2, &pb, w, testNow)
		if sa.Total < sb.Total {
			t.Fatalf("weights %+v: dominated driver won (%f < %f)", w, sa.Total, sb.Total)
		}
	}
}

func TestPickBest(t *testing.T) {
	trip := models.Trip{Pickup: coord(40.0, -74.0)}
	near := models.Driver{ID: "near", Loc: coord(40.0, -74.0)}
	far := models.Driver{ID: "far", Loc: coord(40.5, -74.0)}
	best, ok := PickBest(trip, []models.Driver{far, near}, nil, nil, models.DefaultWeights(), testNow)
	if !ok {
		t.Fatal("expected a winner")
	}
	if best.Driver.ID != "near" {
		t.Fatalf("winner = %s, want near", best.Driver.ID)
	}

	if _, ok := PickBest(trip, nil, nil, nil, models.DefaultWeights(), testNow); ok {
		t.Fatal("empty candidate list must report no driver")
	}
}

func TestPickBestFirstWinsOnTie(t *testing.T) {
	trip := models.Trip{Pickup: coord(40.0, -74.0)}
	a := models.Driver{ID: "a", Loc: coord(40.0, -74.0)}
	b := models.Driver{ID: "b", Loc: coord(40.0, -74.0)}
	best, ok := PickBest(trip, []models.Driver{a, b}, nil, nil, models.DefaultWeights(), testNow)
	if !ok || best.Driver.ID != "a" {
		t.Fatalf("tie should go to the first candidate, got %s", best.Driver.ID)
	}
}
