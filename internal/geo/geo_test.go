package geo

import (
	"math"
	"testing"
	"time"
)

func TestMilesZero(t *testing.T) {
	d := Miles(40.0, -74.0, 40.0, -74.0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestMilesOneDegreeLatitude(t *testing.T) {
	// one degree of latitude is ~69.1 miles
	d := Miles(40.0, -74.0, 41.0, -74.0)
	if math.Abs(d-69.1) > 0.5 {
		t.Fatalf("expected ~69.1 miles, got %f", d)
	}
}

func TestPositionFresh(t *testing.T) {
	now := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		updated time.Time
		known   bool
		maxAge  time.Duration
		want    bool
	}{
		{"recent", now.Add(-time.Minute), true, DefaultPositionMaxAge, true},
		{"at cutoff", now.Add(-DefaultPositionMaxAge), true, DefaultPositionMaxAge, true},
		{"stale", now.Add(-time.Hour), true, DefaultPositionMaxAge, false},
		{"unknown age passes", time.Time{}, false, DefaultPositionMaxAge, true},
		{"aging disabled", now.Add(-time.Hour), true, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := positionFresh(tc.updated, tc.known, now, tc.maxAge); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
