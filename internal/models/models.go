package models

import (
	"time"

	"github.com/google/uuid"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type TripStatus string

const (
	StatusPending   TripStatus = "pending"
	StatusScheduled TripStatus = "scheduled"
	StatusAssigned  TripStatus = "assigned"
	StatusActive    TripStatus = "active"
	StatusPickedUp  TripStatus = "picked_up"
	StatusCompleted TripStatus = "completed"
	StatusCancelled TripStatus = "cancelled"
)

// InFlight reports whether a trip in this status counts toward a
// driver's current workload.
func (s TripStatus) InFlight() bool {
	return s == StatusAssigned || s == StatusActive || s == StatusPickedUp
}

type Trip struct {
	ID              string     `json:"id"`
	PatientID       string     `json:"patient_id"`
	PickupAddress   string     `json:"pickup_address"`
	Pickup          *Coord     `json:"pickup,omitempty"`
	DropoffAddress  string     `json:"dropoff_address"`
	Dropoff         *Coord     `json:"dropoff,omitempty"`
	ScheduledPickup time.Time  `json:"scheduled_pickup"`
	ActualPickup    *time.Time `json:"actual_pickup,omitempty"`
	Status          TripStatus `json:"status"`
	DriverID        *string    `json:"driver_id,omitempty"`
	Mobility        string     `json:"mobility,omitempty"` // e.g. "wheelchair"
	AutoScheduled   bool       `json:"auto_scheduled"`
	AutoScheduledAt *time.Time `json:"auto_scheduled_at,omitempty"`
	AutoScheduledBy *string    `json:"auto_scheduled_by,omitempty"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
}

// Unscheduled reports whether the trip is eligible for auto-assignment:
// no driver yet and still in a pre-assignment status.
func (t *Trip) Unscheduled() bool {
	return t.DriverID == nil && (t.Status == StatusPending || t.Status == StatusScheduled)
}

type Driver struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Active  bool       `json:"active"`
	Loc     *Coord     `json:"loc,omitempty"`
	Phone   string     `json:"phone,omitempty"`
	HiredAt *time.Time `json:"hired_at,omitempty"`
}

// DriverPerformance holds per-driver metrics derived from trip history.
type DriverPerformance struct {
	TotalTrips       int     `json:"total_trips"`
	OnTimeRate       float64 `json:"on_time_rate"`      // 0..1
	CancellationRate float64 `json:"cancellation_rate"` // 0..1
	AverageRating    float64 `json:"average_rating"`    // 0..5
	ExperienceMonths int     `json:"experience_months"` // 0 = unknown
}

// Weights are the five scoring factors, each a percentage. They need
// not sum to 100; the total score is a weighted sum, not a convex
// combination.
type Weights struct {
	Workload     float64 `json:"workload"`
	Distance     float64 `json:"distance"`
	Experience   float64 `json:"experience"`
	Performance  float64 `json:"performance"`
	Availability float64 `json:"availability"`
}

func DefaultWeights() Weights {
	return Weights{Workload: 30, Distance: 25, Experience: 20, Performance: 15, Availability: 10}
}

// AssignmentOutcome is one trip's result from a scheduling run.
type AssignmentOutcome struct {
	TripID     string `json:"trip_id"`
	Success    bool   `json:"success"`
	DriverID   string `json:"driver_id,omitempty"`
	DriverName string `json:"driver_name,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Batch identifies one auto-schedule run. The timestamp is the undo
// key stamped on every trip assigned in the run; the uuid exists for
// logs and metrics only.
type Batch struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Assigned  int       `json:"assigned"`
}

// DriverLocation is the wire shape for live driver position updates
// flowing through the ingest pipeline.
type DriverLocation struct {
	DriverID   string    `json:"driver_id"`
	Loc        Coord     `json:"loc"`
	RecordedAt time.Time `json:"recorded_at"`
}
