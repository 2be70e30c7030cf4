package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/nemt-dispatch/internal/models"
	"github.com/example/nemt-dispatch/internal/workload"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripColumns = `id, patient_id, pickup_address, pickup_lat, pickup_lon, dropoff_address,
	dropoff_lat, dropoff_lon, scheduled_pickup, actual_pickup, status, driver_id, mobility,
	auto_scheduled, auto_scheduled_at, auto_scheduled_by, assigned_at`

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id)
	t, err := scanTrip(row)
	if err == sql.ErrNoRows {
		return models.Trip{}, ErrTripNotFound
	}
	return t, err
}

func (p *PostgresStore) ListUnscheduled(ctx context.Context, limit int) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE driver_id IS NULL AND status IN ('pending','scheduled')
		ORDER BY scheduled_pickup ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrips(rows)
}

func (p *PostgresStore) ListActiveAssignments(ctx context.Context) ([]workload.ActiveAssignment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, status FROM trips
		WHERE driver_id IS NOT NULL AND status IN ('assigned','active','picked_up')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]workload.ActiveAssignment, 0)
	for rows.Next() {
		var a workload.ActiveAssignment
		if err := rows.Scan(&a.DriverID, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListHistory(ctx context.Context) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE driver_id IS NOT NULL ORDER BY scheduled_pickup ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrips(rows)
}

func (p *PostgresStore) UpdateAssignment(ctx context.Context, tripID string, upd AssignmentUpdate) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips
		SET driver_id=$1, status=$2, auto_scheduled=$3, auto_scheduled_at=$4, auto_scheduled_by=$5, assigned_at=$6
		WHERE id=$7`,
		upd.DriverID, upd.Status, upd.AutoScheduled, upd.AutoScheduledAt, upd.AutoScheduledBy, upd.AssignedAt, tripID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTripNotFound
	}
	return nil
}

func (p *PostgresStore) BulkRevertByBatch(ctx context.Context, batchTS time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips
		SET driver_id=NULL, status='pending', auto_scheduled=FALSE,
		    auto_scheduled_at=NULL, auto_scheduled_by=NULL, assigned_at=NULL
		WHERE auto_scheduled_at=$1`, batchTS)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) FindRecentBatchTimestamp(ctx context.Context, since time.Time) (*time.Time, error) {
	var ts sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT MAX(auto_scheduled_at) FROM trips
		WHERE auto_scheduled_at >= $1`, since).Scan(&ts)
	if err != nil {
		return nil, err
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

func (p *PostgresStore) ListActiveDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, current_lat, current_lon, phone, hired_at
		FROM drivers WHERE status='active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Driver, 0)
	for rows.Next() {
		var d models.Driver
		var lat, lon sql.NullFloat64
		var phone sql.NullString
		var hired sql.NullTime
		if err := rows.Scan(&d.ID, &d.Name, &lat, &lon, &phone, &hired); err != nil {
			return nil, err
		}
		d.Active = true
		if lat.Valid && lon.Valid {
			d.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
		}
		if phone.Valid {
			d.Phone = phone.String
		}
		if hired.Valid {
			h := hired.Time
			d.HiredAt = &h
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (models.Trip, error) {
	var t models.Trip
	var pLat, pLon, dLat, dLon sql.NullFloat64
	var actual, autoAt, assignedAt sql.NullTime
	var driverID, autoBy, mobility sql.NullString
	err := row.Scan(&t.ID, &t.PatientID, &t.PickupAddress, &pLat, &pLon, &t.DropoffAddress,
		&dLat, &dLon, &t.ScheduledPickup, &actual, &t.Status, &driverID, &mobility,
		&t.AutoScheduled, &autoAt, &autoBy, &assignedAt)
	if err != nil {
		return models.Trip{}, err
	}
	if pLat.Valid && pLon.Valid {
		t.Pickup = &models.Coord{Lat: pLat.Float64, Lon: pLon.Float64}
	}
	if dLat.Valid && dLon.Valid {
		t.Dropoff = &models.Coord{Lat: dLat.Float64, Lon: dLon.Float64}
	}
	if actual.Valid {
		a := actual.Time
		t.ActualPickup = &a
	}
	if driverID.Valid {
		id := driverID.String
		t.DriverID = &id
	}
	if mobility.Valid {
		t.Mobility = mobility.String
	}
	if autoAt.Valid {
		a := autoAt.Time
		t.AutoScheduledAt = &a
	}
	if autoBy.Valid {
		b := autoBy.String
		t.AutoScheduledBy = &b
	}
	if assignedAt.Valid {
		a := assignedAt.Time
		t.AssignedAt = &a
	}
	return t, nil
}

func scanTrips(rows *sql.Rows) ([]models.Trip, error) {
	out := make([]models.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
