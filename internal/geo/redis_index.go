package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/nemt-dispatch/internal/models"
)

// DefaultPositionMaxAge bounds how old a live position may be before
// Locate stops reporting it and the scorer falls back to the drivers
// table.
const DefaultPositionMaxAge = 5 * time.Minute

// RedisIndex keeps live driver positions in a Redis GEO set so the
// scorer can see a fresher location than the drivers table carries.
type RedisIndex struct {
	client *redis.Client
	key    string

	// MaxAge is the staleness cutoff for Locate. Zero disables aging.
	MaxAge time.Duration

	now func() time.Time
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisIndexWithClient(c, key)
}

// NewRedisIndexWithClient wraps an existing client; used when the
// caller shares one connection pool across subsystems.
func NewRedisIndexWithClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key, MaxAge: DefaultPositionMaxAge, now: time.Now}
}

func (r *RedisIndex) Upsert(ctx context.Context, loc models.DriverLocation) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: loc.Loc.Lon,
		Latitude:  loc.Loc.Lat,
		Name:      loc.DriverID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(loc.DriverID), map[string]interface{}{
		"updated": loc.RecordedAt.Format(time.RFC3339),
	}).Err()
}

// Locate returns the last known live position for a driver, if any.
// Positions older than MaxAge are treated as missing.
func (r *RedisIndex) Locate(ctx context.Context, driverID string) (models.Coord, bool) {
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.Coord{}, false
	}
	updated, known := r.LastUpdate(ctx, driverID)
	if !positionFresh(updated, known, r.now(), r.MaxAge) {
		return models.Coord{}, false
	}
	return models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}, true
}

// positionFresh decides whether a position with the given recorded-at
// time is still usable. Entries with no readable metadata pass, so a
// missing meta hash never hides a position.
func positionFresh(updated time.Time, known bool, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 || !known {
		return true
	}
	return now.Sub(updated) <= maxAge
}

// LastUpdate reads the recorded-at metadata for a driver position.
func (r *RedisIndex) LastUpdate(ctx context.Context, driverID string) (time.Time, bool) {
	v, err := r.client.HGet(ctx, metaKey(driverID), "updated").Result()
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (r *RedisIndex) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisIndex) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:pos:" + id }
