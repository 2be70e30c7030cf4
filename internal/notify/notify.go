// Package notify delivers assignment notifications to drivers. All
// delivery is best-effort; the scheduler never fails an assignment
// because a notification could not be sent.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/nemt-dispatch/internal/models"
)

// Assignment is the payload a driver receives when a trip is pinned to
// them.
type Assignment struct {
	TripID          string    `json:"trip_id"`
	PickupAddress   string    `json:"pickup_address"`
	ScheduledPickup time.Time `json:"scheduled_pickup"`
	Mobility        string    `json:"mobility,omitempty"`
}

// Dispatcher tries the driver's live WebSocket session first and falls
// back to an HTTP push endpoint when one is configured.
type Dispatcher struct {
	WS       *WSRegistry
	Endpoint string
	Client   *http.Client
}

func NewDispatcher(ws *WSRegistry, endpoint string) *Dispatcher {
	return &Dispatcher{WS: ws, Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (d *Dispatcher) NotifyTripAssigned(ctx context.Context, trip models.Trip, driver models.Driver) error {
	payload := Assignment{
		TripID:          trip.ID,
		PickupAddress:   trip.PickupAddress,
		ScheduledPickup: trip.ScheduledPickup,
		Mobility:        trip.Mobility,
	}
	if d.WS != nil {
		if err := d.WS.Send(driver.ID, payload); err == nil {
			return nil
		}
	}
	if d.Endpoint == "" {
		return ErrNoSession
	}
	body, _ := json.Marshal(map[string]any{"driver_id": driver.ID, "assignment": payload})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
