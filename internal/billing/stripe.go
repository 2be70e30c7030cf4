// Package billing places a fare hold when a trip is assigned and
// releases it when the assignment is undone. Holds are best-effort
// bookkeeping for the dispatcher's billing flow; they never block an
// assignment.
package billing

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/nemt-dispatch/internal/models"
)

// StripeFares wraps stripe-go PaymentIntent hold/cancel flows.
type StripeFares struct {
	AmountCents int64
	Currency    string
}

// NewStripeFares initializes the stripe client with the STRIPE_API_KEY
// env var.
func NewStripeFares(amountCents int64, currency string) *StripeFares {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeFares{AmountCents: amountCents, Currency: currency}
}

// HoldFare creates a PaymentIntent with capture_method=manual to hold
// the base fare for a trip. It returns the PaymentIntent ID.
func (s *StripeFares) HoldFare(ctx context.Context, trip models.Trip) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(s.AmountCents),
		Currency: stripe.String(s.Currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("trip_id", trip.ID)
	params.AddMetadata("patient_id", trip.PatientID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// ReleaseFare cancels a previously-held PaymentIntent.
func (s *StripeFares) ReleaseFare(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
