package notification

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindBookingConfirmed Kind = "booking_confirmed"
	KindPaymentFailed    Kind = "payment_failed"
	KindPayoutSent       Kind = "payout_sent"
)

// Message is a lifecycle notice published after a booking state change.
// Delivery is best effort: a lost notice never blocks or rolls back the
// state change that produced it.
type Message struct {
	Kind       Kind         `json:"kind"`
	BookingID  snowflake.ID `json:"booking_id"`
	ProviderID snowflake.ID `json:"provider_id"`
	CustomerID snowflake.ID `json:"customer_id"`
	Amount     int64        `json:"amount"`
	Currency   string       `json:"currency"`
	Reason     string       `json:"reason,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Dispatcher accepts notices for asynchronous delivery. Notify returns as
// soon as the notice is enqueued.
type Dispatcher interface {
	Notify(ctx context.Context, msg Message)
}
