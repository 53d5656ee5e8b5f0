package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrStaleEvent            = errors.New("stale_event")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)

// Kind is the closed set of processor event kinds this engine acts on.
// Anything else decodes to KindUnknown and is acknowledged-ignored, so a new
// processor event type can never fail the webhook.
type Kind string

const (
	KindPaymentSucceeded Kind = "payment_succeeded"
	KindPaymentFailed    Kind = "payment_failed"
	KindPaymentCanceled  Kind = "payment_canceled"
	KindAccountUpdated   Kind = "account_updated"
	KindTransferCreated  Kind = "transfer_created"
	KindUnknown          Kind = "unknown"
)

// KindFromType maps the processor's wire event type onto the closed enum.
func KindFromType(eventType string) Kind {
	switch strings.TrimSpace(eventType) {
	case "payment_intent.succeeded":
		return KindPaymentSucceeded
	case "payment_intent.payment_failed":
		return KindPaymentFailed
	case "payment_intent.canceled":
		return KindPaymentCanceled
	case "account.updated":
		return KindAccountUpdated
	case "transfer.created":
		return KindTransferCreated
	default:
		return KindUnknown
	}
}

// Event is the canonical decoded webhook event. Only the fields relevant to
// the event's kind are populated.
type Event struct {
	ID        string
	Kind      Kind
	Type      string
	CreatedAt time.Time

	// payment_* events
	PaymentIntentID string
	Amount          int64
	Currency        string
	FailureReason   string

	// account_updated
	AccountID        string
	ProviderID       snowflake.ID
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool

	// transfer_created
	TransferID string
	Reference  string

	RawPayload []byte
}

// Outcome records what the dispatcher did with a ledger entry.
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
	OutcomeIgnored = "ignored"
)

// EventRecord is a row in the dedup ledger. The unique constraint on
// event_id is what turns at-least-once delivery into exactly-once effects.
type EventRecord struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventID     string         `json:"event_id" gorm:"type:text;not null;uniqueIndex"`
	EventType   string         `json:"event_type" gorm:"type:text;not null"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null;index"`
	ProcessedAt *time.Time     `json:"processed_at"`
	Outcome     string         `json:"outcome" gorm:"type:text"`
}

func (EventRecord) TableName() string { return "webhook_events" }

type Repository interface {
	// InsertEvent returns false when the event id was already present.
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, eventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time, outcome string) error
	// PurgeOlderThan drops processed ledger rows past the retention
	// window; the window only needs to outlive the processor's maximum
	// redelivery interval.
	PurgeOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

// Service is the single entry point for webhook ingestion.
type Service interface {
	Ingest(ctx context.Context, payload []byte, signatureHeader string) error
}
