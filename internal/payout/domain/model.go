package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/sessionlane/paylane/internal/booking/domain"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusExecuting Status = "executing"
	StatusPaid      Status = "paid"
)

var (
	ErrNotFound = errors.New("payout_schedule_not_found")
	ErrConflict = errors.New("payout_schedule_conflict")
)

// PayoutSchedule is the durable intent to pay a provider their net for one
// booking. The unique constraint on booking_id is the no-double-payout
// guard: redelivered confirmations cannot mint a second schedule.
type PayoutSchedule struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	BookingID  snowflake.ID `json:"booking_id" gorm:"not null;uniqueIndex"`
	ProviderID snowflake.ID `json:"provider_id" gorm:"not null;index"`
	AccountID  *string      `json:"account_id" gorm:"type:text"`

	Amount   int64  `json:"amount" gorm:"not null"`
	Currency string `json:"currency" gorm:"type:text;not null"`

	Status     Status    `json:"status" gorm:"type:text;not null;index"`
	EligibleAt time.Time `json:"eligible_at" gorm:"not null;index"`

	TransferID *string `json:"transfer_id" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (PayoutSchedule) TableName() string { return "payout_schedules" }

type Repository interface {
	// Insert returns false when a schedule already exists for the booking.
	Insert(ctx context.Context, db *gorm.DB, schedule *PayoutSchedule) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PayoutSchedule, error)
	FindByBookingID(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*PayoutSchedule, error)
	// ListDue returns pending and blocked schedules whose eligible_at has
	// passed, oldest first, plus executing schedules with no transfer whose
	// claim has gone stale (a sweep crashed between claiming and calling
	// the processor). The stable idempotency key makes reclaiming safe.
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, staleBefore time.Time, limit int) ([]PayoutSchedule, error)
	// Transition is the schedule counterpart of the booking CAS: the
	// update applies only when status still matches from.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, apply func(*PayoutSchedule)) (*PayoutSchedule, error)
}

// Service owns payout intent end to end: creating schedules when payments
// capture, sweeping due ones into transfers, and settling them when the
// processor confirms.
type Service interface {
	// Schedule records payout intent for a captured booking. The schedule
	// starts blocked when the provider's account is missing or not payable.
	// Safe to call on redelivery; the existing schedule wins.
	Schedule(ctx context.Context, db *gorm.DB, booking *bookingdomain.Booking) (*PayoutSchedule, error)
	// AttemptDuePayouts is the sweep entry point invoked by the scheduler.
	AttemptDuePayouts(ctx context.Context) error
	// Reconcile settles schedules against a processor transfer
	// confirmation, inside the caller's transaction when db is non-nil.
	// It returns the reconciled booking, nil when the reference is
	// unmatched or the booking was already settled; neither is an error.
	Reconcile(ctx context.Context, db *gorm.DB, transferID string, reference string) (*bookingdomain.Booking, error)
}
