package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Status is the authoritative booking lifecycle state. It is owned
// exclusively by the booking store; every other component proposes
// transitions which the store accepts or rejects.
type Status string

const (
	StatusPendingPayment   Status = "pending_payment"
	StatusConfirmed        Status = "confirmed"
	StatusCompleted        Status = "completed"
	StatusPayoutScheduled  Status = "payout_scheduled"
	StatusPayoutExecuting  Status = "payout_executing"
	StatusPayoutReconciled Status = "payout_reconciled"
	StatusPaymentFailed    Status = "payment_failed"
	StatusCancelled        Status = "cancelled"
)

// PaymentStatus tracks only the charge lifecycle, independent of the
// booking status. Exactly one terminal value is ever set.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCaptured  PaymentStatus = "captured"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

var (
	ErrNotFound        = errors.New("booking_not_found")
	ErrConflict        = errors.New("booking_status_conflict")
	ErrInvalidBooking  = errors.New("invalid_booking")
	ErrInvalidCurrency = errors.New("invalid_currency")
)

// Booking is a purchased coaching session between a customer and a provider.
type Booking struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	ProviderID      snowflake.ID `json:"provider_id" gorm:"not null;index"`
	CustomerID      snowflake.ID `json:"customer_id" gorm:"not null;index"`
	PaymentIntentID *string      `json:"payment_intent_id" gorm:"type:text;uniqueIndex"`
	TransferID      *string      `json:"transfer_id" gorm:"type:text"`

	Amount      int64  `json:"amount" gorm:"not null"`
	Currency    string `json:"currency" gorm:"type:text;not null"`
	PlatformFee int64  `json:"platform_fee"`
	ProviderNet int64  `json:"provider_net"`

	Status        Status        `json:"status" gorm:"type:text;not null;index"`
	PaymentStatus PaymentStatus `json:"payment_status" gorm:"type:text;not null"`

	SessionEndAt       time.Time     `json:"session_end_at" gorm:"not null"`
	CreatedAt          time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time     `json:"updated_at" gorm:"not null"`
	PaymentConfirmedAt *time.Time    `json:"payment_confirmed_at"`
	PayoutScheduledAt  *time.Time    `json:"payout_scheduled_at"`
	PayoutExecutedAt   *time.Time    `json:"payout_executed_at"`
	PayoutScheduleID   *snowflake.ID `json:"payout_schedule_id" gorm:"index"`

	FailureReason *string `json:"failure_reason" gorm:"type:text"`
}

func (Booking) TableName() string { return "bookings" }

// Terminal reports whether the booking can never leave its current status.
func (b *Booking) Terminal() bool {
	switch b.Status {
	case StatusPaymentFailed, StatusCancelled, StatusPayoutReconciled:
		return true
	default:
		return false
	}
}

// Repository is the system of record for bookings. Transition performs the
// compare-and-set primitive: the mutation is applied only when the current
// status is one of from, otherwise ErrConflict (row exists, status moved on)
// or ErrNotFound is returned. Callers treat both as no-ops, never as
// retryable failures.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, booking *Booking) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Booking, error)
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, intentID string) (*Booking, error)
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, apply func(*Booking)) (*Booking, error)
}

// BookingView is the read-only projection exposed to dashboards.
type BookingView struct {
	ID            snowflake.ID  `json:"id"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PayoutState   PayoutState   `json:"payout_state"`
}

// PayoutState summarizes payout bookkeeping for a booking.
type PayoutState struct {
	ScheduleID  *snowflake.ID `json:"schedule_id"`
	TransferID  *string       `json:"transfer_id"`
	ScheduledAt *time.Time    `json:"scheduled_at"`
	ExecutedAt  *time.Time    `json:"executed_at"`
}

// Service is the read surface consumed by presentation layers.
type Service interface {
	GetBooking(ctx context.Context, id string) (BookingView, error)
	CompleteBooking(ctx context.Context, id string) error
}
