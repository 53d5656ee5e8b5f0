package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/sessionlane/paylane/internal/booking/domain"
	"github.com/sessionlane/paylane/internal/clock"
	"gorm.io/gorm"
)

type repo struct {
	clock clock.Clock
}

func Provide(clk clock.Clock) domain.Repository {
	return &repo{clock: clk}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, booking *domain.Booking) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO bookings (
			id, provider_id, customer_id, payment_intent_id, transfer_id,
			amount, currency, platform_fee, provider_net,
			status, payment_status, session_end_at,
			created_at, updated_at,
			payment_confirmed_at, payout_scheduled_at, payout_executed_at,
			payout_schedule_id, failure_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		booking.ID,
		booking.ProviderID,
		booking.CustomerID,
		booking.PaymentIntentID,
		booking.TransferID,
		booking.Amount,
		booking.Currency,
		booking.PlatformFee,
		booking.ProviderNet,
		booking.Status,
		booking.PaymentStatus,
		booking.SessionEndAt,
		booking.CreatedAt,
		booking.UpdatedAt,
		booking.PaymentConfirmedAt,
		booking.PayoutScheduledAt,
		booking.PayoutExecutedAt,
		booking.PayoutScheduleID,
		booking.FailureReason,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Booking, error) {
	var item domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM bookings WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, intentID string) (*domain.Booking, error) {
	var item domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM bookings WHERE payment_intent_id = ? LIMIT 1`,
		intentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// Transition is the check-and-set primitive. The UPDATE carries the expected
// source status in its WHERE clause, so two workers racing on the same
// booking serialize on the row and the loser observes zero affected rows.
// Different booking ids never contend.
func (r *repo) Transition(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	from []domain.Status,
	apply func(*domain.Booking),
) (*domain.Booking, error) {

	var result *domain.Booking
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current domain.Booking
		if err := tx.Raw(
			`SELECT * FROM bookings WHERE id = ? LIMIT 1`,
			id,
		).Scan(&current).Error; err != nil {
			return err
		}
		if current.ID == 0 {
			return domain.ErrNotFound
		}
		if !statusIn(current.Status, from) {
			return domain.ErrConflict
		}

		expected := current.Status
		apply(&current)
		current.UpdatedAt = r.clock.Now()

		res := tx.Exec(
			`UPDATE bookings SET
				payment_intent_id = ?, transfer_id = ?,
				platform_fee = ?, provider_net = ?,
				status = ?, payment_status = ?,
				updated_at = ?,
				payment_confirmed_at = ?, payout_scheduled_at = ?, payout_executed_at = ?,
				payout_schedule_id = ?, failure_reason = ?
			 WHERE id = ? AND status = ?`,
			current.PaymentIntentID,
			current.TransferID,
			current.PlatformFee,
			current.ProviderNet,
			current.Status,
			current.PaymentStatus,
			current.UpdatedAt,
			current.PaymentConfirmedAt,
			current.PayoutScheduledAt,
			current.PayoutExecutedAt,
			current.PayoutScheduleID,
			current.FailureReason,
			id,
			expected,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrConflict
		}
		result = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func statusIn(status domain.Status, set []domain.Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
