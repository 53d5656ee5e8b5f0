package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sessionlane/paylane/internal/clock"
	"github.com/sessionlane/paylane/internal/payout/domain"
	"gorm.io/gorm"
)

type repo struct {
	clock clock.Clock
}

func Provide(clk clock.Clock) domain.Repository {
	return &repo{clock: clk}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, schedule *domain.PayoutSchedule) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO payout_schedules (
			id, booking_id, provider_id, account_id,
			amount, currency, status, eligible_at, transfer_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (booking_id) DO NOTHING`,
		schedule.ID,
		schedule.BookingID,
		schedule.ProviderID,
		schedule.AccountID,
		schedule.Amount,
		schedule.Currency,
		schedule.Status,
		schedule.EligibleAt,
		schedule.TransferID,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PayoutSchedule, error) {
	var item domain.PayoutSchedule
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payout_schedules WHERE id = ? LIMIT 1`,
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

func (r *repo) FindByBookingID(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*domain.PayoutSchedule, error) {
	var item domain.PayoutSchedule
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payout_schedules WHERE booking_id = ? LIMIT 1`,
		bookingID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, staleBefore time.Time, limit int) ([]domain.PayoutSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []domain.PayoutSchedule
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payout_schedules
		 WHERE (status IN (?, ?) AND eligible_at <= ?)
		    OR (status = ? AND transfer_id IS NULL AND updated_at < ?)
		 ORDER BY eligible_at ASC
		 LIMIT ?`,
		domain.StatusPending,
		domain.StatusBlocked,
		now,
		domain.StatusExecuting,
		staleBefore,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Transition(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	from []domain.Status,
	apply func(*domain.PayoutSchedule),
) (*domain.PayoutSchedule, error) {

	var result *domain.PayoutSchedule
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current domain.PayoutSchedule
		if err := tx.Raw(
			`SELECT * FROM payout_schedules WHERE id = ? LIMIT 1`,
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
			`UPDATE payout_schedules SET
				account_id = ?, status = ?, transfer_id = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			current.AccountID,
			current.Status,
			current.TransferID,
			current.UpdatedAt,
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
