package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/sessionlane/paylane/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Upsert is last-write-wins on the three flags, keyed by external account id.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, account *domain.ConnectedAccount) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO connected_accounts (
			id, provider_id, account_id,
			details_submitted, charges_enabled, payouts_enabled,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			provider_id = CASE
				WHEN connected_accounts.provider_id = 0 THEN excluded.provider_id
				ELSE connected_accounts.provider_id
			END,
			details_submitted = excluded.details_submitted,
			charges_enabled = excluded.charges_enabled,
			payouts_enabled = excluded.payouts_enabled,
			updated_at = excluded.updated_at`,
		account.ID,
		account.ProviderID,
		account.AccountID,
		account.DetailsSubmitted,
		account.ChargesEnabled,
		account.PayoutsEnabled,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindByAccountID(ctx context.Context, db *gorm.DB, accountID string) (*domain.ConnectedAccount, error) {
	var item domain.ConnectedAccount
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM connected_accounts WHERE account_id = ? LIMIT 1`,
		accountID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, providerID snowflake.ID) (*domain.ConnectedAccount, error) {
	var item domain.ConnectedAccount
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM connected_accounts WHERE provider_id = ? LIMIT 1`,
		providerID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
