package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("account_not_found")
	ErrInvalidAccount = errors.New("invalid_account")
)

// ConnectedAccount mirrors the provider's payout destination as last seen
// from the processor. The three flags are independently flippable over time;
// local state is a last-write-wins copy, never a source of truth.
type ConnectedAccount struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	ProviderID snowflake.ID `json:"provider_id" gorm:"index"`
	AccountID  string       `json:"account_id" gorm:"type:text;not null;uniqueIndex"`

	DetailsSubmitted bool `json:"details_submitted"`
	ChargesEnabled   bool `json:"charges_enabled"`
	PayoutsEnabled   bool `json:"payouts_enabled"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (ConnectedAccount) TableName() string { return "connected_accounts" }

// Flags is the tri-state snapshot carried by account_updated events.
type Flags struct {
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, account *ConnectedAccount) error
	FindByAccountID(ctx context.Context, db *gorm.DB, accountID string) (*ConnectedAccount, error)
	FindByProviderID(ctx context.Context, db *gorm.DB, providerID snowflake.ID) (*ConnectedAccount, error)
}

type Service interface {
	// Upsert overwrites the flags for the external account id, creating
	// the local record on first sight.
	Upsert(ctx context.Context, accountID string, providerID snowflake.ID, flags Flags) error
	Get(ctx context.Context, accountID string) (*ConnectedAccount, error)
	// Refresh pulls the current flags from the processor and stores them.
	// The outbound call is bounded by a timeout; a timeout is a retryable
	// failure, not a state change.
	Refresh(ctx context.Context, accountID string) (*ConnectedAccount, error)
}
