package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sessionlane/paylane/internal/account/domain"
	"github.com/sessionlane/paylane/internal/clock"
	"github.com/sessionlane/paylane/internal/processor"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Processor processor.Client `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	processor processor.Client
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("account.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		processor: p.Processor,
	}
}

func (s *Service) Upsert(ctx context.Context, accountID string, providerID snowflake.ID, flags domain.Flags) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.ErrInvalidAccount
	}

	now := s.clock.Now()
	account := &domain.ConnectedAccount{
		ID:               s.genID.Generate(),
		ProviderID:       providerID,
		AccountID:        accountID,
		DetailsSubmitted: flags.DetailsSubmitted,
		ChargesEnabled:   flags.ChargesEnabled,
		PayoutsEnabled:   flags.PayoutsEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Upsert(ctx, s.db, account); err != nil {
		return err
	}

	s.log.Info("connected account updated",
		zap.String("account_id", accountID),
		zap.Bool("details_submitted", flags.DetailsSubmitted),
		zap.Bool("charges_enabled", flags.ChargesEnabled),
		zap.Bool("payouts_enabled", flags.PayoutsEnabled),
	)
	return nil
}

func (s *Service) Get(ctx context.Context, accountID string) (*domain.ConnectedAccount, error) {
	account, err := s.repo.FindByAccountID(ctx, s.db, strings.TrimSpace(accountID))
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrNotFound
	}
	return account, nil
}

func (s *Service) Refresh(ctx context.Context, accountID string) (*domain.ConnectedAccount, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccount
	}
	if s.processor == nil {
		return nil, processor.ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	remote, err := s.processor.RetrieveAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByAccountID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	var providerID snowflake.ID
	if existing != nil {
		providerID = existing.ProviderID
	}

	if err := s.Upsert(ctx, accountID, providerID, domain.Flags{
		DetailsSubmitted: remote.DetailsSubmitted,
		ChargesEnabled:   remote.ChargesEnabled,
		PayoutsEnabled:   remote.PayoutsEnabled,
	}); err != nil {
		return nil, err
	}

	return s.Get(ctx, accountID)
}
