package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sessionlane/paylane/internal/booking/domain"
	"github.com/sessionlane/paylane/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("booking.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetBooking(ctx context.Context, id string) (domain.BookingView, error) {
	bookingID, err := parseID(id)
	if err != nil {
		return domain.BookingView{}, domain.ErrNotFound
	}

	booking, err := s.repo.FindByID(ctx, s.db, bookingID)
	if err != nil {
		return domain.BookingView{}, err
	}
	if booking == nil {
		return domain.BookingView{}, domain.ErrNotFound
	}

	return domain.BookingView{
		ID:            booking.ID,
		Status:        booking.Status,
		PaymentStatus: booking.PaymentStatus,
		PayoutState: domain.PayoutState{
			ScheduleID:  booking.PayoutScheduleID,
			TransferID:  booking.TransferID,
			ScheduledAt: booking.PayoutScheduledAt,
			ExecutedAt:  booking.PayoutExecutedAt,
		},
	}, nil
}

// CompleteBooking marks a confirmed session as delivered. The payout sweep
// accepts both confirmed and completed, so this is informational for payout
// purposes but authoritative for the marketplace.
func (s *Service) CompleteBooking(ctx context.Context, id string) error {
	bookingID, err := parseID(id)
	if err != nil {
		return domain.ErrNotFound
	}

	now := s.now()
	_, err = s.repo.Transition(ctx, s.db, bookingID,
		[]domain.Status{domain.StatusConfirmed},
		func(b *domain.Booking) {
			b.Status = domain.StatusCompleted
		},
	)
	if err != nil {
		return err
	}

	s.log.Info("booking completed",
		zap.String("booking_id", bookingID.String()),
		zap.Time("completed_at", now),
	)
	return nil
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}
