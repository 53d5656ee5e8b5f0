package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/sessionlane/paylane/internal/account/domain"
	bookingdomain "github.com/sessionlane/paylane/internal/booking/domain"
	"github.com/sessionlane/paylane/internal/clock"
	"github.com/sessionlane/paylane/internal/config"
	"github.com/sessionlane/paylane/internal/observability/metrics"
	"github.com/sessionlane/paylane/internal/payout/domain"
	"github.com/sessionlane/paylane/internal/processor"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sweepBatchSize = 100

	// An executing schedule with no transfer older than this is a crashed
	// sweep's orphan; the next sweep reclaims it.
	reclaimExecutingAfter = 10 * time.Minute
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Policy    *config.PayoutPolicyHolder
	Repo      domain.Repository
	Bookings  bookingdomain.Repository
	Accounts  accountdomain.Repository
	Processor processor.Client `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	policy    *config.PayoutPolicyHolder
	repo      domain.Repository
	bookings  bookingdomain.Repository
	accounts  accountdomain.Repository
	processor processor.Client
	metrics   *metrics.EngineMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payout.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		policy:    p.Policy,
		repo:      p.Repo,
		bookings:  p.Bookings,
		accounts:  p.Accounts,
		processor: p.Processor,
		metrics:   metrics.Engine(),
	}
}

// Schedule records payout intent for a booking whose payment just captured.
// Eligibility is session end plus the holding period; the fee split was
// already stamped on the booking. A provider whose account is missing or not
// payable still gets a schedule, born blocked so the sweep surfaces it once
// the account becomes payable. Uses the caller's transaction handle so
// intent lands atomically with the booking confirmation.
func (s *Service) Schedule(ctx context.Context, db *gorm.DB, booking *bookingdomain.Booking) (*domain.PayoutSchedule, error) {
	if db == nil {
		db = s.db
	}

	status := domain.StatusPending
	account, err := s.accounts.FindByProviderID(ctx, db, booking.ProviderID)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.PayoutsEnabled {
		status = domain.StatusBlocked
	}

	now := s.clock.Now()
	schedule := &domain.PayoutSchedule{
		ID:         s.genID.Generate(),
		BookingID:  booking.ID,
		ProviderID: booking.ProviderID,
		Amount:     booking.ProviderNet,
		Currency:   booking.Currency,
		Status:     status,
		EligibleAt: booking.SessionEndAt.Add(s.policy.Get().HoldingPeriod()),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	inserted, err := s.repo.Insert(ctx, db, schedule)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindByBookingID(ctx, db, booking.ID)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}

	s.log.Info("payout scheduled",
		zap.Int64("schedule_id", int64(schedule.ID)),
		zap.Int64("booking_id", int64(booking.ID)),
		zap.Int64("amount", schedule.Amount),
		zap.String("status", string(schedule.Status)),
		zap.Time("eligible_at", schedule.EligibleAt),
	)
	return schedule, nil
}

// AttemptDuePayouts sweeps due schedules. Per schedule: re-check the
// account's payout eligibility, claim the booking, create the transfer,
// then mark the schedule executing until the processor confirms. Every
// step is guarded so a crashed or concurrent sweep can rerun safely.
func (s *Service) AttemptDuePayouts(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.repo.ListDue(ctx, s.db, now, now.Add(-reclaimExecutingAfter), sweepBatchSize)
	if err != nil {
		return err
	}

	for _, schedule := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.attempt(ctx, schedule, now); err != nil {
			s.log.Error("payout attempt failed",
				zap.Int64("schedule_id", int64(schedule.ID)),
				zap.Int64("booking_id", int64(schedule.BookingID)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) attempt(ctx context.Context, schedule domain.PayoutSchedule, now time.Time) error {
	account, err := s.accounts.FindByProviderID(ctx, s.db, schedule.ProviderID)
	if err != nil {
		return err
	}
	if account == nil || !account.PayoutsEnabled {
		return s.block(ctx, schedule)
	}

	claimed, err := s.claimBooking(ctx, schedule, now)
	if err != nil {
		return err
	}
	if !claimed {
		s.metrics.IncPayoutAttempt(metrics.OutcomeNoop)
		return nil
	}

	// Executing in the from set covers reclaiming a crashed sweep's claim;
	// the CAS refreshes updated_at so the claim window restarts.
	destination := account.AccountID
	claimedSchedule, err := s.repo.Transition(ctx, s.db, schedule.ID,
		[]domain.Status{domain.StatusPending, domain.StatusBlocked, domain.StatusExecuting},
		func(sc *domain.PayoutSchedule) {
			sc.Status = domain.StatusExecuting
			sc.AccountID = &destination
		})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// The schedule settled under us.
			s.metrics.IncPayoutAttempt(metrics.OutcomeNoop)
			return nil
		}
		return err
	}

	if s.processor == nil {
		return s.release(ctx, claimedSchedule.ID)
	}

	reference := schedule.ID.String()
	transfer, err := s.processor.CreateTransfer(ctx, processor.CreateTransferRequest{
		Amount:         schedule.Amount,
		Currency:       schedule.Currency,
		Destination:    destination,
		Reference:      reference,
		IdempotencyKey: reference,
	})
	if err != nil {
		s.metrics.IncPayoutAttempt(metrics.OutcomeError)
		if errors.Is(err, processor.ErrUnavailable) {
			// Transient: release the claim so the next sweep retries.
			return s.release(ctx, claimedSchedule.ID)
		}
		// Rejected by the processor; park it as blocked for operator
		// attention rather than hot-looping on a 4xx.
		if _, berr := s.repo.Transition(ctx, s.db, claimedSchedule.ID,
			[]domain.Status{domain.StatusExecuting},
			func(sc *domain.PayoutSchedule) { sc.Status = domain.StatusBlocked }); berr != nil {
			return errors.Join(err, berr)
		}
		return err
	}

	transferID := transfer.ID
	if _, err := s.repo.Transition(ctx, s.db, claimedSchedule.ID,
		[]domain.Status{domain.StatusExecuting},
		func(sc *domain.PayoutSchedule) { sc.TransferID = &transferID }); err != nil {
		return err
	}

	_, err = s.bookings.Transition(ctx, s.db, schedule.BookingID,
		[]bookingdomain.Status{bookingdomain.StatusPayoutScheduled},
		func(b *bookingdomain.Booking) {
			b.Status = bookingdomain.StatusPayoutExecuting
			b.TransferID = &transferID
		})
	if err != nil && !errors.Is(err, bookingdomain.ErrConflict) {
		return err
	}

	s.metrics.IncPayoutAttempt(metrics.OutcomeApplied)
	s.log.Info("transfer created",
		zap.Int64("schedule_id", int64(schedule.ID)),
		zap.Int64("booking_id", int64(schedule.BookingID)),
		zap.String("transfer_id", transferID),
		zap.Int64("amount", schedule.Amount),
	)
	return nil
}

// claimBooking moves the booking to payout_scheduled. A conflict where the
// booking already carries this schedule id means a previous sweep claimed
// it and crashed before the transfer; resume instead of skipping.
func (s *Service) claimBooking(ctx context.Context, schedule domain.PayoutSchedule, now time.Time) (bool, error) {
	scheduleID := schedule.ID
	scheduledAt := now

	_, err := s.bookings.Transition(ctx, s.db, schedule.BookingID,
		[]bookingdomain.Status{bookingdomain.StatusConfirmed, bookingdomain.StatusCompleted},
		func(b *bookingdomain.Booking) {
			b.Status = bookingdomain.StatusPayoutScheduled
			b.PayoutScheduleID = &scheduleID
			b.PayoutScheduledAt = &scheduledAt
		})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bookingdomain.ErrNotFound) {
		s.log.Warn("schedule references missing booking",
			zap.Int64("schedule_id", int64(schedule.ID)),
			zap.Int64("booking_id", int64(schedule.BookingID)),
		)
		return false, nil
	}
	if !errors.Is(err, bookingdomain.ErrConflict) {
		return false, err
	}

	booking, ferr := s.bookings.FindByID(ctx, s.db, schedule.BookingID)
	if ferr != nil {
		return false, ferr
	}
	if booking != nil &&
		booking.Status == bookingdomain.StatusPayoutScheduled &&
		booking.PayoutScheduleID != nil &&
		*booking.PayoutScheduleID == schedule.ID {
		return true, nil
	}
	return false, nil
}

func (s *Service) block(ctx context.Context, schedule domain.PayoutSchedule) error {
	if schedule.Status == domain.StatusBlocked {
		s.metrics.IncPayoutAttempt(metrics.OutcomeNoop)
		return nil
	}
	_, err := s.repo.Transition(ctx, s.db, schedule.ID,
		[]domain.Status{domain.StatusPending, domain.StatusExecuting},
		func(sc *domain.PayoutSchedule) { sc.Status = domain.StatusBlocked })
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	s.metrics.IncPayoutAttempt("blocked")
	s.log.Warn("payout blocked, account not payable",
		zap.Int64("schedule_id", int64(schedule.ID)),
		zap.Int64("provider_id", int64(schedule.ProviderID)),
	)
	return nil
}

func (s *Service) release(ctx context.Context, id snowflake.ID) error {
	_, err := s.repo.Transition(ctx, s.db, id,
		[]domain.Status{domain.StatusExecuting},
		func(sc *domain.PayoutSchedule) { sc.Status = domain.StatusPending })
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	return nil
}

// Reconcile settles a schedule against the processor's transfer-created
// confirmation. The reference carries the schedule id the sweep stamped on
// the transfer. Unknown references are acknowledged so the webhook is not
// redelivered forever.
func (s *Service) Reconcile(ctx context.Context, db *gorm.DB, transferID string, reference string) (*bookingdomain.Booking, error) {
	if db == nil {
		db = s.db
	}

	scheduleID, err := snowflake.ParseString(reference)
	if err != nil || scheduleID == 0 {
		s.log.Info("transfer with foreign reference ignored",
			zap.String("transfer_id", transferID),
			zap.String("reference", reference),
		)
		return nil, nil
	}

	schedule, err := s.repo.FindByID(ctx, db, scheduleID)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		s.log.Info("transfer matches no schedule",
			zap.String("transfer_id", transferID),
			zap.String("reference", reference),
		)
		return nil, nil
	}

	now := s.clock.Now()
	executedAt := now

	booking, err := s.bookings.Transition(ctx, db, schedule.BookingID,
		[]bookingdomain.Status{bookingdomain.StatusPayoutExecuting, bookingdomain.StatusPayoutScheduled},
		func(b *bookingdomain.Booking) {
			b.Status = bookingdomain.StatusPayoutReconciled
			b.TransferID = &transferID
			b.PayoutExecutedAt = &executedAt
		})
	if err != nil {
		if errors.Is(err, bookingdomain.ErrConflict) || errors.Is(err, bookingdomain.ErrNotFound) {
			s.log.Info("booking not reconcilable, skipping",
				zap.Int64("booking_id", int64(schedule.BookingID)),
				zap.String("transfer_id", transferID),
			)
			booking = nil
		} else {
			return nil, err
		}
	}

	if _, err := s.repo.Transition(ctx, db, schedule.ID,
		[]domain.Status{domain.StatusExecuting, domain.StatusPending, domain.StatusBlocked},
		func(sc *domain.PayoutSchedule) {
			sc.Status = domain.StatusPaid
			sc.TransferID = &transferID
		}); err != nil && !errors.Is(err, domain.ErrConflict) {
		return nil, err
	}

	if booking != nil {
		s.log.Info("payout reconciled",
			zap.Int64("schedule_id", int64(schedule.ID)),
			zap.Int64("booking_id", int64(booking.ID)),
			zap.String("transfer_id", transferID),
		)
	}
	return booking, nil
}
