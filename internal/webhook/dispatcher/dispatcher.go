package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	accountdomain "github.com/sessionlane/paylane/internal/account/domain"
	bookingdomain "github.com/sessionlane/paylane/internal/booking/domain"
	"github.com/sessionlane/paylane/internal/clock"
	"github.com/sessionlane/paylane/internal/config"
	"github.com/sessionlane/paylane/internal/notification"
	"github.com/sessionlane/paylane/internal/observability/metrics"
	payoutdomain "github.com/sessionlane/paylane/internal/payout/domain"
	"github.com/sessionlane/paylane/internal/webhook/domain"
	"github.com/sessionlane/paylane/internal/webhook/signature"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const redisDedupPrefix = "paylane:webhook:"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Policy   *config.PayoutPolicyHolder
	Repo     domain.Repository
	Bookings bookingdomain.Repository
	Accounts accountdomain.Repository
	Payouts  payoutdomain.Service
	Notifier notification.Dispatcher `optional:"true"`
	Redis    *redis.Client           `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	policy    *config.PayoutPolicyHolder
	verifier  *signature.Verifier
	repo      domain.Repository
	bookings  bookingdomain.Repository
	accounts  accountdomain.Repository
	payouts   payoutdomain.Service
	notifier  notification.Dispatcher
	redis     *redis.Client
	retention time.Duration
	metrics   *metrics.EngineMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("webhook.dispatcher"),
		genID:     p.GenID,
		clock:     p.Clock,
		policy:    p.Policy,
		verifier:  signature.NewVerifier(p.Cfg.WebhookSecret, p.Cfg.WebhookTolerance, p.Clock),
		repo:      p.Repo,
		bookings:  p.Bookings,
		accounts:  p.Accounts,
		payouts:   p.Payouts,
		notifier:  p.Notifier,
		redis:     p.Redis,
		retention: p.Cfg.LedgerRetention,
		metrics:   metrics.Engine(),
	}
}

// Ingest runs the full pipeline for one delivery: verify, decode, claim the
// event id, apply the state effect, mark the ledger row. Redeliveries and
// precondition failures come back nil so the caller acknowledges them.
func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		reason := "invalid"
		if errors.Is(err, domain.ErrStaleEvent) {
			reason = "stale"
		}
		s.metrics.IncSignatureFailure(reason)
		s.log.Warn("webhook signature rejected", zap.String("reason", reason))
		return err
	}

	event, err := decodeEvent(payload)
	if err != nil {
		s.metrics.IncWebhookEvent("unknown", metrics.OutcomeRejected)
		return err
	}

	log := s.log.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("kind", string(event.Kind)),
	)

	if !s.claimFastPath(ctx, event.ID) {
		s.metrics.IncWebhookEvent(string(event.Kind), metrics.OutcomeDuplicate)
		log.Debug("duplicate delivery suppressed by cache")
		return nil
	}

	// Notices queue up during the transaction and publish only after it
	// commits, so a rolled-back transition never produces mail.
	var notices []notification.Message

	outcome := domain.OutcomeNoop
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		record := &domain.EventRecord{
			ID:         s.genID.Generate(),
			EventID:    event.ID,
			EventType:  event.Type,
			Payload:    datatypes.JSON(event.RawPayload),
			ReceivedAt: now,
		}
		inserted, err := s.repo.InsertEvent(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrEventAlreadyProcessed
		}

		notices = notices[:0]
		applied, err := s.apply(ctx, tx, event, log, &notices)
		if err != nil {
			return err
		}
		outcome = applied

		processedAt := s.clock.Now()
		return s.repo.MarkProcessed(ctx, tx, record.ID, processedAt, outcome)
	})
	if err != nil {
		if errors.Is(err, domain.ErrEventAlreadyProcessed) {
			s.metrics.IncWebhookEvent(string(event.Kind), metrics.OutcomeDuplicate)
			log.Info("duplicate delivery suppressed")
			return nil
		}
		// The effect rolled back; release the cache claim so the
		// processor's redelivery gets a clean retry.
		s.releaseFastPath(ctx, event.ID)
		s.metrics.IncWebhookEvent(string(event.Kind), metrics.OutcomeError)
		return err
	}

	if s.notifier != nil {
		for _, msg := range notices {
			s.notifier.Notify(ctx, msg)
		}
	}

	s.metrics.IncWebhookEvent(string(event.Kind), outcome)
	log.Info("webhook event processed", zap.String("outcome", outcome))
	return nil
}

// apply performs the per-kind state effect and reports the ledger outcome.
// Notices land in the queue, not on the wire; the caller publishes them
// after the surrounding transaction commits.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, event *domain.Event, log *zap.Logger, notices *[]notification.Message) (string, error) {
	switch event.Kind {
	case domain.KindPaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, tx, event, log, notices)
	case domain.KindPaymentFailed:
		return s.applyPaymentTerminal(ctx, tx, event, log, notices,
			bookingdomain.StatusPaymentFailed, bookingdomain.PaymentFailed, notification.KindPaymentFailed)
	case domain.KindPaymentCanceled:
		return s.applyPaymentTerminal(ctx, tx, event, log, notices,
			bookingdomain.StatusCancelled, bookingdomain.PaymentCancelled, "")
	case domain.KindAccountUpdated:
		return s.applyAccountUpdated(ctx, tx, event)
	case domain.KindTransferCreated:
		booking, err := s.payouts.Reconcile(ctx, tx, event.TransferID, event.Reference)
		if err != nil {
			return "", err
		}
		if booking != nil {
			*notices = append(*notices, notification.Message{
				Kind:       notification.KindPayoutSent,
				BookingID:  booking.ID,
				ProviderID: booking.ProviderID,
				CustomerID: booking.CustomerID,
				Amount:     booking.ProviderNet,
				Currency:   booking.Currency,
				OccurredAt: s.clock.Now(),
			})
		}
		return domain.OutcomeApplied, nil
	default:
		log.Info("unhandled event type acknowledged")
		return domain.OutcomeIgnored, nil
	}
}

func (s *Service) applyPaymentSucceeded(ctx context.Context, tx *gorm.DB, event *domain.Event, log *zap.Logger, notices *[]notification.Message) (string, error) {
	booking, err := s.bookings.FindByPaymentIntent(ctx, tx, event.PaymentIntentID)
	if err != nil {
		return "", err
	}
	if booking == nil {
		log.Info("payment matches no booking", zap.String("payment_intent_id", event.PaymentIntentID))
		return domain.OutcomeNoop, nil
	}
	if event.Amount != 0 && event.Amount != booking.Amount {
		log.Warn("captured amount differs from booking",
			zap.Int64("booking_id", int64(booking.ID)),
			zap.Int64("booking_amount", booking.Amount),
			zap.Int64("captured_amount", event.Amount),
		)
	}

	fee, net := s.policy.Get().PlatformFee(booking.Amount)
	confirmedAt := s.clock.Now()

	confirmed, err := s.bookings.Transition(ctx, tx, booking.ID,
		[]bookingdomain.Status{bookingdomain.StatusPendingPayment},
		func(b *bookingdomain.Booking) {
			b.Status = bookingdomain.StatusConfirmed
			b.PaymentStatus = bookingdomain.PaymentCaptured
			b.PlatformFee = fee
			b.ProviderNet = net
			b.PaymentConfirmedAt = &confirmedAt
		})
	if err != nil {
		if errors.Is(err, bookingdomain.ErrConflict) || errors.Is(err, bookingdomain.ErrNotFound) {
			log.Info("booking not confirmable, skipping", zap.Int64("booking_id", int64(booking.ID)))
			return domain.OutcomeNoop, nil
		}
		return "", err
	}

	if _, err := s.payouts.Schedule(ctx, tx, confirmed); err != nil {
		return "", err
	}

	*notices = append(*notices, notification.Message{
		Kind:       notification.KindBookingConfirmed,
		BookingID:  confirmed.ID,
		ProviderID: confirmed.ProviderID,
		CustomerID: confirmed.CustomerID,
		Amount:     confirmed.Amount,
		Currency:   confirmed.Currency,
		OccurredAt: confirmedAt,
	})
	return domain.OutcomeApplied, nil
}

func (s *Service) applyPaymentTerminal(
	ctx context.Context,
	tx *gorm.DB,
	event *domain.Event,
	log *zap.Logger,
	notices *[]notification.Message,
	status bookingdomain.Status,
	paymentStatus bookingdomain.PaymentStatus,
	notice notification.Kind,
) (string, error) {

	booking, err := s.bookings.FindByPaymentIntent(ctx, tx, event.PaymentIntentID)
	if err != nil {
		return "", err
	}
	if booking == nil {
		log.Info("payment matches no booking", zap.String("payment_intent_id", event.PaymentIntentID))
		return domain.OutcomeNoop, nil
	}

	reason := event.FailureReason
	updated, err := s.bookings.Transition(ctx, tx, booking.ID,
		[]bookingdomain.Status{bookingdomain.StatusPendingPayment},
		func(b *bookingdomain.Booking) {
			b.Status = status
			b.PaymentStatus = paymentStatus
			if reason != "" {
				b.FailureReason = &reason
			}
		})
	if err != nil {
		if errors.Is(err, bookingdomain.ErrConflict) || errors.Is(err, bookingdomain.ErrNotFound) {
			log.Info("booking already settled, skipping", zap.Int64("booking_id", int64(booking.ID)))
			return domain.OutcomeNoop, nil
		}
		return "", err
	}

	if notice != "" {
		*notices = append(*notices, notification.Message{
			Kind:       notice,
			BookingID:  updated.ID,
			ProviderID: updated.ProviderID,
			CustomerID: updated.CustomerID,
			Amount:     updated.Amount,
			Currency:   updated.Currency,
			Reason:     reason,
			OccurredAt: s.clock.Now(),
		})
	}
	return domain.OutcomeApplied, nil
}

func (s *Service) applyAccountUpdated(ctx context.Context, tx *gorm.DB, event *domain.Event) (string, error) {
	now := s.clock.Now()
	account := &accountdomain.ConnectedAccount{
		ID:               s.genID.Generate(),
		ProviderID:       event.ProviderID,
		AccountID:        event.AccountID,
		DetailsSubmitted: event.DetailsSubmitted,
		ChargesEnabled:   event.ChargesEnabled,
		PayoutsEnabled:   event.PayoutsEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.accounts.Upsert(ctx, tx, account); err != nil {
		return "", err
	}
	return domain.OutcomeApplied, nil
}

// claimFastPath takes the cache-side dedup claim. It reports claimed=true
// when the cache is unavailable or disabled; the ledger remains the
// authoritative guard.
func (s *Service) claimFastPath(ctx context.Context, eventID string) bool {
	if s.redis == nil {
		return true
	}
	ttl := s.retention
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	ok, err := s.redis.SetNX(ctx, redisDedupPrefix+eventID, 1, ttl).Result()
	if err != nil {
		s.log.Debug("dedup cache unavailable", zap.Error(err))
		return true
	}
	return ok
}

func (s *Service) releaseFastPath(ctx context.Context, eventID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, redisDedupPrefix+eventID).Err(); err != nil {
		s.log.Debug("dedup cache release failed", zap.Error(err))
	}
}
