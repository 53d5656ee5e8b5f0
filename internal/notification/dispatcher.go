package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sessionlane/paylane/internal/config"
	"github.com/sessionlane/paylane/internal/observability/metrics"
	"github.com/sessionlane/paylane/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const topicNotices = "booking.notices"

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	Log       *zap.Logger
	Provider  email.Provider
}

type dispatcher struct {
	pubsub  *gochannel.GoChannel
	log     *zap.Logger
	metrics *metrics.EngineMetrics
}

// NewDispatcher wires an in-process pub/sub channel between state-change
// producers and the notice consumer. Producers never wait on delivery.
func NewDispatcher(p Params) Dispatcher {
	log := p.Log.Named("notification.dispatcher")

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, newWatermillLogger(p.Log))

	d := &dispatcher{
		pubsub:  pubsub,
		log:     log,
		metrics: metrics.Engine(),
	}

	consumer := &consumer{
		log:      p.Log.Named("notification.consumer"),
		provider: p.Provider,
		to:       p.Cfg.NotifyAddress,
		metrics:  d.metrics,
	}

	runCtx, cancel := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			messages, err := pubsub.Subscribe(runCtx, topicNotices)
			if err != nil {
				cancel()
				return err
			}
			go consumer.run(runCtx, messages)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return pubsub.Close()
		},
	})

	return d
}

func (d *dispatcher) Notify(ctx context.Context, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.log.Warn("notice marshal failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
		d.metrics.IncNotification(string(msg.Kind), metrics.OutcomeError)
		return
	}

	if err := d.pubsub.Publish(topicNotices, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		d.log.Warn("notice publish failed",
			zap.String("kind", string(msg.Kind)),
			zap.Int64("booking_id", int64(msg.BookingID)),
			zap.Error(err),
		)
		d.metrics.IncNotification(string(msg.Kind), metrics.OutcomeError)
	}
}

type consumer struct {
	log      *zap.Logger
	provider email.Provider
	to       string
	metrics  *metrics.EngineMetrics
}

func (c *consumer) run(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		c.handle(ctx, msg)
		// A notice is never redelivered; failures are logged and dropped.
		msg.Ack()
	}
}

func (c *consumer) handle(ctx context.Context, msg *message.Message) {
	var notice Message
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		c.log.Warn("malformed notice dropped", zap.String("message_id", msg.UUID), zap.Error(err))
		c.metrics.IncNotification("unknown", metrics.OutcomeError)
		return
	}

	if c.to == "" {
		c.metrics.IncNotification(string(notice.Kind), metrics.OutcomeIgnored)
		return
	}

	subject, body := render(notice)
	if err := c.provider.Send(ctx, []string{c.to}, subject, body); err != nil {
		c.log.Warn("notice delivery failed",
			zap.String("kind", string(notice.Kind)),
			zap.Int64("booking_id", int64(notice.BookingID)),
			zap.Error(err),
		)
		c.metrics.IncNotification(string(notice.Kind), metrics.OutcomeError)
		return
	}

	c.log.Info("notice delivered",
		zap.String("kind", string(notice.Kind)),
		zap.Int64("booking_id", int64(notice.BookingID)),
	)
	c.metrics.IncNotification(string(notice.Kind), metrics.OutcomeApplied)
}

func render(notice Message) (string, string) {
	amount := fmt.Sprintf("%d %s", notice.Amount, notice.Currency)
	switch notice.Kind {
	case KindBookingConfirmed:
		return fmt.Sprintf("Booking %s confirmed", notice.BookingID),
			fmt.Sprintf("Payment of %s captured for booking %s.", amount, notice.BookingID)
	case KindPaymentFailed:
		reason := notice.Reason
		if reason == "" {
			reason = "payment declined"
		}
		return fmt.Sprintf("Payment failed for booking %s", notice.BookingID),
			fmt.Sprintf("Booking %s could not be confirmed: %s.", notice.BookingID, reason)
	case KindPayoutSent:
		return fmt.Sprintf("Payout sent for booking %s", notice.BookingID),
			fmt.Sprintf("A payout of %s was sent to provider %s for booking %s.", amount, notice.ProviderID, notice.BookingID)
	default:
		return fmt.Sprintf("Booking %s update", notice.BookingID),
			fmt.Sprintf("Booking %s changed state.", notice.BookingID)
	}
}
