package dispatcher_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/sessionlane/paylane/internal/account/domain"
	accountrepo "github.com/sessionlane/paylane/internal/account/repository"
	bookingdomain "github.com/sessionlane/paylane/internal/booking/domain"
	bookingrepo "github.com/sessionlane/paylane/internal/booking/repository"
	"github.com/sessionlane/paylane/internal/clock"
	"github.com/sessionlane/paylane/internal/config"
	"github.com/sessionlane/paylane/internal/notification"
	payoutdomain "github.com/sessionlane/paylane/internal/payout/domain"
	payoutrepo "github.com/sessionlane/paylane/internal/payout/repository"
	payoutservice "github.com/sessionlane/paylane/internal/payout/service"
	"github.com/sessionlane/paylane/internal/webhook/dispatcher"
	webhookdomain "github.com/sessionlane/paylane/internal/webhook/domain"
	webhookrepo "github.com/sessionlane/paylane/internal/webhook/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type captureNotifier struct {
	messages []notification.Message
}

func (n *captureNotifier) Notify(ctx context.Context, msg notification.Message) {
	n.messages = append(n.messages, msg)
}

func (n *captureNotifier) count(kind notification.Kind) int {
	total := 0
	for _, msg := range n.messages {
		if msg.Kind == kind {
			total++
		}
	}
	return total
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	notifier *captureNotifier
	svc      webhookdomain.Service
	bookings bookingdomain.Repository
	accounts accountdomain.Repository
	payouts  payoutdomain.Repository
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithLedger(t, webhookrepo.Provide())
}

func newFixtureWithLedger(t *testing.T, ledger webhookdomain.Repository) *fixture {
	t.Helper()

	db := setupTestDB(t)

	node, err := snowflake.NewNode(20)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)
	notifier := &captureNotifier{}
	holder := config.NewStaticPayoutPolicyHolder(config.PayoutPolicy{
		HoldingPeriodDays: 7,
		PlatformFeeBps:    1500,
	})

	bookings := bookingrepo.Provide(fake)
	accounts := accountrepo.Provide()
	payouts := payoutrepo.Provide(fake)

	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Policy:   holder,
		Repo:     payouts,
		Bookings: bookings,
		Accounts: accounts,
	})

	svc := dispatcher.NewService(dispatcher.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Cfg:      config.Config{WebhookSecret: testSecret, WebhookTolerance: 5 * time.Minute},
		Policy:   holder,
		Repo:     ledger,
		Bookings: bookings,
		Accounts: accounts,
		Payouts:  payoutSvc,
		Notifier: notifier,
	})

	return &fixture{
		db:       db,
		node:     node,
		clock:    fake,
		notifier: notifier,
		svc:      svc,
		bookings: bookings,
		accounts: accounts,
		payouts:  payouts,
	}
}

func (f *fixture) seedBooking(t *testing.T, intentID string, amount int64) *bookingdomain.Booking {
	t.Helper()

	now := f.clock.Now()
	booking := &bookingdomain.Booking{
		ID:              f.node.Generate(),
		ProviderID:      f.node.Generate(),
		CustomerID:      f.node.Generate(),
		PaymentIntentID: &intentID,
		Amount:          amount,
		Currency:        "USD",
		Status:          bookingdomain.StatusPendingPayment,
		PaymentStatus:   bookingdomain.PaymentPending,
		SessionEndAt:    now.Add(time.Hour),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.bookings.Insert(context.Background(), f.db, booking); err != nil {
		t.Fatalf("seed booking: %v", err)
	}

	account := &accountdomain.ConnectedAccount{
		ID:             f.node.Generate(),
		ProviderID:     booking.ProviderID,
		AccountID:      fmt.Sprintf("acct_%d", booking.ProviderID),
		PayoutsEnabled: true,
		ChargesEnabled: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.accounts.Upsert(context.Background(), f.db, account); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return booking
}

func (f *fixture) ingest(t *testing.T, payload []byte) error {
	t.Helper()
	header := buildSignatureHeader(testSecret, payload, f.clock.Now().Unix())
	return f.svc.Ingest(context.Background(), payload, header)
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) *bookingdomain.Booking {
	t.Helper()
	booking, err := f.bookings.FindByID(context.Background(), f.db, id)
	if err != nil {
		t.Fatalf("reload booking: %v", err)
	}
	if booking == nil {
		t.Fatalf("booking %s disappeared", id)
	}
	return booking
}

func paymentEvent(eventID, eventType, intentID string, amount int64, created int64) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"%s","type":"%s","created":%d,"data":{"object":{"id":"%s","amount":%d,"currency":"usd"}}}`,
		eventID, eventType, created, intentID, amount,
	))
}

func TestPaymentSucceededConfirmsBookingAndSchedulesPayout(t *testing.T) {
	f := newFixture(t)
	booking := f.seedBooking(t, "pi_100", 10000)

	payload := paymentEvent("evt_1", "payment_intent.succeeded", "pi_100", 10000, f.clock.Now().Unix())
	if err := f.ingest(t, payload); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got := f.reload(t, booking.ID)
	if got.Status != bookingdomain.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
	if got.PaymentStatus != bookingdomain.PaymentCaptured {
		t.Fatalf("payment_status = %s, want captured", got.PaymentStatus)
	}
	if got.PlatformFee != 1500 || got.ProviderNet != 8500 {
		t.Fatalf("fee split = (%d, %d), want (1500, 8500)", got.PlatformFee, got.ProviderNet)
	}
	if got.PaymentConfirmedAt == nil {
		t.Fatal("payment_confirmed_at not stamped")
	}

	schedule, err := f.payouts.FindByBookingID(context.Background(), f.db, booking.ID)
	if err != nil {
		t.Fatalf("find schedule: %v", err)
	}
	if schedule == nil {
		t.Fatal("no payout schedule created")
	}
	if schedule.Amount != 8500 {
		t.Fatalf("schedule amount = %d, want 8500", schedule.Amount)
	}
	wantEligible := booking.SessionEndAt.Add(7 * 24 * time.Hour)
	if !schedule.EligibleAt.Equal(wantEligible) {
		t.Fatalf("eligible_at = %v, want %v", schedule.EligibleAt, wantEligible)
	}
	if schedule.Status != payoutdomain.StatusPending {
		t.Fatalf("schedule status = %s, want pending", schedule.Status)
	}

	if got := f.notifier.count(notification.KindBookingConfirmed); got != 1 {
		t.Fatalf("confirmation notices = %d, want 1", got)
	}
}

func TestDuplicatePaymentSucceededIsIdempotent(t *testing.T) {
	f := newFixture(t)
	booking := f.seedBooking(t, "pi_200", 10000)

	payload := paymentEvent("evt_dup", "payment_intent.succeeded", "pi_200", 10000, f.clock.Now().Unix())
	for i := 0; i < 3; i++ {
		if err := f.ingest(t, payload); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	got := f.reload(t, booking.ID)
	if got.Status != bookingdomain.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}

	var scheduleCount int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM payout_schedules WHERE booking_id = ?`, booking.ID).Scan(&scheduleCount).Error; err != nil {
		t.Fatalf("count schedules: %v", err)
	}
	if scheduleCount != 1 {
		t.Fatalf("schedules = %d, want 1", scheduleCount)
	}

	if got := f.notifier.count(notification.KindBookingConfirmed); got != 1 {
		t.Fatalf("confirmation notices = %d, want 1", got)
	}
}

func TestSecondPaymentSucceededWithNewEventIDIsNoop(t *testing.T) {
	f := newFixture(t)
	booking := f.seedBooking(t, "pi_300", 10000)

	first := paymentEvent("evt_a", "payment_intent.succeeded", "pi_300", 10000, f.clock.Now().Unix())
	second := paymentEvent("evt_b", "payment_intent.succeeded", "pi_300", 10000, f.clock.Now().Unix())

	if err := f.ingest(t, first); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := f.ingest(t, second); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	var scheduleCount int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM payout_schedules WHERE booking_id = ?`, booking.ID).Scan(&scheduleCount).Error; err != nil {
		t.Fatalf("count schedules: %v", err)
	}
	if scheduleCount != 1 {
		t.Fatalf("schedules = %d, want 1", scheduleCount)
	}
}

func TestTransferCreatedBeforePaymentSucceeded(t *testing.T) {
	f := newFixture(t)
	booking := f.seedBooking(t, "pi_400", 10000)

	transfer := []byte(fmt.Sprintf(
		`{"id":"evt_tr","type":"transfer.created","created":%d,"data":{"object":{"id":"tr_1","amount":8500,"currency":"usd","metadata":{"schedule_id":"%s"}}}}`,
		f.clock.Now().Unix(), f.node.Generate(),
	))
	if err := f.ingest(t, transfer); err != nil {
		t.Fatalf("transfer ingest: %v", err)
	}

	got := f.reload(t, booking.ID)
	if got.Status != bookingdomain.StatusPendingPayment {
		t.Fatalf("status = %s, want pending_payment", got.Status)
	}

	payload := paymentEvent("evt_after", "payment_intent.succeeded", "pi_400", 10000, f.clock.Now().Unix())
	if err := f.ingest(t, payload); err != nil {
		t.Fatalf("payment ingest: %v", err)
	}
	if got := f.reload(t, booking.ID); got.Status != bookingdomain.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
}

func TestPaymentFailedSettlesBooking(t *testing.T) {
	f := newFixture(t)
	booking := f.seedBooking(t, "pi_500", 10000)

	payload := []byte(fmt.Sprintf(
		`{"id":"evt_f","type":"payment_intent.payment_failed","created":%d,"data":{"object":{"id":"pi_500","amount":10000,"currency":"usd","last_payment_error":{"message":"card_declined"}}}}`,
		f.clock.Now().Unix(),
	))
	if err := f.ingest(t, payload); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got := f.reload(t, booking.ID)
	if got.Status != bookingdomain.StatusPaymentFailed {
		t.Fatalf("status = %s, want payment_failed", got.Status)
	}
	if got.PaymentStatus != bookingdomain.PaymentFailed {
		t.Fatalf("payment_status = %s, want failed", got.PaymentStatus)
	}
	if got.FailureReason == nil || *got.FailureReason != "card_declined" {
		t.Fatalf("failure_reason = %v, want card_declined", got.FailureReason)
	}
	if n := f.notifier.count(notification.KindPaymentFailed); n != 1 {
		t.Fatalf("failure notices = %d, want 1", n)
	}

	// A late success for the same intent must not resurrect the booking.
	late := paymentEvent("evt_late", "payment_intent.succeeded", "pi_500", 10000, f.clock.Now().Unix())
	if err := f.ingest(t, late); err != nil {
		t.Fatalf("late ingest: %v", err)
	}
	if got := f.reload(t, booking.ID); got.Status != bookingdomain.StatusPaymentFailed {
		t.Fatalf("status after late success = %s, want payment_failed", got.Status)
	}
}

func TestPaymentCanceledSettlesBooking(t *testing.T) {
	f := newFixture(t)
	booking := f.seedBooking(t, "pi_600", 10000)

	payload := []byte(fmt.Sprintf(
		`{"id":"evt_c","type":"payment_intent.canceled","created":%d,"data":{"object":{"id":"pi_600","amount":10000,"currency":"usd","cancellation_reason":"requested_by_customer"}}}`,
		f.clock.Now().Unix(),
	))
	if err := f.ingest(t, payload); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got := f.reload(t, booking.ID)
	if got.Status != bookingdomain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.PaymentStatus != bookingdomain.PaymentCancelled {
		t.Fatalf("payment_status = %s, want cancelled", got.PaymentStatus)
	}
}

func TestAccountUpdatedUpsertsOnFirstSight(t *testing.T) {
	f := newFixture(t)

	providerID := f.node.Generate()
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_acct","type":"account.updated","created":%d,"data":{"object":{"id":"acct_1","details_submitted":true,"charges_enabled":true,"payouts_enabled":false,"metadata":{"provider_id":"%s"}}}}`,
		f.clock.Now().Unix(), providerID,
	))
	if err := f.ingest(t, payload); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var row struct {
		AccountID        string
		ProviderID       snowflake.ID
		DetailsSubmitted bool
		ChargesEnabled   bool
		PayoutsEnabled   bool
	}
	if err := f.db.Raw(`SELECT account_id, provider_id, details_submitted, charges_enabled, payouts_enabled FROM connected_accounts WHERE account_id = ?`, "acct_1").Scan(&row).Error; err != nil {
		t.Fatalf("read account: %v", err)
	}
	if row.AccountID != "acct_1" || row.ProviderID != providerID {
		t.Fatalf("unexpected identity: %+v", row)
	}
	if !row.DetailsSubmitted || !row.ChargesEnabled || row.PayoutsEnabled {
		t.Fatalf("flags = %+v, want (true, true, false)", row)
	}
}

func TestUnknownEventTypeIsAcknowledged(t *testing.T) {
	f := newFixture(t)

	payload := []byte(fmt.Sprintf(
		`{"id":"evt_u","type":"charge.refunded","created":%d,"data":{"object":{"id":"ch_1"}}}`,
		f.clock.Now().Unix(),
	))
	if err := f.ingest(t, payload); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var outcome string
	if err := f.db.Raw(`SELECT outcome FROM webhook_events WHERE event_id = ?`, "evt_u").Scan(&outcome).Error; err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if outcome != webhookdomain.OutcomeIgnored {
		t.Fatalf("outcome = %q, want ignored", outcome)
	}
}

func TestInvalidSignatureRejectedWithoutLedgerEntry(t *testing.T) {
	f := newFixture(t)

	payload := paymentEvent("evt_sig", "payment_intent.succeeded", "pi_700", 10000, f.clock.Now().Unix())
	header := buildSignatureHeader("whsec_wrong", payload, f.clock.Now().Unix())

	err := f.svc.Ingest(context.Background(), payload, header)
	if !errors.Is(err, webhookdomain.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM webhook_events`).Scan(&count).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if count != 0 {
		t.Fatalf("ledger rows = %d, want 0", count)
	}
}

func TestTransferCreatedReconcilesAndNotifies(t *testing.T) {
	f := newFixture(t)
	booking := f.seedBooking(t, "pi_800", 10000)
	ctx := context.Background()

	payload := paymentEvent("evt_800", "payment_intent.succeeded", "pi_800", 10000, f.clock.Now().Unix())
	if err := f.ingest(t, payload); err != nil {
		t.Fatalf("payment ingest: %v", err)
	}
	schedule, err := f.payouts.FindByBookingID(ctx, f.db, booking.ID)
	if err != nil || schedule == nil {
		t.Fatalf("find schedule: %v %v", schedule, err)
	}

	// Stage the sweep's claim so the transfer event lands on an
	// executing payout.
	if _, err := f.bookings.Transition(ctx, f.db, booking.ID,
		[]bookingdomain.Status{bookingdomain.StatusConfirmed},
		func(b *bookingdomain.Booking) {
			b.Status = bookingdomain.StatusPayoutExecuting
			b.PayoutScheduleID = &schedule.ID
			at := f.clock.Now()
			b.PayoutScheduledAt = &at
		}); err != nil {
		t.Fatalf("claim booking: %v", err)
	}
	if _, err := f.payouts.Transition(ctx, f.db, schedule.ID,
		[]payoutdomain.Status{payoutdomain.StatusPending},
		func(s *payoutdomain.PayoutSchedule) {
			s.Status = payoutdomain.StatusExecuting
		}); err != nil {
		t.Fatalf("claim schedule: %v", err)
	}

	transfer := []byte(fmt.Sprintf(
		`{"id":"evt_tr_800","type":"transfer.created","created":%d,"data":{"object":{"id":"tr_800","amount":8500,"currency":"usd","metadata":{"schedule_id":"%s"}}}}`,
		f.clock.Now().Unix(), schedule.ID,
	))
	if err := f.ingest(t, transfer); err != nil {
		t.Fatalf("transfer ingest: %v", err)
	}

	got := f.reload(t, booking.ID)
	if got.Status != bookingdomain.StatusPayoutReconciled {
		t.Fatalf("status = %s, want payout_reconciled", got.Status)
	}
	if got.TransferID == nil || *got.TransferID != "tr_800" {
		t.Fatalf("transfer_id = %v, want tr_800", got.TransferID)
	}

	sent := 0
	for _, msg := range f.notifier.messages {
		if msg.Kind != notification.KindPayoutSent {
			continue
		}
		sent++
		if msg.BookingID != booking.ID || msg.Amount != 8500 {
			t.Fatalf("payout notice = %+v, want booking %s amount 8500", msg, booking.ID)
		}
	}
	if sent != 1 {
		t.Fatalf("payout_sent notices = %d, want 1", sent)
	}

	// Redelivery settles through the ledger and stays quiet.
	if err := f.ingest(t, transfer); err != nil {
		t.Fatalf("redelivered transfer ingest: %v", err)
	}
	if got := f.notifier.count(notification.KindPayoutSent); got != 1 {
		t.Fatalf("payout_sent notices after redelivery = %d, want 1", got)
	}
}

type brokenMarkLedger struct {
	webhookdomain.Repository
}

func (r *brokenMarkLedger) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time, outcome string) error {
	return errors.New("ledger write lost")
}

func TestNoNoticesWhenLedgerTransactionFails(t *testing.T) {
	f := newFixtureWithLedger(t, &brokenMarkLedger{Repository: webhookrepo.Provide()})
	booking := f.seedBooking(t, "pi_900", 10000)

	payload := paymentEvent("evt_900", "payment_intent.succeeded", "pi_900", 10000, f.clock.Now().Unix())
	if err := f.ingest(t, payload); err == nil {
		t.Fatal("ingest succeeded, want ledger failure")
	}

	// The rolled-back transition must not leak a confirmation notice.
	if len(f.notifier.messages) != 0 {
		t.Fatalf("notices = %d, want 0", len(f.notifier.messages))
	}
	if got := f.reload(t, booking.ID); got.Status != bookingdomain.StatusPendingPayment {
		t.Fatalf("status = %s, want pending_payment after rollback", got.Status)
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"id":`)
	err := f.ingest(t, payload)
	if !errors.Is(err, webhookdomain.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	for _, stmt := range testSchema() {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

func testSchema() []string {
	return []string{
		`CREATE TABLE bookings (
			id BIGINT PRIMARY KEY,
			provider_id BIGINT NOT NULL,
			customer_id BIGINT NOT NULL,
			payment_intent_id TEXT,
			transfer_id TEXT,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			platform_fee BIGINT NOT NULL DEFAULT 0,
			provider_net BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			payment_status TEXT NOT NULL,
			session_end_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			payment_confirmed_at DATETIME,
			payout_scheduled_at DATETIME,
			payout_executed_at DATETIME,
			payout_schedule_id BIGINT,
			failure_reason TEXT
		)`,
		`CREATE UNIQUE INDEX ux_bookings_payment_intent_id ON bookings(payment_intent_id)`,
		`CREATE TABLE connected_accounts (
			id BIGINT PRIMARY KEY,
			provider_id BIGINT NOT NULL DEFAULT 0,
			account_id TEXT NOT NULL,
			details_submitted BOOLEAN NOT NULL DEFAULT FALSE,
			charges_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			payouts_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_connected_accounts_account_id ON connected_accounts(account_id)`,
		`CREATE TABLE webhook_events (
			id BIGINT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME,
			outcome TEXT
		)`,
		`CREATE UNIQUE INDEX ux_webhook_events_event_id ON webhook_events(event_id)`,
		`CREATE TABLE payout_schedules (
			id BIGINT PRIMARY KEY,
			booking_id BIGINT NOT NULL,
			provider_id BIGINT NOT NULL,
			account_id TEXT,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			eligible_at DATETIME NOT NULL,
			transfer_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_payout_schedules_booking_id ON payout_schedules(booking_id)`,
	}
}

func buildSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
