package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/sessionlane/paylane/internal/booking/domain"
	"github.com/sessionlane/paylane/internal/booking/repository"
	"github.com/sessionlane/paylane/internal/booking/service"
	"github.com/sessionlane/paylane/internal/clock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := `CREATE TABLE bookings (
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
	)`
	if err := db.Exec(schema).Error; err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func newService(t *testing.T, db *gorm.DB) domain.Service {
	t.Helper()
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	return service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fake,
		Repo:  repository.Provide(fake),
	})
}

func seedBooking(t *testing.T, db *gorm.DB, node *snowflake.Node, status domain.Status) *domain.Booking {
	t.Helper()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	intentID := fmt.Sprintf("pi_%d", node.Generate())
	booking := &domain.Booking{
		ID:              node.Generate(),
		ProviderID:      node.Generate(),
		CustomerID:      node.Generate(),
		PaymentIntentID: &intentID,
		Amount:          10000,
		Currency:        "USD",
		Status:          status,
		PaymentStatus:   domain.PaymentCaptured,
		SessionEndAt:    now.Add(time.Hour),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	repo := repository.Provide(clock.NewFakeClock(now))
	if err := repo.Insert(context.Background(), db, booking); err != nil {
		t.Fatalf("insert booking: %v", err)
	}
	return booking
}

func TestGetBookingReturnsView(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(50)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := newService(t, db)
	booking := seedBooking(t, db, node, domain.StatusConfirmed)

	view, err := svc.GetBooking(context.Background(), booking.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.ID != booking.ID {
		t.Fatalf("id = %s, want %s", view.ID, booking.ID)
	}
	if view.Status != domain.StatusConfirmed || view.PaymentStatus != domain.PaymentCaptured {
		t.Fatalf("view = %+v", view)
	}
	if view.PayoutState.ScheduleID != nil || view.PayoutState.TransferID != nil {
		t.Fatalf("payout state should be empty, got %+v", view.PayoutState)
	}
}

func TestGetBookingUnknownID(t *testing.T) {
	db := setupTestDB(t)
	node, _ := snowflake.NewNode(51)
	svc := newService(t, db)

	if _, err := svc.GetBooking(context.Background(), node.Generate().String()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetBooking(context.Background(), "not-an-id"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for garbage id", err)
	}
}

func TestCompleteBookingFromConfirmed(t *testing.T) {
	db := setupTestDB(t)
	node, _ := snowflake.NewNode(52)
	svc := newService(t, db)
	booking := seedBooking(t, db, node, domain.StatusConfirmed)

	if err := svc.CompleteBooking(context.Background(), booking.ID.String()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	view, err := svc.GetBooking(context.Background(), booking.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", view.Status)
	}
}

func TestCompleteBookingRejectsPendingPayment(t *testing.T) {
	db := setupTestDB(t)
	node, _ := snowflake.NewNode(53)
	svc := newService(t, db)
	booking := seedBooking(t, db, node, domain.StatusPendingPayment)

	err := svc.CompleteBooking(context.Background(), booking.ID.String())
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}
