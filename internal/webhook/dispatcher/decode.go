package dispatcher

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sessionlane/paylane/internal/webhook/domain"
)

// Wire shapes for the processor's event envelope. Only the fields the
// engine reads are declared; everything else passes through untouched in
// the raw payload.
type processorEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	CancellationReason string `json:"cancellation_reason"`
}

type accountObject struct {
	ID               string            `json:"id"`
	DetailsSubmitted bool              `json:"details_submitted"`
	ChargesEnabled   bool              `json:"charges_enabled"`
	PayoutsEnabled   bool              `json:"payouts_enabled"`
	Metadata         map[string]string `json:"metadata"`
}

type transferObject struct {
	ID            string            `json:"id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Destination   string            `json:"destination"`
	TransferGroup string            `json:"transfer_group"`
	Metadata      map[string]string `json:"metadata"`
}

func decodeEvent(payload []byte) (*domain.Event, error) {
	var envelope processorEvent
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.Event{
		ID:         envelope.ID,
		Kind:       domain.KindFromType(envelope.Type),
		Type:       strings.TrimSpace(envelope.Type),
		CreatedAt:  eventTime(envelope.Created),
		RawPayload: payload,
	}

	switch event.Kind {
	case domain.KindPaymentSucceeded, domain.KindPaymentFailed, domain.KindPaymentCanceled:
		var intent paymentIntentObject
		if err := json.Unmarshal(envelope.Data.Object, &intent); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if strings.TrimSpace(intent.ID) == "" {
			return nil, domain.ErrInvalidEvent
		}
		event.PaymentIntentID = intent.ID
		event.Amount = intent.Amount
		event.Currency = strings.ToUpper(strings.TrimSpace(intent.Currency))
		event.FailureReason = failureReason(intent)

	case domain.KindAccountUpdated:
		var account accountObject
		if err := json.Unmarshal(envelope.Data.Object, &account); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if strings.TrimSpace(account.ID) == "" {
			return nil, domain.ErrInvalidEvent
		}
		event.AccountID = account.ID
		event.DetailsSubmitted = account.DetailsSubmitted
		event.ChargesEnabled = account.ChargesEnabled
		event.PayoutsEnabled = account.PayoutsEnabled
		event.ProviderID = metadataID(account.Metadata, "provider_id")

	case domain.KindTransferCreated:
		var transfer transferObject
		if err := json.Unmarshal(envelope.Data.Object, &transfer); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if strings.TrimSpace(transfer.ID) == "" {
			return nil, domain.ErrInvalidEvent
		}
		event.TransferID = transfer.ID
		event.Amount = transfer.Amount
		event.Currency = strings.ToUpper(strings.TrimSpace(transfer.Currency))
		event.Reference = transferReference(transfer)
	}

	return event, nil
}

func transferReference(transfer transferObject) string {
	if ref := strings.TrimSpace(transfer.Metadata["schedule_id"]); ref != "" {
		return ref
	}
	return strings.TrimSpace(transfer.TransferGroup)
}

func failureReason(intent paymentIntentObject) string {
	if intent.LastPaymentError != nil && strings.TrimSpace(intent.LastPaymentError.Message) != "" {
		return strings.TrimSpace(intent.LastPaymentError.Message)
	}
	return strings.TrimSpace(intent.CancellationReason)
}

func metadataID(metadata map[string]string, key string) snowflake.ID {
	raw := strings.TrimSpace(metadata[key])
	if raw == "" {
		return 0
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0
	}
	return id
}

func eventTime(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}
