package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sessionlane/paylane/internal/config"
	"go.uber.org/fx"
)

var (
	ErrUnavailable   = errors.New("processor_unavailable")
	ErrRequestFailed = errors.New("processor_request_failed")
	ErrNotConfigured = errors.New("processor_not_configured")
)

// Account is the processor's view of a connected payout destination.
type Account struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

// Transfer is the processor's record of funds moved to a connected account.
type Transfer struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Destination   string `json:"destination"`
	TransferGroup string `json:"transfer_group"`
}

type CreateTransferRequest struct {
	Amount      int64
	Currency    string
	Destination string
	// Reference ties the transfer back to the payout schedule that
	// requested it; the reconciler matches on it when the
	// transfer-created event arrives.
	Reference string
	// IdempotencyKey guards against double transfers on retried sweeps.
	IdempotencyKey string
}

// Client is the outbound surface to the payment processor. It is injected
// explicitly so tests can substitute doubles and no component reaches for a
// process-wide handle.
type Client interface {
	RetrieveAccount(ctx context.Context, accountID string) (Account, error)
	CreateTransfer(ctx context.Context, req CreateTransferRequest) (Transfer, error)
}

type httpClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewClient(cfg config.Config) Client {
	timeout := cfg.ProcessorTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpClient{
		apiKey:  strings.TrimSpace(cfg.ProcessorAPIKey),
		baseURL: strings.TrimRight(cfg.ProcessorBaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

var Module = fx.Module("processor",
	fx.Provide(NewClient),
)

func (c *httpClient) RetrieveAccount(ctx context.Context, accountID string) (Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Account{}, ErrRequestFailed
	}

	var account Account
	if err := c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+accountID, nil, "", &account); err != nil {
		return Account{}, err
	}
	return account, nil
}

func (c *httpClient) CreateTransfer(ctx context.Context, req CreateTransferRequest) (Transfer, error) {
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.Amount, 10))
	values.Set("currency", strings.ToLower(req.Currency))
	values.Set("destination", req.Destination)
	values.Set("transfer_group", req.Reference)
	values.Set("metadata[schedule_id]", req.Reference)

	var transfer Transfer
	if err := c.doRequest(ctx, http.MethodPost, "/v1/transfers", values, req.IdempotencyKey, &transfer); err != nil {
		return Transfer{}, err
	}
	return transfer, nil
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *httpClient) doRequest(
	ctx context.Context,
	method string,
	path string,
	values url.Values,
	idempotencyKey string,
	out any,
) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}

	body := ""
	if values != nil {
		body = values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport errors and timeouts are retryable, not state changes.
		return errors.Join(ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return ErrUnavailable
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error.Message != "" {
			return errors.Join(ErrRequestFailed, errors.New(apiErr.Error.Message))
		}
		return ErrRequestFailed
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
