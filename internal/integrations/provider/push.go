package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/Dan9191/loan-payments/internal/config"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/money"
	"github.com/Dan9191/loan-payments/internal/utils"
)

// SignatureHeader carries the hex HMAC-SHA256 of a push or pull callback body.
const SignatureHeader = "X-Signature"

// PushAdapter talks to a mobile-money provider that prompts the payer's handset (STK push)
type PushAdapter struct {
	cfg     config.PushConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Logger
}

// NewPushAdapter initializes a push adapter from its provider block
func NewPushAdapter(cfg config.PushConfig, log *logrus.Logger) *PushAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PushAdapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		breaker: newBreaker(string(models.ProviderMobilePush), cfg.Breaker, log),
		log:     log,
	}
}

// PushMetadata is what a push callback tells us beyond the canonical fields.
type PushMetadata struct {
	Type          string `json:"type"`
	TransactionID string `json:"transaction_id,omitempty"`
	Phone         string `json:"phone,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

// MetadataKind implements models.Metadata
func (PushMetadata) MetadataKind() string { return string(models.ProviderMobilePush) }

type pushSubmitRequest struct {
	Reference   string `json:"reference"`
	Phone       string `json:"phone"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	CallbackURL string `json:"callback_url"`
}

type pushSubmitResponse struct {
	RequestID    string `json:"request_id"`
	ResponseCode string `json:"response_code"`
	Message      string `json:"message"`
}

type pushCallback struct {
	Type             string `json:"type"`
	RequestID        string `json:"request_id"`
	Reference        string `json:"reference"`
	TransactionID    string `json:"transaction_id"`
	AccountReference string `json:"account_reference"`
	ResultCode       string `json:"result_code"`
	ResultDesc       string `json:"result_desc"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Phone            string `json:"phone"`
	Timestamp        string `json:"timestamp"`
}

// Name implements Adapter
func (a *PushAdapter) Name() models.Provider { return models.ProviderMobilePush }

// Direction implements Adapter
func (a *PushAdapter) Direction() models.Direction { return models.DirectionPush }

// Initiate asks the provider to prompt the payer
func (a *PushAdapter) Initiate(ctx context.Context, req Request) (*Submission, error) {
	payload, err := json.Marshal(pushSubmitRequest{
		Reference:   req.InternalReference,
		Phone:       req.PayerAccountRef,
		Amount:      money.Format(req.Amount),
		Currency:    req.Currency,
		CallbackURL: a.cfg.CallbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	resp, err := guarded(a.breaker, func() (*pushSubmitResponse, error) {
		return a.submit(ctx, payload)
	})
	if err != nil {
		return nil, err
	}

	sub := &Submission{
		ExternalReference: resp.RequestID,
		ResultCode:        resp.ResponseCode,
		Message:           resp.Message,
		Metadata:          PushMetadata{Type: "STK", RequestID: resp.RequestID, Phone: req.PayerAccountRef},
	}
	if resp.ResponseCode == "0" {
		sub.Outcome = OutcomeAccepted
	} else {
		sub.Outcome = OutcomeRejected
	}
	a.log.Infof("Push submission %s answered %s (%s)", req.InternalReference, resp.ResponseCode, resp.Message)
	return sub, nil
}

func (a *PushAdapter) submit(ctx context.Context, payload []byte) (*pushSubmitResponse, error) {
	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/stk/push"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read push response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("push provider returned status %d", resp.StatusCode)
	}

	var out pushSubmitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode push response (status %d): %w", resp.StatusCode, err)
	}
	return &out, nil
}

// ParseCallback verifies and normalizes an STK result or C2B confirmation
func (a *PushAdapter) ParseCallback(_ context.Context, raw []byte, header http.Header) *models.ProviderEvent {
	if !utils.VerifyHMAC(raw, header.Get(SignatureHeader), a.cfg.SigningSecret) {
		a.log.Warnf("Rejected push callback with missing or invalid signature")
		return nil
	}

	var cb pushCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		a.log.Warnf("Malformed push callback: %v", err)
		return nil
	}

	ev := &models.ProviderEvent{
		Provider:          models.ProviderMobilePush,
		Currency:          strings.ToUpper(cb.Currency),
		PayerAccountRef:   cb.Phone,
		ResultCode:        cb.ResultCode,
		ResultDescription: cb.ResultDesc,
		OccurredAt:        parseTimestamp(cb.Timestamp),
	}
	if cb.Amount != "" {
		amount, err := money.Parse(cb.Amount)
		if err != nil || !money.HasScale(amount) {
			a.log.Warnf("Push callback with bad amount %q", cb.Amount)
			return nil
		}
		ev.Amount = amount
	}

	switch strings.ToUpper(cb.Type) {
	case "STK":
		if cb.RequestID == "" {
			a.log.Warnf("STK callback without request_id")
			return nil
		}
		ev.ExternalReference = cb.RequestID
		ev.InternalReference = cb.Reference
		ev.Status = models.EventFailed
		if cb.ResultCode == "0" {
			ev.Status = models.EventSuccess
		}
		ev.Metadata = PushMetadata{Type: "STK", RequestID: cb.RequestID, TransactionID: cb.TransactionID, Phone: cb.Phone}
	case "C2B":
		if cb.TransactionID == "" || ev.Amount.IsZero() {
			a.log.Warnf("C2B callback without transaction_id or amount")
			return nil
		}
		ev.ExternalReference = cb.TransactionID
		ev.AccountReference = cb.AccountReference
		ev.Status = models.EventSuccess
		ev.Metadata = PushMetadata{Type: "C2B", TransactionID: cb.TransactionID, Phone: cb.Phone}
	default:
		a.log.Warnf("Push callback of unknown type %q", cb.Type)
		return nil
	}
	return ev
}

// Acknowledge implements Adapter
func (a *PushAdapter) Acknowledge() Ack {
	return Ack{ContentType: "application/json", Body: []byte(`{"result_code":0,"result_desc":"Accepted"}`)}
}

func parseTimestamp(value string) time.Time {
	if value != "" {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
