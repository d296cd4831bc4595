package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/config"
	"github.com/Dan9191/loan-payments/internal/models"
)

// ManualAdapter covers bank transfers that an operator confirms against the bank statement
type ManualAdapter struct {
	cfg config.ManualConfig
	log *logrus.Logger
}

// NewManualAdapter initializes the bank transfer adapter
func NewManualAdapter(cfg config.ManualConfig, log *logrus.Logger) *ManualAdapter {
	return &ManualAdapter{cfg: cfg, log: log}
}

// ManualMetadata records who keyed the decision and against which statement line.
type ManualMetadata struct {
	ReviewerID    string `json:"reviewer_id"`
	BankReference string `json:"bank_reference,omitempty"`
	Note          string `json:"note,omitempty"`
}

// MetadataKind implements models.Metadata
func (ManualMetadata) MetadataKind() string { return string(models.ProviderBankTransfer) }

// Name implements Adapter
func (a *ManualAdapter) Name() models.Provider { return models.ProviderBankTransfer }

// Direction implements Adapter
func (a *ManualAdapter) Direction() models.Direction { return models.DirectionManual }

// Initiate returns the transfer instructions; nothing is sent anywhere
func (a *ManualAdapter) Initiate(_ context.Context, req Request) (*Submission, error) {
	return &Submission{
		Outcome: OutcomeAccepted,
		Message: "awaiting bank transfer",
		Instructions: &BankInstructions{
			BankName:      a.cfg.BankName,
			AccountNumber: a.cfg.AccountNumber,
			AccountName:   a.cfg.AccountName,
			Reference:     req.InternalReference,
		},
	}, nil
}

// ParseCallback always returns nil; banks do not call us
func (a *ManualAdapter) ParseCallback(context.Context, []byte, http.Header) *models.ProviderEvent {
	a.log.Warnf("Ignoring webhook for %s", models.ProviderBankTransfer)
	return nil
}

// Acknowledge implements Adapter
func (a *ManualAdapter) Acknowledge() Ack {
	return Ack{ContentType: "application/json", Body: []byte(`{"status":"ignored"}`)}
}

func (a *ManualAdapter) checkIntent(intent *models.PaymentIntent, reviewerID string) error {
	if intent.Provider != models.ProviderBankTransfer {
		return fmt.Errorf("intent %s is a %s payment, not a bank transfer", intent.InternalReference, intent.Provider)
	}
	if reviewerID == "" {
		return fmt.Errorf("reviewer is required")
	}
	return nil
}

// Verify turns an operator's confirmation into a SUCCESS event.
// A zero amount means the transfer matched the intent exactly.
func (a *ManualAdapter) Verify(intent *models.PaymentIntent, reviewerID, bankReference string, amount decimal.Decimal) (*models.ProviderEvent, error) {
	if err := a.checkIntent(intent, reviewerID); err != nil {
		return nil, err
	}
	if bankReference == "" {
		return nil, fmt.Errorf("bank reference is required")
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}
	if amount.IsZero() {
		amount = intent.Amount
	}
	return &models.ProviderEvent{
		Provider:          models.ProviderBankTransfer,
		ExternalReference: bankReference,
		InternalReference: intent.InternalReference,
		Status:            models.EventSuccess,
		Amount:            amount,
		Currency:          intent.Currency,
		ReviewerID:        reviewerID,
		ResultDescription: "transfer verified by operator",
		OccurredAt:        time.Now().UTC(),
		Metadata:          ManualMetadata{ReviewerID: reviewerID, BankReference: bankReference},
	}, nil
}

// Reject turns an operator's refusal into a FAILED event
func (a *ManualAdapter) Reject(intent *models.PaymentIntent, reviewerID, reason string) (*models.ProviderEvent, error) {
	if err := a.checkIntent(intent, reviewerID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected by operator"
	}
	return &models.ProviderEvent{
		Provider:          models.ProviderBankTransfer,
		InternalReference: intent.InternalReference,
		Status:            models.EventFailed,
		Currency:          intent.Currency,
		ReviewerID:        reviewerID,
		ResultDescription: reason,
		OccurredAt:        time.Now().UTC(),
		Metadata:          ManualMetadata{ReviewerID: reviewerID, Note: reason},
	}, nil
}

// CreditEvent turns an unregistered bank credit into a SUCCESS event for heuristic matching
func (a *ManualAdapter) CreditEvent(credit BankCredit) (*models.ProviderEvent, error) {
	if credit.BankReference == "" {
		return nil, fmt.Errorf("bank reference is required")
	}
	if !credit.Amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive")
	}
	at := credit.ReceivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &models.ProviderEvent{
		Provider:          models.ProviderBankTransfer,
		ExternalReference: credit.BankReference,
		Status:            models.EventSuccess,
		Amount:            credit.Amount,
		Currency:          credit.Currency,
		AccountReference:  credit.LoanNumber,
		PayerAccountRef:   credit.PayerAccountRef,
		ReviewerID:        credit.ReviewerID,
		ResultDescription: "bank credit keyed by operator",
		OccurredAt:        at,
		Metadata:          ManualMetadata{ReviewerID: credit.ReviewerID, BankReference: credit.BankReference},
	}, nil
}
