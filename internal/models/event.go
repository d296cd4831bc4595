package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventStatus is the outcome a provider reports for a transaction.
type EventStatus string

const (
	EventSuccess EventStatus = "SUCCESS"
	EventFailed  EventStatus = "FAILED"
	EventPending EventStatus = "PENDING"
)

// TargetState maps a provider outcome onto the ledger state it asks for.
func (s EventStatus) TargetState() (IntentState, bool) {
	switch s {
	case EventSuccess:
		return StateConfirmed, true
	case EventFailed:
		return StateFailed, true
	}
	return "", false
}

// Metadata is the typed, provider-specific payload an adapter attaches to an event.
type Metadata interface {
	MetadataKind() string
}

// ProviderEvent is the canonical form of a webhook, poll result or manual review decision.
type ProviderEvent struct {
	Provider          Provider        `json:"provider"`
	ExternalReference string          `json:"external_reference"`
	InternalReference string          `json:"internal_reference,omitempty"`
	Status            EventStatus     `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	AccountReference  string          `json:"account_reference,omitempty"`
	PayerAccountRef   string          `json:"payer_account_ref,omitempty"`
	ResultCode        string          `json:"result_code,omitempty"`
	ResultDescription string          `json:"result_description,omitempty"`
	ReviewerID        string          `json:"reviewer_id,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	Metadata          Metadata        `json:"-"`
}

// Key identifies the event for idempotence purposes.
func (e *ProviderEvent) Key() string {
	return fmt.Sprintf("%s/%s/%s", e.Provider, e.ExternalReference, e.Status)
}

type metadataEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata serializes typed metadata into the opaque blob stored with intents,
// transitions and parked events.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s metadata: %w", m.MetadataKind(), err)
	}
	return json.Marshal(metadataEnvelope{Kind: m.MetadataKind(), Data: data})
}

// MetadataKindOf returns the kind recorded in an encoded blob, or "" if it has none.
func MetadataKindOf(blob []byte) string {
	if len(blob) == 0 {
		return ""
	}
	var env metadataEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return ""
	}
	return env.Kind
}

// DecodeMetadata unpacks a blob written by EncodeMetadata into dst.
func DecodeMetadata(blob []byte, dst Metadata) error {
	var env metadataEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return fmt.Errorf("failed to read metadata envelope: %w", err)
	}
	if env.Kind != dst.MetadataKind() {
		return fmt.Errorf("metadata kind %q does not match %q", env.Kind, dst.MetadataKind())
	}
	return json.Unmarshal(env.Data, dst)
}

// PaymentConfirmedEvent is published once money has been applied to a loan.
type PaymentConfirmedEvent struct {
	LoanID    string          `json:"loan_id"`
	PaymentID string          `json:"payment_id"`
	IntentID  string          `json:"intent_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// PaymentFailedEvent is published when an intent ends without money moving.
type PaymentFailedEvent struct {
	IntentID string `json:"intent_id"`
	Reason   string `json:"reason"`
}
