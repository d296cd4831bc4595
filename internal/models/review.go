package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DeadLetter is a confirmed intent whose allocation could not be completed.
type DeadLetter struct {
	ID         uuid.UUID  `json:"id"`
	IntentID   uuid.UUID  `json:"intent_id"`
	LoanID     *uuid.UUID `json:"loan_id,omitempty"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

// UnattributedEvent is inbound money no intent or loan could be matched to.
type UnattributedEvent struct {
	ID                uuid.UUID       `json:"id"`
	Provider          Provider        `json:"provider"`
	ExternalReference string          `json:"external_reference"`
	AccountReference  string          `json:"account_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PayerAccountRef   string          `json:"payer_account_ref"`
	Reason            string          `json:"reason"`
	Payload           []byte          `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy        string          `json:"resolved_by,omitempty"`
	ResolvedIntentID  *uuid.UUID      `json:"resolved_intent_id,omitempty"`
}
