package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provider identifies a money-movement channel.
type Provider string

const (
	ProviderMobilePush   Provider = "mobile_push"
	ProviderMobilePull   Provider = "mobile_pull"
	ProviderBankTransfer Provider = "bank_transfer"
)

// Direction is how confirmation reaches us for a provider.
type Direction string

const (
	DirectionPush   Direction = "PUSH"
	DirectionPull   Direction = "PULL"
	DirectionManual Direction = "MANUAL"
)

// Direction returns the confirmation mechanics of the provider.
func (p Provider) Direction() Direction {
	switch p {
	case ProviderMobilePush:
		return DirectionPush
	case ProviderMobilePull:
		return DirectionPull
	case ProviderBankTransfer:
		return DirectionManual
	}
	return ""
}

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	return p.Direction() != ""
}

// IntentState is the lifecycle state of a PaymentIntent.
type IntentState string

const (
	StatePending   IntentState = "PENDING"
	StateConfirmed IntentState = "CONFIRMED"
	StateFailed    IntentState = "FAILED"
	StateExpired   IntentState = "EXPIRED"
)

// IsTerminal reports whether the state ends the normal lifecycle.
func (s IntentState) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateExpired
}

// CanTransition reports whether from -> to is a legal ledger move.
// EXPIRED -> CONFIRMED settles money that arrived after the sweep gave up on it.
func CanTransition(from, to IntentState) bool {
	switch from {
	case StatePending:
		return to == StateConfirmed || to == StateFailed || to == StateExpired
	case StateExpired:
		return to == StateConfirmed
	}
	return false
}

// AllocationStatus tracks whether a confirmed intent has been spent on its loan.
type AllocationStatus string

const (
	AllocationNone         AllocationStatus = "NONE"
	AllocationPending      AllocationStatus = "PENDING"
	AllocationDone         AllocationStatus = "ALLOCATED"
	AllocationDeadLettered AllocationStatus = "DEAD_LETTERED"
)

// PaymentIntent is the ledger record of an attempted money movement.
type PaymentIntent struct {
	ID                 uuid.UUID        `json:"id"`
	Provider           Provider         `json:"provider"`
	Direction          Direction        `json:"direction"`
	InternalReference  string           `json:"internal_reference"`
	ExternalReference  string           `json:"external_reference,omitempty"`
	Amount             decimal.Decimal  `json:"amount"`
	ConfirmedAmount    decimal.Decimal  `json:"confirmed_amount"`
	Currency           string           `json:"currency"`
	PayerAccountRef    string           `json:"payer_account_ref"`
	LoanID             *uuid.UUID       `json:"loan_id,omitempty"`
	BorrowerID         string           `json:"borrower_id"`
	State              IntentState      `json:"state"`
	ResultCode         string           `json:"result_code,omitempty"`
	ResultDescription  string           `json:"result_description,omitempty"`
	MatchedByHeuristic bool             `json:"matched_by_heuristic"`
	LateConfirmation   bool             `json:"late_confirmation"`
	AllocationStatus   AllocationStatus `json:"allocation_status"`
	Metadata           []byte           `json:"-"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	ConfirmedAt        *time.Time       `json:"confirmed_at,omitempty"`
}

// SettledAmount is the amount the allocation engine spends.
func (i *PaymentIntent) SettledAmount() decimal.Decimal {
	if i.ConfirmedAmount.IsPositive() {
		return i.ConfirmedAmount
	}
	return i.Amount
}

// Clone returns a copy that shares no mutable memory with i.
func (i *PaymentIntent) Clone() *PaymentIntent {
	c := *i
	if i.LoanID != nil {
		id := *i.LoanID
		c.LoanID = &id
	}
	if i.ConfirmedAt != nil {
		at := *i.ConfirmedAt
		c.ConfirmedAt = &at
	}
	if i.Metadata != nil {
		c.Metadata = append([]byte(nil), i.Metadata...)
	}
	return &c
}

// Evidence is what a transition request carries about why the state should change.
type Evidence struct {
	Source            TransitionSource
	ExternalReference string
	Amount            decimal.Decimal
	ResultCode        string
	ResultDescription string
	ReviewerID        string
	Metadata          []byte
	OccurredAt        time.Time
	// Heuristic marks the intent as linked by the loan-number matcher.
	Heuristic bool
}
