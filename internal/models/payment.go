package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment is the authoritative record of confirmed money applied to a loan.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	IntentID          uuid.UUID       `json:"intent_id"`
	LoanID            uuid.UUID       `json:"loan_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PrincipalAmount   decimal.Decimal `json:"principal_amount"`
	InterestAmount    decimal.Decimal `json:"interest_amount"`
	FeesAmount        decimal.Decimal `json:"fees_amount"`
	PenaltyAmount     decimal.Decimal `json:"penalty_amount"`
	OverpaymentAmount decimal.Decimal `json:"overpayment_amount"`
	IsReversed        bool            `json:"is_reversed"`
	ReversedAt        *time.Time      `json:"reversed_at,omitempty"`
	ReversedBy        string          `json:"reversed_by,omitempty"`
	Allocations       []Allocation    `json:"allocations"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Allocation is the part of a payment applied to a single schedule line.
type Allocation struct {
	PaymentID       uuid.UUID       `json:"payment_id"`
	ScheduleLineID  uuid.UUID       `json:"schedule_line_id"`
	PenaltyAmount   decimal.Decimal `json:"penalty_amount"`
	FeesAmount      decimal.Decimal `json:"fees_amount"`
	InterestAmount  decimal.Decimal `json:"interest_amount"`
	PrincipalAmount decimal.Decimal `json:"principal_amount"`
}

// Total is the sum of the allocation's components.
func (a Allocation) Total() decimal.Decimal {
	return a.PenaltyAmount.Add(a.FeesAmount).Add(a.InterestAmount).Add(a.PrincipalAmount)
}

// AllocatedTotal is the part of the payment spent on schedule lines.
func (p *Payment) AllocatedTotal() decimal.Decimal {
	return p.PenaltyAmount.Add(p.FeesAmount).Add(p.InterestAmount).Add(p.PrincipalAmount)
}
