package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the servicing state of a loan.
type LoanStatus string

const (
	LoanActive     LoanStatus = "ACTIVE"
	LoanPaidOff    LoanStatus = "PAID_OFF"
	LoanClosed     LoanStatus = "CLOSED"
	LoanWrittenOff LoanStatus = "WRITTEN_OFF"
)

// AcceptsPayments reports whether money can still be applied to the loan.
func (s LoanStatus) AcceptsPayments() bool {
	return s == LoanActive || s == LoanPaidOff
}

// Loan represents a disbursed loan being serviced
type Loan struct {
	ID                uuid.UUID       `json:"id"`
	LoanNumber        string          `json:"loan_number"`
	BorrowerID        string          `json:"borrower_id"`
	Currency          string          `json:"currency"`
	Status            LoanStatus      `json:"status"`
	OverpaymentCredit decimal.Decimal `json:"overpayment_credit"`
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// LoanCredit is an overpayment recorded against a loan instead of a schedule line.
type LoanCredit struct {
	ID        uuid.UUID       `json:"id"`
	LoanID    uuid.UUID       `json:"loan_id"`
	PaymentID uuid.UUID       `json:"payment_id"`
	IntentID  uuid.UUID       `json:"intent_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
