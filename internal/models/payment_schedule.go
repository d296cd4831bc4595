package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ScheduleLine represents one installment of a loan schedule
type ScheduleLine struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	DueDate       time.Time       `json:"due_date"`
	PrincipalDue  decimal.Decimal `json:"principal_due"`
	InterestDue   decimal.Decimal `json:"interest_due"`
	FeesDue       decimal.Decimal `json:"fees_due"`
	PenaltyDue    decimal.Decimal `json:"penalty_due"`
	PrincipalPaid decimal.Decimal `json:"principal_paid"`
	InterestPaid  decimal.Decimal `json:"interest_paid"`
	FeesPaid      decimal.Decimal `json:"fees_paid"`
	PenaltyPaid   decimal.Decimal `json:"penalty_paid"`
	IsPaid        bool            `json:"is_paid"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TotalDue is the sum of all component dues.
func (l *ScheduleLine) TotalDue() decimal.Decimal {
	return l.PenaltyDue.Add(l.FeesDue).Add(l.InterestDue).Add(l.PrincipalDue)
}

// TotalPaid is the sum of all component payments.
func (l *ScheduleLine) TotalPaid() decimal.Decimal {
	return l.PenaltyPaid.Add(l.FeesPaid).Add(l.InterestPaid).Add(l.PrincipalPaid)
}

// Outstanding is what is still owed on the line.
func (l *ScheduleLine) Outstanding() decimal.Decimal {
	return l.TotalDue().Sub(l.TotalPaid())
}

// RefreshPaid recomputes IsPaid from the component totals.
func (l *ScheduleLine) RefreshPaid() {
	l.IsPaid = l.TotalPaid().GreaterThanOrEqual(l.TotalDue())
}
