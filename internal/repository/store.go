package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Dan9191/loan-payments/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique reference is already taken.
	ErrDuplicate = errors.New("duplicate")
)

// IntentStore persists payment intents. CompareAndSwapState is the only way state changes.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntent(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error)
	FindByInternalReference(ctx context.Context, ref string) (*models.PaymentIntent, error)
	FindByExternalReference(ctx context.Context, provider models.Provider, ref string) (*models.PaymentIntent, error)
	SetExternalReference(ctx context.Context, id uuid.UUID, ref string) error
	CompareAndSwapState(ctx context.Context, id uuid.UUID, from, to models.IntentState, ev models.Evidence) (bool, error)
	FindPendingMatch(ctx context.Context, provider models.Provider, loanID uuid.UUID, amount decimal.Decimal, since time.Time) (*models.PaymentIntent, error)
	ListPending(ctx context.Context, provider models.Provider, createdBefore time.Time, limit int) ([]*models.PaymentIntent, error)
	ListUnallocated(ctx context.Context, confirmedBefore time.Time, limit int) ([]*models.PaymentIntent, error)
	SetAllocationStatus(ctx context.Context, id uuid.UUID, status models.AllocationStatus) error
	ListTransitions(ctx context.Context, intentID uuid.UUID) ([]models.IntentTransition, error)
}

// LoanStore reads loans and runs allocation transactions against their schedules.
type LoanStore interface {
	CreateLoan(ctx context.Context, loan *models.Loan, lines []*models.ScheduleLine) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	FindLoanByNumber(ctx context.Context, number string) (*models.Loan, error)
	ListLines(ctx context.Context, loanID uuid.UUID) ([]*models.ScheduleLine, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindPaymentByIntent(ctx context.Context, intentID uuid.UUID) (*models.Payment, error)
	WithinLoanTx(ctx context.Context, loanID uuid.UUID, fn func(tx LoanTx) error) error
}

// LoanTx is an open all-or-nothing unit of work over one loan and its schedule lines.
// Lines are returned in ascending due-date order.
type LoanTx interface {
	Loan() *models.Loan
	Lines() []*models.ScheduleLine
	PaymentForIntent(intentID uuid.UUID) (*models.Payment, error)
	LockPayment(id uuid.UUID) (*models.Payment, error)
	SaveLine(line *models.ScheduleLine) error
	SaveLoan(loan *models.Loan) error
	InsertPayment(p *models.Payment) error
	InsertCredit(c *models.LoanCredit) error
	MarkReversed(p *models.Payment) error
}

// ReviewStore holds the work queues operators resolve by hand.
type ReviewStore interface {
	AddDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, openOnly bool, limit int) ([]*models.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id uuid.UUID, by string, at time.Time) error
	ParkUnattributed(ctx context.Context, ev *models.UnattributedEvent) (bool, error)
	GetUnattributed(ctx context.Context, id uuid.UUID) (*models.UnattributedEvent, error)
	ListUnattributed(ctx context.Context, openOnly bool, limit int) ([]*models.UnattributedEvent, error)
	// ResolveUnattributed claims an open parked event; ErrNotFound when it is already resolved.
	ResolveUnattributed(ctx context.Context, id uuid.UUID, by string, intentID uuid.UUID, at time.Time) error
	ReopenUnattributed(ctx context.Context, id uuid.UUID) error
}

// ReportStore aggregates ledger state for reconciliation reporting.
type ReportStore interface {
	ReconciliationReport(ctx context.Context, from, to time.Time) (*models.ReconciliationReport, error)
}

// Store is everything the service layer needs from persistence.
type Store interface {
	IntentStore
	LoanStore
	ReviewStore
	ReportStore
}
