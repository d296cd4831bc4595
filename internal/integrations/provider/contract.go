package provider

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Dan9191/loan-payments/internal/models"
)

// ErrUnavailable is returned when a provider's circuit breaker rejects the call.
var ErrUnavailable = errors.New("provider unavailable")

// Outcome is the provider's immediate answer to a submission.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

// Request is what the service asks a provider to collect.
type Request struct {
	InternalReference string
	Amount            decimal.Decimal
	Currency          string
	PayerAccountRef   string
	LoanID            *uuid.UUID
	LoanNumber        string
}

// BankInstructions tell a borrower where to send a manual transfer.
type BankInstructions struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	Reference     string `json:"reference"`
}

// Submission is the synchronous result of Initiate.
type Submission struct {
	Outcome           Outcome
	ExternalReference string
	ResultCode        string
	Message           string
	Instructions      *BankInstructions
	Metadata          models.Metadata
}

// Ack is the body a webhook must answer with.
type Ack struct {
	ContentType string
	Body        []byte
}

// Adapter is implemented by every payment channel.
type Adapter interface {
	Name() models.Provider
	Direction() models.Direction
	Initiate(ctx context.Context, req Request) (*Submission, error)
	// ParseCallback returns nil when the payload cannot be attributed (bad signature, malformed body).
	ParseCallback(ctx context.Context, raw []byte, header http.Header) *models.ProviderEvent
	Acknowledge() Ack
}

// Poller is implemented by channels that can be asked for a transaction's status.
type Poller interface {
	Poll(ctx context.Context, externalRef string) (*models.ProviderEvent, error)
}

// Reviewer is implemented by channels confirmed by a human.
type Reviewer interface {
	Verify(intent *models.PaymentIntent, reviewerID, bankReference string, amount decimal.Decimal) (*models.ProviderEvent, error)
	Reject(intent *models.PaymentIntent, reviewerID, reason string) (*models.ProviderEvent, error)
}

// BankCredit is an operator-keyed bank statement line with no registered intent.
type BankCredit struct {
	BankReference   string          `json:"bank_reference" validate:"required"`
	LoanNumber      string          `json:"loan_number"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"required,len=3"`
	PayerAccountRef string          `json:"payer_account_ref"`
	ReviewerID      string          `json:"-"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// CreditRecorder is implemented by channels whose unregistered credits are keyed in by operators.
type CreditRecorder interface {
	CreditEvent(credit BankCredit) (*models.ProviderEvent, error)
}

// Registry looks adapters up by provider name.
type Registry struct {
	adapters map[models.Provider]Adapter
}

// NewRegistry indexes the given adapters by name
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for a provider
func (r *Registry) Get(p models.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Names lists the registered providers in a stable order
func (r *Registry) Names() []models.Provider {
	out := make([]models.Provider, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
