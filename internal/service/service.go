package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/config"
	"github.com/Dan9191/loan-payments/internal/integrations/provider"
	"github.com/Dan9191/loan-payments/internal/metrics"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/money"
	"github.com/Dan9191/loan-payments/internal/repository"
)

// Options carries the optional collaborators of the service
type Options struct {
	Notifier Notifier
	Alerter  Alerter
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Service handles business logic
type Service struct {
	store      repository.Store
	registry   *provider.Registry
	config     *config.Config
	log        *logrus.Logger
	ledger     *Ledger
	allocator  *Allocator
	reconciler *Reconciler
	notifier   Notifier
	alerter    Alerter
	metrics    *metrics.Metrics
	validate   *validator.Validate
	now        func() time.Time
}

// NewService initializes a new service
func NewService(store repository.Store, registry *provider.Registry, cfg *config.Config, log *logrus.Logger, opts Options) *Service {
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(log)
	}
	if opts.Alerter == nil {
		opts.Alerter = NewLogAlerter(log)
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	ledger := NewLedger(store, log, opts.Metrics)
	allocator := NewAllocator(store, opts.Notifier, opts.Alerter, log, opts.Metrics, opts.Clock)
	s := &Service{
		store:     store,
		registry:  registry,
		config:    cfg,
		log:       log,
		ledger:    ledger,
		allocator: allocator,
		notifier:  opts.Notifier,
		alerter:   opts.Alerter,
		metrics:   opts.Metrics,
		validate:  newValidator(),
		now:       opts.Clock,
	}
	s.reconciler = &Reconciler{
		store:     store,
		registry:  registry,
		ledger:    ledger,
		allocator: allocator,
		notifier:  opts.Notifier,
		alerter:   opts.Alerter,
		cfg:       cfg.Reconciliation,
		log:       log,
		metrics:   opts.Metrics,
		now:       opts.Clock,
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// registration only fails on an empty tag
	_ = v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.IsPositive()
	})
	return v
}

// check runs struct validation and converts failures into a ValidationError
func (s *Service) check(req interface{}) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate request: %w", err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		msg := "failed " + fe.Tag()
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "len":
			msg = "must be " + fe.Param() + " characters"
		case "max":
			msg = "must be at most " + fe.Param() + " characters"
		case "uppercase":
			msg = "must be uppercase"
		case "positive_decimal":
			msg = "must be positive"
		case "uuid":
			msg = "must be a UUID"
		}
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: msg})
	}
	return out
}

// Ledger exposes the transaction ledger
func (s *Service) Ledger() *Ledger { return s.ledger }

// Allocator exposes the allocation engine
func (s *Service) Allocator() *Allocator { return s.allocator }

// Reconciler exposes the reconciliation engine
func (s *Service) Reconciler() *Reconciler { return s.reconciler }

// InitiateRequest is a borrower's request to pay a loan through a provider
type InitiateRequest struct {
	InternalReference string          `json:"internal_reference" validate:"omitempty,max=64"`
	LoanID            string          `json:"loan_id" validate:"omitempty,uuid"`
	LoanNumber        string          `json:"loan_number" validate:"omitempty,max=64"`
	BorrowerID        string          `json:"borrower_id" validate:"omitempty,max=64"`
	Amount            decimal.Decimal `json:"amount" validate:"positive_decimal"`
	Currency          string          `json:"currency" validate:"required,len=3,uppercase"`
	PayerAccountRef   string          `json:"payer_account_ref" validate:"omitempty,max=64"`
}

// InitiateResult is what the caller learns synchronously about a payment attempt
type InitiateResult struct {
	InternalReference string                     `json:"internal_reference"`
	Status            provider.Outcome           `json:"status"`
	Message           string                     `json:"message,omitempty"`
	State             models.IntentState         `json:"state"`
	Instructions      *provider.BankInstructions `json:"instructions,omitempty"`
}

// Initiate records a PENDING intent and submits it to the provider.
// Re-sending the same internal reference never creates a second intent.
func (s *Service) Initiate(ctx context.Context, p models.Provider, req InitiateRequest) (*InitiateResult, error) {
	adapter, ok := s.registry.Get(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	if err := s.check(req); err != nil {
		return nil, err
	}
	if !money.HasScale(req.Amount) {
		return nil, invalid("amount", "must have at most 2 decimal places")
	}
	if req.PayerAccountRef == "" && adapter.Direction() != models.DirectionManual {
		return nil, invalid("payer_account_ref", "is required")
	}

	if req.InternalReference != "" {
		existing, err := s.ledger.FindByInternalReference(ctx, req.InternalReference)
		switch {
		case err == nil:
			return s.resume(ctx, adapter, existing)
		case !isNotFound(err):
			return nil, err
		}
	}

	loan, err := s.resolveLoan(ctx, req)
	if err != nil {
		return nil, err
	}

	ref := req.InternalReference
	if ref == "" {
		ref = ulid.Make().String()
	}
	borrower := req.BorrowerID
	if borrower == "" {
		borrower = loan.BorrowerID
	}
	now := s.now()
	loanID := loan.ID
	intent := &models.PaymentIntent{
		ID:                uuid.New(),
		Provider:          p,
		Direction:         adapter.Direction(),
		InternalReference: ref,
		Amount:            req.Amount,
		Currency:          req.Currency,
		PayerAccountRef:   req.PayerAccountRef,
		LoanID:            &loanID,
		BorrowerID:        borrower,
		State:             models.StatePending,
		AllocationStatus:  models.AllocationNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.ledger.CreateIntent(ctx, intent); err != nil {
		if errors.Is(err, repository.ErrDuplicate) && req.InternalReference != "" {
			// A concurrent request with the same reference won the insert.
			existing, ferr := s.ledger.FindByInternalReference(ctx, ref)
			if ferr != nil {
				return nil, ferr
			}
			return s.resume(ctx, adapter, existing)
		}
		return nil, err
	}
	return s.submit(ctx, adapter, intent, loan.LoanNumber)
}

// resume answers a repeated initiate for an intent that already exists
func (s *Service) resume(ctx context.Context, adapter provider.Adapter, intent *models.PaymentIntent) (*InitiateResult, error) {
	if intent.Provider != adapter.Name() {
		return nil, invalid("internal_reference", fmt.Sprintf("already used for a %s payment", intent.Provider))
	}
	if intent.State != models.StatePending || intent.ExternalReference != "" || adapter.Direction() == models.DirectionManual {
		s.log.Infof("Initiate for %s repeated, intent is %s", intent.InternalReference, intent.State)
		return s.current(ctx, adapter, intent)
	}

	// The earlier submission never reached the provider.
	loanNumber := ""
	if intent.LoanID != nil {
		if loan, err := s.store.GetLoan(ctx, *intent.LoanID); err == nil {
			loanNumber = loan.LoanNumber
		}
	}
	s.log.Infof("Resubmitting %s to %s", intent.InternalReference, intent.Provider)
	return s.submit(ctx, adapter, intent, loanNumber)
}

func (s *Service) current(ctx context.Context, adapter provider.Adapter, intent *models.PaymentIntent) (*InitiateResult, error) {
	res := &InitiateResult{
		InternalReference: intent.InternalReference,
		Status:            provider.OutcomeAccepted,
		State:             intent.State,
		Message:           intent.ResultDescription,
	}
	if intent.State == models.StateFailed {
		res.Status = provider.OutcomeRejected
	}
	if adapter.Direction() == models.DirectionManual && intent.State == models.StatePending {
		// Instructions carry no side effect, so regenerate them.
		sub, err := adapter.Initiate(ctx, provider.Request{InternalReference: intent.InternalReference})
		if err == nil {
			res.Instructions = sub.Instructions
			res.Message = sub.Message
		}
	}
	return res, nil
}

// submit calls the provider and records its synchronous answer
func (s *Service) submit(ctx context.Context, adapter provider.Adapter, intent *models.PaymentIntent, loanNumber string) (*InitiateResult, error) {
	sub, err := adapter.Initiate(ctx, provider.Request{
		InternalReference: intent.InternalReference,
		Amount:            intent.Amount,
		Currency:          intent.Currency,
		PayerAccountRef:   intent.PayerAccountRef,
		LoanID:            intent.LoanID,
		LoanNumber:        loanNumber,
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"intent_id": intent.ID,
			"provider":  intent.Provider,
		}).Errorf("Provider submission failed: %v", err)
		return nil, &ProviderError{Provider: intent.Provider, InternalReference: intent.InternalReference, Err: err}
	}

	res := &InitiateResult{
		InternalReference: intent.InternalReference,
		Status:            sub.Outcome,
		Message:           sub.Message,
		State:             intent.State,
		Instructions:      sub.Instructions,
	}

	if sub.Outcome == provider.OutcomeRejected {
		meta, err := models.EncodeMetadata(sub.Metadata)
		if err != nil {
			return nil, err
		}
		tr, err := s.ledger.Transition(ctx, intent.ID, models.StateFailed, models.Evidence{
			Source:            models.SourceInitiate,
			ResultCode:        sub.ResultCode,
			ResultDescription: sub.Message,
			Metadata:          meta,
			OccurredAt:        s.now(),
		})
		if err != nil {
			return nil, err
		}
		res.State = tr.Intent.State
		if tr.Won {
			reason := sub.Message
			if reason == "" {
				reason = "rejected by provider"
			}
			if err := s.notifier.PaymentFailed(ctx, models.PaymentFailedEvent{IntentID: intent.ID.String(), Reason: reason}); err != nil {
				s.log.Errorf("Failed to publish payment.failed for %s: %v", intent.ID, err)
			}
		}
		return res, nil
	}

	if sub.ExternalReference != "" {
		if err := s.store.SetExternalReference(ctx, intent.ID, sub.ExternalReference); err != nil {
			return nil, fmt.Errorf("failed to record external reference for %s: %w", intent.InternalReference, err)
		}
	}
	// A callback may already have settled the intent.
	if latest, err := s.store.GetIntent(ctx, intent.ID); err == nil {
		res.State = latest.State
	}
	return res, nil
}

// resolveLoan finds the loan a request pays and checks it can take the payment
func (s *Service) resolveLoan(ctx context.Context, req InitiateRequest) (*models.Loan, error) {
	var (
		loan *models.Loan
		err  error
	)
	switch {
	case req.LoanID != "":
		id, perr := uuid.Parse(req.LoanID)
		if perr != nil {
			return nil, invalid("loan_id", "must be a UUID")
		}
		loan, err = s.store.GetLoan(ctx, id)
	case req.LoanNumber != "":
		loan, err = s.store.FindLoanByNumber(ctx, req.LoanNumber)
	default:
		return nil, invalid("loan_id", "loan_id or loan_number is required")
	}
	if isNotFound(err) {
		return nil, invalid("loan", "not found")
	}
	if err != nil {
		return nil, err
	}
	if req.LoanID != "" && req.LoanNumber != "" && loan.LoanNumber != req.LoanNumber {
		return nil, invalid("loan_number", "does not match loan_id")
	}
	if !loan.Status.AcceptsPayments() {
		return nil, invalid("loan", fmt.Sprintf("loan is %s", loan.Status))
	}
	if loan.Currency != req.Currency {
		return nil, invalid("currency", fmt.Sprintf("loan is in %s", loan.Currency))
	}
	return loan, nil
}

// GetIntent retrieves an intent by internal reference
func (s *Service) GetIntent(ctx context.Context, reference string) (*models.PaymentIntent, error) {
	return s.ledger.FindByInternalReference(ctx, reference)
}

// HandleCallback processes a provider webhook and returns the body to answer with
func (s *Service) HandleCallback(ctx context.Context, p models.Provider, raw []byte, header http.Header) (provider.Ack, error) {
	return s.reconciler.HandleCallback(ctx, p, raw, header)
}
