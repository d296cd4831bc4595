package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/integrations/provider"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/money"
	"github.com/Dan9191/loan-payments/internal/repository"
)

// VerifyRequest is an operator's confirmation that a bank transfer arrived
type VerifyRequest struct {
	BankReference string          `json:"bank_reference" validate:"required,max=64"`
	Amount        decimal.Decimal `json:"amount"`
	ReviewerID    string          `json:"-" validate:"required"`
}

// RejectRequest is an operator's refusal of a bank transfer
type RejectRequest struct {
	Reason     string `json:"reason" validate:"max=256"`
	ReviewerID string `json:"-" validate:"required"`
}

// AssignRequest links a parked event to a loan
type AssignRequest struct {
	LoanID     string `json:"loan_id" validate:"required,uuid"`
	ReviewerID string `json:"-" validate:"required"`
}

func (s *Service) manualReviewer(intent *models.PaymentIntent) (provider.Reviewer, error) {
	if intent.Direction != models.DirectionManual {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotManual, intent.InternalReference, intent.Provider)
	}
	adapter, ok := s.registry.Get(intent.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, intent.Provider)
	}
	reviewer, ok := adapter.(provider.Reviewer)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no review flow", ErrNotManual, intent.Provider)
	}
	return reviewer, nil
}

// Verify confirms a manual intent and allocates it through the same path as a callback
func (s *Service) Verify(ctx context.Context, intentID uuid.UUID, req VerifyRequest) (*ApplyResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if req.Amount.IsNegative() || !money.HasScale(req.Amount) {
		return nil, invalid("amount", "must be a non-negative amount with at most 2 decimal places")
	}
	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	reviewer, err := s.manualReviewer(intent)
	if err != nil {
		return nil, err
	}
	ev, err := reviewer.Verify(intent, req.ReviewerID, req.BankReference, req.Amount)
	if err != nil {
		return nil, invalid("request", err.Error())
	}
	s.log.WithFields(logrus.Fields{"intent_id": intent.ID, "reviewer_id": req.ReviewerID}).
		Infof("Bank transfer %s verified", req.BankReference)
	return s.applyReview(ctx, intent, ev)
}

// Reject fails a manual intent
func (s *Service) Reject(ctx context.Context, intentID uuid.UUID, req RejectRequest) (*ApplyResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	reviewer, err := s.manualReviewer(intent)
	if err != nil {
		return nil, err
	}
	ev, err := reviewer.Reject(intent, req.ReviewerID, req.Reason)
	if err != nil {
		return nil, invalid("request", err.Error())
	}
	s.log.WithFields(logrus.Fields{"intent_id": intent.ID, "reviewer_id": req.ReviewerID}).Info("Bank transfer rejected")
	return s.applyReview(ctx, intent, ev)
}

// applyReview applies an operator decision. A bank reference bound to another intent is a request error.
func (s *Service) applyReview(ctx context.Context, intent *models.PaymentIntent, ev *models.ProviderEvent) (*ApplyResult, error) {
	res, err := s.reconciler.ApplyTo(ctx, intent, ev, models.SourceReview, false)
	if errors.Is(err, errRematch) {
		return nil, invalid("bank_reference", fmt.Sprintf("%s is already recorded against another payment", ev.ExternalReference))
	}
	return res, err
}

// RecordBankCredit feeds a bank statement line with no intent into reconciliation
func (s *Service) RecordBankCredit(ctx context.Context, credit provider.BankCredit) (*ApplyResult, error) {
	if err := s.check(credit); err != nil {
		return nil, err
	}
	if !credit.Amount.IsPositive() || !money.HasScale(credit.Amount) {
		return nil, invalid("amount", "must be positive with at most 2 decimal places")
	}
	if err := money.ValidateCurrency(credit.Currency); err != nil {
		return nil, invalid("currency", err.Error())
	}
	adapter, ok := s.registry.Get(models.ProviderBankTransfer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, models.ProviderBankTransfer)
	}
	recorder, ok := adapter.(provider.CreditRecorder)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot record credits", ErrNotManual, adapter.Name())
	}
	ev, err := recorder.CreditEvent(credit)
	if err != nil {
		return nil, invalid("request", err.Error())
	}
	return s.reconciler.Apply(ctx, ev, models.SourceReview)
}

// ReversePayment undoes a payment's allocation
func (s *Service) ReversePayment(ctx context.Context, paymentID uuid.UUID, reviewerID string) (*models.Payment, error) {
	return s.allocator.Reverse(ctx, paymentID, reviewerID)
}

// ListDeadLetters lists allocation failures, open ones only unless all is set
func (s *Service) ListDeadLetters(ctx context.Context, all bool, limit int) ([]*models.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, !all, limit)
}

// RetryDeadLetter re-runs allocation for a dead-lettered intent and resolves the letter on success
func (s *Service) RetryDeadLetter(ctx context.Context, id uuid.UUID, reviewerID string) (*models.Payment, error) {
	if reviewerID == "" {
		return nil, invalid("reviewer_id", "is required")
	}
	dl, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.ResolvedAt != nil {
		return nil, fmt.Errorf("dead letter %s already resolved: %w", id, repository.ErrNotFound)
	}
	intent, err := s.store.GetIntent(ctx, dl.IntentID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetAllocationStatus(ctx, intent.ID, models.AllocationPending); err != nil {
		return nil, err
	}

	// deadLetter is idempotent per open letter, so a failing retry keeps this one.
	payment, err := s.allocator.Allocate(ctx, intent)
	if err != nil {
		return nil, err
	}
	if err := s.store.ResolveDeadLetter(ctx, id, reviewerID, s.now()); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"dead_letter_id": id, "reviewer_id": reviewerID}).Info("Dead letter resolved by retry")
	return payment, nil
}

// ListUnattributed lists parked events, open ones only unless all is set
func (s *Service) ListUnattributed(ctx context.Context, all bool, limit int) ([]*models.UnattributedEvent, error) {
	return s.store.ListUnattributed(ctx, !all, limit)
}

// AssignUnattributed creates a confirmed intent for a parked event on the chosen loan and allocates it
func (s *Service) AssignUnattributed(ctx context.Context, id uuid.UUID, req AssignRequest) (*ApplyResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	loanID, err := uuid.Parse(req.LoanID)
	if err != nil {
		return nil, invalid("loan_id", "must be a UUID")
	}
	parked, err := s.store.GetUnattributed(ctx, id)
	if err != nil {
		return nil, err
	}
	if parked.ResolvedAt != nil {
		return nil, fmt.Errorf("unattributed event %s already resolved: %w", id, repository.ErrNotFound)
	}
	loan, err := s.store.GetLoan(ctx, loanID)
	if isNotFound(err) {
		return nil, invalid("loan_id", "not found")
	}
	if err != nil {
		return nil, err
	}
	if !parked.Amount.IsPositive() {
		return nil, invalid("amount", "parked payment has no positive amount")
	}
	if parked.Currency != loan.Currency {
		return nil, invalid("loan_id", fmt.Sprintf("loan is in %s, payment is in %s", loan.Currency, parked.Currency))
	}

	// Keep the provider reference unless an intent already owns it.
	extRef := parked.ExternalReference
	if extRef != "" {
		if _, err := s.ledger.FindByExternalReference(ctx, parked.Provider, extRef); err == nil {
			extRef = ""
		} else if !isNotFound(err) {
			return nil, err
		}
	}

	now := s.now()
	intent := &models.PaymentIntent{
		ID:                uuid.New(),
		Provider:          parked.Provider,
		Direction:         parked.Provider.Direction(),
		InternalReference: ulid.Make().String(),
		ExternalReference: extRef,
		Amount:            parked.Amount,
		Currency:          parked.Currency,
		PayerAccountRef:   parked.PayerAccountRef,
		LoanID:            &loan.ID,
		BorrowerID:        loan.BorrowerID,
		State:             models.StatePending,
		AllocationStatus:  models.AllocationNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	// Claim the event before any money moves so concurrent assigns cannot both allocate it.
	if err := s.store.ResolveUnattributed(ctx, id, req.ReviewerID, intent.ID, now); err != nil {
		return nil, fmt.Errorf("unattributed event %s already resolved: %w", id, err)
	}
	if err := s.ledger.CreateIntent(ctx, intent); err != nil {
		if rerr := s.store.ReopenUnattributed(ctx, id); rerr != nil {
			s.log.Errorf("Failed to reopen unattributed event %s: %v", id, rerr)
		}
		return nil, err
	}

	ev := &models.ProviderEvent{
		Provider:          parked.Provider,
		Status:            models.EventSuccess,
		Amount:            parked.Amount,
		Currency:          parked.Currency,
		ReviewerID:        req.ReviewerID,
		ResultDescription: "assigned by operator: " + parked.Reason,
		OccurredAt:        now,
	}
	res, err := s.reconciler.ApplyTo(ctx, intent, ev, models.SourceReview, false)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"unattributed_id": id,
		"intent_id":       intent.ID,
		"loan_id":         loan.ID,
		"reviewer_id":     req.ReviewerID,
	}).Info("Unattributed payment assigned")
	return res, nil
}

// Report aggregates ledger state for the window; zero bounds default to the last 24 hours
func (s *Service) Report(ctx context.Context, from, to time.Time) (*models.ReconciliationReport, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !from.Before(to) {
		return nil, invalid("from", "must be before to")
	}
	return s.store.ReconciliationReport(ctx, from, to)
}

// GetPayment retrieves a payment with its allocations
func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return s.store.GetPayment(ctx, id)
}
