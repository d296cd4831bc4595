package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

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

// Outcome says what applying a provider event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
	OutcomeParked    Outcome = "parked"
	OutcomeIgnored   Outcome = "ignored"
)

// ApplyResult describes the effect of one event.
type ApplyResult struct {
	Outcome Outcome                   `json:"outcome"`
	Intent  *models.PaymentIntent     `json:"intent,omitempty"`
	Payment *models.Payment           `json:"payment,omitempty"`
	Parked  *models.UnattributedEvent `json:"parked,omitempty"`
}

// maxApplyAttempts bounds re-matching after losing a race to a concurrent delivery.
const maxApplyAttempts = 3

// errRematch asks Apply to run the matcher again.
var errRematch = errors.New("rematch")

// Reconciler matches provider events to intents and drives them through the ledger
type Reconciler struct {
	store     repository.Store
	registry  *provider.Registry
	ledger    *Ledger
	allocator *Allocator
	notifier  Notifier
	alerter   Alerter
	cfg       config.ReconciliationConfig
	log       *logrus.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// HandleCallback parses a webhook with the provider's adapter and applies it.
// Anything the adapter cannot read is logged and acknowledged.
func (r *Reconciler) HandleCallback(ctx context.Context, p models.Provider, raw []byte, header http.Header) (provider.Ack, error) {
	adapter, ok := r.registry.Get(p)
	if !ok {
		return provider.Ack{}, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	ack := adapter.Acknowledge()

	ev := adapter.ParseCallback(ctx, raw, header)
	if ev == nil {
		r.metrics.Callback(string(p), "unattributable")
		r.log.Warnf("Unattributable %s callback acknowledged (%d bytes)", p, len(raw))
		return ack, nil
	}

	res, err := r.Apply(ctx, ev, models.SourceCallback)
	if err != nil {
		r.metrics.Callback(string(p), "error")
		r.log.WithFields(logrus.Fields{
			"provider":           p,
			"external_reference": ev.ExternalReference,
		}).Errorf("Failed to apply callback: %v", err)
		return ack, nil
	}
	r.metrics.Callback(string(p), string(res.Outcome))
	return ack, nil
}

// Apply finds the intent an event belongs to and applies it
func (r *Reconciler) Apply(ctx context.Context, ev *models.ProviderEvent, source models.TransitionSource) (*ApplyResult, error) {
	entry := r.log.WithFields(logrus.Fields{
		"provider":           ev.Provider,
		"external_reference": ev.ExternalReference,
		"status":             ev.Status,
	})
	if _, ok := ev.Status.TargetState(); !ok {
		entry.Debug("Non-final provider status ignored")
		return &ApplyResult{Outcome: OutcomeIgnored}, nil
	}

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		res, err := r.applyOnce(ctx, ev, source)
		if errors.Is(err, errRematch) {
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("event %s: gave up after %d match attempts", ev.Key(), maxApplyAttempts)
}

func (r *Reconciler) applyOnce(ctx context.Context, ev *models.ProviderEvent, source models.TransitionSource) (*ApplyResult, error) {
	intent, heuristic, err := r.match(ctx, ev)
	if err != nil {
		return nil, err
	}
	if intent != nil {
		return r.ApplyTo(ctx, intent, ev, source, heuristic)
	}

	if ev.Status == models.EventFailed {
		r.log.Infof("Failure report %s matches no intent, ignored", ev.Key())
		return &ApplyResult{Outcome: OutcomeIgnored}, nil
	}
	return r.linkByLoanNumber(ctx, ev)
}

// match runs the lookup stages in order. The bool marks a heuristic match.
func (r *Reconciler) match(ctx context.Context, ev *models.ProviderEvent) (*models.PaymentIntent, bool, error) {
	if ev.ExternalReference != "" {
		intent, err := r.ledger.FindByExternalReference(ctx, ev.Provider, ev.ExternalReference)
		if err == nil {
			return intent, false, nil
		}
		if !isNotFound(err) {
			return nil, false, err
		}
	}

	if ev.InternalReference != "" {
		intent, err := r.ledger.FindByInternalReference(ctx, ev.InternalReference)
		switch {
		case err == nil && intent.Provider == ev.Provider:
			return intent, false, nil
		case err == nil:
			r.log.Warnf("Internal reference %s echoed by %s belongs to a %s intent", ev.InternalReference, ev.Provider, intent.Provider)
		case !isNotFound(err):
			return nil, false, err
		}
	}

	if ev.Status != models.EventSuccess || ev.AccountReference == "" || !ev.Amount.IsPositive() {
		return nil, false, nil
	}
	loan, err := r.store.FindLoanByNumber(ctx, ev.AccountReference)
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	intent, err := r.store.FindPendingMatch(ctx, ev.Provider, loan.ID, ev.Amount, r.now().Add(-r.cfg.MatchWindow))
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return intent, true, nil
}

// ApplyTo applies an event to a known intent
func (r *Reconciler) ApplyTo(ctx context.Context, intent *models.PaymentIntent, ev *models.ProviderEvent, source models.TransitionSource, heuristic bool) (*ApplyResult, error) {
	target, ok := ev.Status.TargetState()
	if !ok {
		return &ApplyResult{Outcome: OutcomeIgnored, Intent: intent}, nil
	}

	if target == models.StateConfirmed && intent.State == models.StateFailed {
		return r.park(ctx, ev, intent.LoanID, fmt.Sprintf("success reported for failed intent %s", intent.InternalReference))
	}
	if target == models.StateConfirmed && ev.Currency != "" && ev.Currency != intent.Currency {
		return r.park(ctx, ev, intent.LoanID,
			fmt.Sprintf("event currency %s does not match intent %s currency %s", ev.Currency, intent.InternalReference, intent.Currency))
	}
	// Only an operator may confirm an amount other than the one requested.
	if target == models.StateConfirmed && source != models.SourceReview && ev.Amount.IsPositive() && !ev.Amount.Equal(intent.Amount) {
		return r.park(ctx, ev, intent.LoanID,
			fmt.Sprintf("provider reported %s for intent %s of %s", money.Format(ev.Amount), intent.InternalReference, money.Format(intent.Amount)))
	}

	evidence, err := evidenceFrom(ev, source, heuristic)
	if err != nil {
		return nil, err
	}
	res, err := r.ledger.Transition(ctx, intent.ID, target, evidence)
	if errors.Is(err, repository.ErrDuplicate) {
		// The external reference was bound to another intent in the meantime.
		return nil, errRematch
	}
	if err != nil {
		return nil, err
	}

	if !res.Won {
		if res.Intent.State == target {
			return &ApplyResult{Outcome: OutcomeDuplicate, Intent: res.Intent}, nil
		}
		return &ApplyResult{Outcome: OutcomeConflict, Intent: res.Intent}, nil
	}

	out := &ApplyResult{Outcome: OutcomeApplied, Intent: res.Intent}
	if target == models.StateFailed {
		reason := ev.ResultDescription
		if reason == "" {
			reason = "failed by provider"
		}
		if err := r.notifier.PaymentFailed(ctx, models.PaymentFailedEvent{IntentID: intent.ID.String(), Reason: reason}); err != nil {
			r.log.Errorf("Failed to publish payment.failed for %s: %v", intent.ID, err)
		}
		return out, nil
	}

	payment, err := r.allocator.Allocate(ctx, res.Intent)
	var allocErr *AllocationError
	switch {
	case err == nil:
		out.Payment = payment
	case errors.As(err, &allocErr):
		// Dead-lettered; the confirmation itself stands.
	default:
		r.log.Warnf("Allocation of %s deferred to the sweep: %v", intent.ID, err)
	}
	return out, nil
}

// linkByLoanNumber auto-links money quoting an exact loan number when the amount is sane,
// and parks it otherwise
func (r *Reconciler) linkByLoanNumber(ctx context.Context, ev *models.ProviderEvent) (*ApplyResult, error) {
	if ev.AccountReference == "" {
		return r.park(ctx, ev, nil, "no matching intent and no loan reference")
	}
	loan, err := r.store.FindLoanByNumber(ctx, ev.AccountReference)
	if isNotFound(err) {
		return r.park(ctx, ev, nil, fmt.Sprintf("no loan with number %q", ev.AccountReference))
	}
	if err != nil {
		return nil, err
	}
	if reason, err := r.sanityCheck(ctx, loan, ev); err != nil {
		return nil, err
	} else if reason != "" {
		return r.park(ctx, ev, &loan.ID, reason)
	}

	meta, err := models.EncodeMetadata(ev.Metadata)
	if err != nil {
		return nil, err
	}
	now := r.now()
	loanID := loan.ID
	intent := &models.PaymentIntent{
		ID:                 uuid.New(),
		Provider:           ev.Provider,
		Direction:          ev.Provider.Direction(),
		InternalReference:  ulid.Make().String(),
		ExternalReference:  ev.ExternalReference,
		Amount:             ev.Amount,
		Currency:           ev.Currency,
		PayerAccountRef:    ev.PayerAccountRef,
		LoanID:             &loanID,
		BorrowerID:         loan.BorrowerID,
		State:              models.StatePending,
		MatchedByHeuristic: true,
		AllocationStatus:   models.AllocationNone,
		Metadata:           meta,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.ledger.CreateIntent(ctx, intent); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, errRematch
		}
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"intent_id":          intent.ID,
		"loan_number":        loan.LoanNumber,
		"external_reference": ev.ExternalReference,
	}).Warn("Unregistered payment linked to loan by reference")
	return r.ApplyTo(ctx, intent, ev, models.SourceHeuristic, true)
}

// sanityCheck returns why an amount cannot be auto-linked to the loan, or "" if it can
func (r *Reconciler) sanityCheck(ctx context.Context, loan *models.Loan, ev *models.ProviderEvent) (string, error) {
	if !ev.Amount.IsPositive() {
		return "amount is not positive", nil
	}
	if ev.Currency != loan.Currency {
		return fmt.Sprintf("currency %s does not match loan currency %s", ev.Currency, loan.Currency), nil
	}
	if !loan.Status.AcceptsPayments() {
		return fmt.Sprintf("loan %s is %s", loan.LoanNumber, loan.Status), nil
	}
	lines, err := r.store.ListLines(ctx, loan.ID)
	if err != nil {
		return "", err
	}
	outstanding := decimal.Zero
	for _, l := range lines {
		outstanding = outstanding.Add(money.Positive(l.Outstanding()))
	}
	limit := outstanding.Mul(decimal.NewFromFloat(r.cfg.MaxAmountRatio))
	if ev.Amount.GreaterThan(limit) {
		return fmt.Sprintf("amount %s exceeds %s, the outstanding %s times %v",
			money.Format(ev.Amount), money.Format(limit), money.Format(outstanding), r.cfg.MaxAmountRatio), nil
	}
	return "", nil
}

// park stores an event for operator review and alerts once per event
func (r *Reconciler) park(ctx context.Context, ev *models.ProviderEvent, loanID *uuid.UUID, reason string) (*ApplyResult, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parked event: %w", err)
	}
	parked := &models.UnattributedEvent{
		ID:                uuid.New(),
		Provider:          ev.Provider,
		ExternalReference: ev.ExternalReference,
		AccountReference:  ev.AccountReference,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		PayerAccountRef:   ev.PayerAccountRef,
		Reason:            reason,
		Payload:           payload,
		CreatedAt:         r.now(),
	}
	created, err := r.store.ParkUnattributed(ctx, parked)
	if err != nil {
		return nil, err
	}
	if !created {
		r.log.Debugf("Event %s already parked as %s", ev.Key(), parked.ID)
		return &ApplyResult{Outcome: OutcomeDuplicate, Parked: parked}, nil
	}

	r.metrics.Parked(string(ev.Provider))
	entry := r.log.WithFields(logrus.Fields{
		"provider":           ev.Provider,
		"external_reference": ev.ExternalReference,
		"unattributed_id":    parked.ID,
	})
	if loanID != nil {
		entry = entry.WithField("loan_id", *loanID)
	}
	entry.Warnf("Payment parked for review: %s", reason)

	var b strings.Builder
	fmt.Fprintf(&b, "Provider: %s\nReference: %s\n", ev.Provider, ev.ExternalReference)
	fmt.Fprintf(&b, "Amount: %s %s\nAccount reference: %s\n", money.Format(ev.Amount), ev.Currency, ev.AccountReference)
	fmt.Fprintf(&b, "Reason: %s\n", reason)
	if err := r.alerter.Alert(ctx, "Unattributed payment parked", b.String()); err != nil {
		r.log.Errorf("Failed to send unattributed alert: %v", err)
	}
	return &ApplyResult{Outcome: OutcomeParked, Parked: parked}, nil
}

func evidenceFrom(ev *models.ProviderEvent, source models.TransitionSource, heuristic bool) (models.Evidence, error) {
	meta, err := models.EncodeMetadata(ev.Metadata)
	if err != nil {
		return models.Evidence{}, err
	}
	out := models.Evidence{
		Source:            source,
		ExternalReference: ev.ExternalReference,
		ResultCode:        ev.ResultCode,
		ResultDescription: ev.ResultDescription,
		ReviewerID:        ev.ReviewerID,
		Metadata:          meta,
		OccurredAt:        ev.OccurredAt,
		Heuristic:         heuristic,
	}
	if ev.Status == models.EventSuccess {
		out.Amount = ev.Amount
	}
	return out, nil
}
