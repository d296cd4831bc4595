package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/metrics"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/money"
	"github.com/Dan9191/loan-payments/internal/repository"
)

// Plan is the result of running the waterfall over a loan's open schedule lines.
type Plan struct {
	Allocations []models.Allocation
	Penalty     decimal.Decimal
	Fees        decimal.Decimal
	Interest    decimal.Decimal
	Principal   decimal.Decimal
	Overpayment decimal.Decimal
}

// Waterfall spreads amount across lines in the order given, oldest due first.
// Within a line money goes to penalty, then fees, then interest, then principal.
// Each component is rounded once; what is left is overpayment.
func Waterfall(lines []*models.ScheduleLine, amount decimal.Decimal) Plan {
	plan := Plan{}
	remaining := money.Positive(amount)

	take := func(due, paid decimal.Decimal) decimal.Decimal {
		owed := money.Positive(due.Sub(paid))
		if !owed.IsPositive() || !remaining.IsPositive() {
			return decimal.Zero
		}
		part := money.Round(money.Min(owed, remaining))
		if part.GreaterThan(remaining) {
			part = remaining.Truncate(money.Scale)
		}
		remaining = remaining.Sub(part)
		return part
	}

	for _, line := range lines {
		if !remaining.IsPositive() {
			break
		}
		if line.IsPaid || !line.Outstanding().IsPositive() {
			continue
		}
		alloc := models.Allocation{ScheduleLineID: line.ID}
		alloc.PenaltyAmount = take(line.PenaltyDue, line.PenaltyPaid)
		alloc.FeesAmount = take(line.FeesDue, line.FeesPaid)
		alloc.InterestAmount = take(line.InterestDue, line.InterestPaid)
		alloc.PrincipalAmount = take(line.PrincipalDue, line.PrincipalPaid)
		if alloc.Total().IsZero() {
			continue
		}
		plan.Penalty = plan.Penalty.Add(alloc.PenaltyAmount)
		plan.Fees = plan.Fees.Add(alloc.FeesAmount)
		plan.Interest = plan.Interest.Add(alloc.InterestAmount)
		plan.Principal = plan.Principal.Add(alloc.PrincipalAmount)
		plan.Allocations = append(plan.Allocations, alloc)
	}
	plan.Overpayment = remaining
	return plan
}

// Allocator applies confirmed money to loan schedules
type Allocator struct {
	store    repository.Store
	notifier Notifier
	alerter  Alerter
	log      *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewAllocator initializes the allocation engine
func NewAllocator(store repository.Store, notifier Notifier, alerter Alerter, log *logrus.Logger, m *metrics.Metrics, now func() time.Time) *Allocator {
	return &Allocator{store: store, notifier: notifier, alerter: alerter, log: log, metrics: m, now: now}
}

// Allocate spends a confirmed intent on its loan. Repeating it for the same intent returns the
// payment written the first time. An AllocationError means the intent was dead-lettered.
func (a *Allocator) Allocate(ctx context.Context, intent *models.PaymentIntent) (*models.Payment, error) {
	if intent.State != models.StateConfirmed {
		return nil, fmt.Errorf("intent %s is %s, only confirmed intents are allocated", intent.ID, intent.State)
	}
	if intent.LoanID == nil {
		return nil, a.deadLetter(ctx, &AllocationError{IntentID: intent.ID, Reason: "intent is not linked to a loan"})
	}

	var (
		payment *models.Payment
		created bool
	)
	err := a.store.WithinLoanTx(ctx, *intent.LoanID, func(tx repository.LoanTx) error {
		existing, err := tx.PaymentForIntent(intent.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			payment = existing
			return nil
		}
		p, err := a.apply(tx, intent)
		if err != nil {
			return err
		}
		payment, created = p, true
		return nil
	})

	var allocErr *AllocationError
	switch {
	case err == nil:
	case errors.As(err, &allocErr):
		return nil, a.deadLetter(ctx, allocErr)
	case isNotFound(err):
		return nil, a.deadLetter(ctx, &AllocationError{IntentID: intent.ID, LoanID: intent.LoanID, Reason: "loan not found"})
	case errors.Is(err, repository.ErrDuplicate):
		// A concurrent allocation of the same intent committed first.
		payment, err = a.store.FindPaymentByIntent(ctx, intent.ID)
		if err != nil {
			return nil, err
		}
	default:
		a.metrics.Allocation("error")
		return nil, fmt.Errorf("allocation of intent %s failed: %w", intent.ID, err)
	}

	if err := a.store.SetAllocationStatus(ctx, intent.ID, models.AllocationDone); err != nil {
		// The payment is committed; the sweep will see the intent again and find it.
		a.log.Errorf("Failed to mark intent %s allocated: %v", intent.ID, err)
	}
	if !created {
		a.metrics.Allocation("duplicate")
		return payment, nil
	}

	a.metrics.Allocation("allocated")
	a.log.WithFields(logrus.Fields{
		"intent_id":  intent.ID,
		"loan_id":    payment.LoanID,
		"payment_id": payment.ID,
	}).Infof("Allocated %s: penalty %s, fees %s, interest %s, principal %s, credit %s",
		money.Format(payment.Amount), money.Format(payment.PenaltyAmount), money.Format(payment.FeesAmount),
		money.Format(payment.InterestAmount), money.Format(payment.PrincipalAmount), money.Format(payment.OverpaymentAmount))

	ev := models.PaymentConfirmedEvent{
		LoanID:    payment.LoanID.String(),
		PaymentID: payment.ID.String(),
		IntentID:  intent.ID.String(),
		Amount:    payment.Amount,
		Currency:  payment.Currency,
	}
	if err := a.notifier.PaymentConfirmed(ctx, ev); err != nil {
		a.log.Errorf("Failed to publish payment.confirmed for %s: %v", payment.ID, err)
	}
	return payment, nil
}

// apply runs the waterfall inside the loan transaction and writes its result
func (a *Allocator) apply(tx repository.LoanTx, intent *models.PaymentIntent) (*models.Payment, error) {
	loan := tx.Loan()
	if !loan.Status.AcceptsPayments() {
		return nil, &AllocationError{IntentID: intent.ID, LoanID: intent.LoanID, Reason: fmt.Sprintf("loan is %s", loan.Status)}
	}
	if loan.Currency != intent.Currency {
		return nil, &AllocationError{IntentID: intent.ID, LoanID: intent.LoanID,
			Reason: fmt.Sprintf("intent currency %s does not match loan currency %s", intent.Currency, loan.Currency)}
	}
	amount := intent.SettledAmount()
	if !amount.IsPositive() {
		return nil, &AllocationError{IntentID: intent.ID, LoanID: intent.LoanID, Reason: "confirmed amount is not positive"}
	}

	now := a.now()
	lines := tx.Lines()
	plan := Waterfall(lines, amount)

	payment := &models.Payment{
		ID:                uuid.New(),
		IntentID:          intent.ID,
		LoanID:            loan.ID,
		Amount:            amount,
		Currency:          intent.Currency,
		PenaltyAmount:     plan.Penalty,
		FeesAmount:        plan.Fees,
		InterestAmount:    plan.Interest,
		PrincipalAmount:   plan.Principal,
		OverpaymentAmount: plan.Overpayment,
		CreatedAt:         now,
	}

	byID := make(map[uuid.UUID]*models.ScheduleLine, len(lines))
	for _, l := range lines {
		byID[l.ID] = l
	}
	for _, alloc := range plan.Allocations {
		line := byID[alloc.ScheduleLineID]
		line.PenaltyPaid = line.PenaltyPaid.Add(alloc.PenaltyAmount)
		line.FeesPaid = line.FeesPaid.Add(alloc.FeesAmount)
		line.InterestPaid = line.InterestPaid.Add(alloc.InterestAmount)
		line.PrincipalPaid = line.PrincipalPaid.Add(alloc.PrincipalAmount)
		line.RefreshPaid()
		line.UpdatedAt = now
		if err := tx.SaveLine(line); err != nil {
			return nil, err
		}
		alloc.PaymentID = payment.ID
		payment.Allocations = append(payment.Allocations, alloc)
	}

	if err := tx.InsertPayment(payment); err != nil {
		return nil, err
	}

	if plan.Overpayment.IsPositive() {
		credit := &models.LoanCredit{
			ID:        uuid.New(),
			LoanID:    loan.ID,
			PaymentID: payment.ID,
			IntentID:  intent.ID,
			Amount:    plan.Overpayment,
			CreatedAt: now,
		}
		if err := tx.InsertCredit(credit); err != nil {
			return nil, err
		}
		loan.OverpaymentCredit = loan.OverpaymentCredit.Add(plan.Overpayment)
	}

	if loan.Status == models.LoanActive && allPaid(lines) {
		loan.Status = models.LoanPaidOff
		a.log.Infof("Loan %s paid off", loan.LoanNumber)
	}
	loan.UpdatedAt = now
	if err := tx.SaveLoan(loan); err != nil {
		return nil, err
	}
	return payment, nil
}

// Reverse undoes a payment's allocations exactly and returns the reversed payment
func (a *Allocator) Reverse(ctx context.Context, paymentID uuid.UUID, reviewerID string) (*models.Payment, error) {
	if reviewerID == "" {
		return nil, invalid("reviewer_id", "is required")
	}
	stored, err := a.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	var reversed *models.Payment
	err = a.store.WithinLoanTx(ctx, stored.LoanID, func(tx repository.LoanTx) error {
		p, err := tx.LockPayment(paymentID)
		if err != nil {
			return err
		}
		if p.IsReversed {
			return ErrAlreadyReversed
		}

		now := a.now()
		loan := tx.Loan()
		byID := make(map[uuid.UUID]*models.ScheduleLine)
		for _, l := range tx.Lines() {
			byID[l.ID] = l
		}
		for _, alloc := range p.Allocations {
			line, ok := byID[alloc.ScheduleLineID]
			if !ok {
				return fmt.Errorf("payment %s references unknown schedule line %s", p.ID, alloc.ScheduleLineID)
			}
			line.PenaltyPaid = line.PenaltyPaid.Sub(alloc.PenaltyAmount)
			line.FeesPaid = line.FeesPaid.Sub(alloc.FeesAmount)
			line.InterestPaid = line.InterestPaid.Sub(alloc.InterestAmount)
			line.PrincipalPaid = line.PrincipalPaid.Sub(alloc.PrincipalAmount)
			line.RefreshPaid()
			line.UpdatedAt = now
			if err := tx.SaveLine(line); err != nil {
				return err
			}
		}

		if p.OverpaymentAmount.IsPositive() {
			credit := &models.LoanCredit{
				ID:        uuid.New(),
				LoanID:    loan.ID,
				PaymentID: p.ID,
				IntentID:  p.IntentID,
				Amount:    p.OverpaymentAmount.Neg(),
				CreatedAt: now,
			}
			if err := tx.InsertCredit(credit); err != nil {
				return err
			}
			loan.OverpaymentCredit = loan.OverpaymentCredit.Sub(p.OverpaymentAmount)
		}

		if loan.Status == models.LoanPaidOff && !allPaid(tx.Lines()) {
			loan.Status = models.LoanActive
		}
		loan.UpdatedAt = now
		if err := tx.SaveLoan(loan); err != nil {
			return err
		}

		p.IsReversed = true
		p.ReversedAt = &now
		p.ReversedBy = reviewerID
		if err := tx.MarkReversed(p); err != nil {
			return err
		}
		reversed = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.metrics.Allocation("reversed")
	a.log.WithFields(logrus.Fields{
		"payment_id":  reversed.ID,
		"loan_id":     reversed.LoanID,
		"reviewer_id": reviewerID,
	}).Infof("Payment of %s reversed", money.Format(reversed.Amount))
	return reversed, nil
}

// deadLetter parks a failed allocation for an operator and returns the cause
func (a *Allocator) deadLetter(ctx context.Context, cause *AllocationError) error {
	a.metrics.Allocation("dead_lettered")
	dl := &models.DeadLetter{
		ID:        uuid.New(),
		IntentID:  cause.IntentID,
		LoanID:    cause.LoanID,
		Reason:    cause.Reason,
		CreatedAt: a.now(),
	}
	if err := a.store.AddDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("failed to dead-letter intent %s: %w", cause.IntentID, err)
	}
	if err := a.store.SetAllocationStatus(ctx, cause.IntentID, models.AllocationDeadLettered); err != nil {
		a.log.Errorf("Failed to mark intent %s dead-lettered: %v", cause.IntentID, err)
	}
	a.metrics.DeadLetter()
	a.log.WithField("intent_id", cause.IntentID).Error(cause.Error())

	body := fmt.Sprintf("Confirmed payment %s could not be allocated.\nReason: %s\nDead letter: %s",
		cause.IntentID, cause.Reason, dl.ID)
	if err := a.alerter.Alert(ctx, "Payment allocation dead-lettered", body); err != nil {
		a.log.Errorf("Failed to send dead letter alert: %v", err)
	}
	return cause
}

func allPaid(lines []*models.ScheduleLine) bool {
	for _, l := range lines {
		if !l.IsPaid {
			return false
		}
	}
	return true
}
