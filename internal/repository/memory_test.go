package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/loan-payments/internal/models"
)

func newIntent(ref string) *models.PaymentIntent {
	now := time.Now().UTC()
	return &models.PaymentIntent{
		ID:                uuid.New(),
		Provider:          models.ProviderMobilePush,
		Direction:         models.DirectionPush,
		InternalReference: ref,
		Amount:            decimal.RequireFromString("100.00"),
		Currency:          "KES",
		State:             models.StatePending,
		AllocationStatus:  models.AllocationNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func newLoan(number string) (*models.Loan, []*models.ScheduleLine) {
	loan := &models.Loan{
		ID:                uuid.New(),
		LoanNumber:        number,
		BorrowerID:        "B-1",
		Currency:          "KES",
		Status:            models.LoanActive,
		OverpaymentCredit: decimal.Zero,
	}
	due := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lines := []*models.ScheduleLine{
		{ID: uuid.New(), LoanID: loan.ID, DueDate: due.AddDate(0, 1, 0), PrincipalDue: decimal.NewFromInt(100)},
		{ID: uuid.New(), LoanID: loan.ID, DueDate: due, PrincipalDue: decimal.NewFromInt(50)},
	}
	return loan, lines
}

func TestMemoryStore_Intents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	intent := newIntent("REF-1")
	require.NoError(t, s.CreateIntent(ctx, intent))

	t.Run("duplicate internal reference", func(t *testing.T) {
		err := s.CreateIntent(ctx, newIntent("REF-1"))
		assert.True(t, errors.Is(err, ErrDuplicate))
	})

	t.Run("lookups", func(t *testing.T) {
		got, err := s.FindByInternalReference(ctx, "REF-1")
		require.NoError(t, err)
		assert.Equal(t, intent.ID, got.ID)

		_, err = s.FindByInternalReference(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("external reference is unique per provider", func(t *testing.T) {
		require.NoError(t, s.SetExternalReference(ctx, intent.ID, "EXT-1"))
		require.NoError(t, s.SetExternalReference(ctx, intent.ID, "EXT-1"))

		other := newIntent("REF-2")
		require.NoError(t, s.CreateIntent(ctx, other))
		assert.True(t, errors.Is(s.SetExternalReference(ctx, other.ID, "EXT-1"), ErrDuplicate))

		got, err := s.FindByExternalReference(ctx, models.ProviderMobilePush, "EXT-1")
		require.NoError(t, err)
		assert.Equal(t, intent.ID, got.ID)

		_, err = s.FindByExternalReference(ctx, models.ProviderMobilePull, "EXT-1")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("returned intents are copies", func(t *testing.T) {
		got, err := s.GetIntent(ctx, intent.ID)
		require.NoError(t, err)
		got.State = models.StateFailed

		again, err := s.GetIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, again.State)
	})
}

func TestMemoryStore_CompareAndSwapState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	intent := newIntent("REF-CAS")
	require.NoError(t, s.CreateIntent(ctx, intent))

	ok, err := s.CompareAndSwapState(ctx, intent.ID, models.StatePending, models.StateExpired,
		models.Evidence{Source: models.SourceSweep, ResultDescription: "expired"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwapState(ctx, intent.ID, models.StatePending, models.StateConfirmed,
		models.Evidence{Source: models.SourcePoll})
	require.NoError(t, err)
	assert.False(t, ok, "stale from state must lose")

	ok, err = s.CompareAndSwapState(ctx, intent.ID, models.StateExpired, models.StateConfirmed,
		models.Evidence{Source: models.SourcePoll, ExternalReference: "EXT-9", Amount: decimal.RequireFromString("99.50")})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.State)
	assert.True(t, got.LateConfirmation)
	assert.Equal(t, models.AllocationPending, got.AllocationStatus)
	assert.Equal(t, "EXT-9", got.ExternalReference)
	assert.True(t, got.ConfirmedAmount.Equal(decimal.RequireFromString("99.50")))
	require.NotNil(t, got.ConfirmedAt)

	trail, err := s.ListTransitions(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.StateExpired, trail[0].ToState)
	assert.Equal(t, models.SourcePoll, trail[1].Source)
}

func TestMemoryStore_ConcurrentSwapHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	intent := newIntent("REF-RACE")
	require.NoError(t, s.CreateIntent(ctx, intent))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwapState(ctx, intent.ID, models.StatePending, models.StateConfirmed,
				models.Evidence{Source: models.SourceCallback})
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStore_WithinLoanTx(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	loan, lines := newLoan("LN-1")
	require.NoError(t, s.CreateLoan(ctx, loan, lines))

	t.Run("lines come back in due date order", func(t *testing.T) {
		got, err := s.ListLines(ctx, loan.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.True(t, got[0].DueDate.Before(got[1].DueDate))
	})

	t.Run("failed transaction leaves nothing behind", func(t *testing.T) {
		err := s.WithinLoanTx(ctx, loan.ID, func(tx LoanTx) error {
			line := tx.Lines()[0]
			line.PrincipalPaid = line.PrincipalDue
			require.NoError(t, tx.SaveLine(line))
			return errors.New("boom")
		})
		require.Error(t, err)

		got, err := s.ListLines(ctx, loan.ID)
		require.NoError(t, err)
		assert.True(t, got[0].PrincipalPaid.IsZero())
	})

	t.Run("committed transaction persists", func(t *testing.T) {
		intentID := uuid.New()
		payment := &models.Payment{ID: uuid.New(), IntentID: intentID, LoanID: loan.ID, Amount: decimal.NewFromInt(50)}
		err := s.WithinLoanTx(ctx, loan.ID, func(tx LoanTx) error {
			line := tx.Lines()[0]
			line.PrincipalPaid = line.PrincipalDue
			line.RefreshPaid()
			if err := tx.SaveLine(line); err != nil {
				return err
			}
			return tx.InsertPayment(payment)
		})
		require.NoError(t, err)

		got, err := s.FindPaymentByIntent(ctx, intentID)
		require.NoError(t, err)
		assert.Equal(t, payment.ID, got.ID)

		err = s.WithinLoanTx(ctx, loan.ID, func(tx LoanTx) error {
			existing, err := tx.PaymentForIntent(intentID)
			require.NoError(t, err)
			assert.NotNil(t, existing)
			return tx.InsertPayment(&models.Payment{ID: uuid.New(), IntentID: intentID, LoanID: loan.ID})
		})
		assert.True(t, errors.Is(err, ErrDuplicate))
	})

	t.Run("unknown loan", func(t *testing.T) {
		err := s.WithinLoanTx(ctx, uuid.New(), func(tx LoanTx) error { return nil })
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestMemoryStore_ReviewQueues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t.Run("one open dead letter per intent", func(t *testing.T) {
		intentID := uuid.New()
		first := &models.DeadLetter{ID: uuid.New(), IntentID: intentID, Reason: "loan closed", CreatedAt: time.Now()}
		require.NoError(t, s.AddDeadLetter(ctx, first))
		second := &models.DeadLetter{ID: uuid.New(), IntentID: intentID, Reason: "loan closed", CreatedAt: time.Now()}
		require.NoError(t, s.AddDeadLetter(ctx, second))
		assert.Equal(t, first.ID, second.ID)

		open, err := s.ListDeadLetters(ctx, true, 0)
		require.NoError(t, err)
		assert.Len(t, open, 1)

		require.NoError(t, s.ResolveDeadLetter(ctx, first.ID, "op-1", time.Now()))
		assert.True(t, errors.Is(s.ResolveDeadLetter(ctx, first.ID, "op-1", time.Now()), ErrNotFound))

		open, err = s.ListDeadLetters(ctx, true, 0)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("parking is idempotent by provider reference", func(t *testing.T) {
		ev := &models.UnattributedEvent{ID: uuid.New(), Provider: models.ProviderMobilePush, ExternalReference: "C2B-1",
			Amount: decimal.NewFromInt(10), Currency: "KES", CreatedAt: time.Now()}
		parked, err := s.ParkUnattributed(ctx, ev)
		require.NoError(t, err)
		assert.True(t, parked)

		dup := *ev
		dup.ID = uuid.New()
		parked, err = s.ParkUnattributed(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, parked)
		assert.Equal(t, ev.ID, dup.ID)

		intentID := uuid.New()
		require.NoError(t, s.ResolveUnattributed(ctx, ev.ID, "op-1", intentID, time.Now()))
		got, err := s.GetUnattributed(ctx, ev.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ResolvedIntentID)
		assert.Equal(t, intentID, *got.ResolvedIntentID)

		err = s.ResolveUnattributed(ctx, ev.ID, "op-2", uuid.New(), time.Now())
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.ReopenUnattributed(ctx, ev.ID))
		got, err = s.GetUnattributed(ctx, ev.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ResolvedAt)
		assert.Nil(t, got.ResolvedIntentID)
		require.NoError(t, s.ResolveUnattributed(ctx, ev.ID, "op-2", intentID, time.Now()))
	})
}

func TestMemoryStore_ReconciliationReport(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	from := time.Now().Add(-time.Hour)

	confirmed := newIntent("R-1")
	confirmed.MatchedByHeuristic = true
	require.NoError(t, s.CreateIntent(ctx, confirmed))
	_, err := s.CompareAndSwapState(ctx, confirmed.ID, models.StatePending, models.StateConfirmed, models.Evidence{Source: models.SourceCallback})
	require.NoError(t, err)

	expired := newIntent("R-2")
	require.NoError(t, s.CreateIntent(ctx, expired))
	_, err = s.CompareAndSwapState(ctx, expired.ID, models.StatePending, models.StateExpired, models.Evidence{Source: models.SourceSweep})
	require.NoError(t, err)

	report, err := s.ReconciliationReport(ctx, from, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, report.Providers, 1)
	assert.Equal(t, 1, report.Providers[0].ConfirmedCount)
	assert.Equal(t, 1, report.Providers[0].ExpiredCount)
	assert.True(t, report.Providers[0].ConfirmedAmount.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, 1, report.HeuristicMatches)
	assert.Equal(t, 1, report.UnallocatedIntents)
}
