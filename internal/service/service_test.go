package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/loan-payments/internal/integrations/provider"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/repository"
)

func TestService_Initiate(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted submission stays pending with the provider reference", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-600", scenarioLine)

		res, err := env.svc.Initiate(ctx, models.ProviderMobilePush, InitiateRequest{
			LoanNumber:      "LN-600",
			Amount:          dec("100.50"),
			Currency:        "KES",
			PayerAccountRef: "254700000001",
		})
		require.NoError(t, err)
		assert.Equal(t, provider.OutcomeAccepted, res.Status)
		assert.Equal(t, models.StatePending, res.State)
		assert.Len(t, res.InternalReference, 26)

		intent, err := env.svc.GetIntent(ctx, res.InternalReference)
		require.NoError(t, err)
		assert.Equal(t, "EXT-"+res.InternalReference, intent.ExternalReference)
		assert.Equal(t, loan.ID, *intent.LoanID)
		assert.Equal(t, loan.BorrowerID, intent.BorrowerID)
	})

	t.Run("repeating a reference does not resubmit", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-601", scenarioLine)
		req := InitiateRequest{
			InternalReference: "CLIENT-1",
			LoanID:            loan.ID.String(),
			Amount:            dec("100"),
			Currency:          "KES",
			PayerAccountRef:   "254700000001",
		}

		_, err := env.svc.Initiate(ctx, models.ProviderMobilePush, req)
		require.NoError(t, err)
		res, err := env.svc.Initiate(ctx, models.ProviderMobilePush, req)
		require.NoError(t, err)
		assert.Equal(t, "CLIENT-1", res.InternalReference)
		assert.Equal(t, 1, env.push.calls())

		_, err = env.svc.Initiate(ctx, models.ProviderMobilePull, req)
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr))
	})

	t.Run("transport failure keeps the intent pending and can be retried", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-602", scenarioLine)
		env.push.initiate = func(context.Context, provider.Request) (*provider.Submission, error) {
			return nil, provider.ErrUnavailable
		}
		req := InitiateRequest{
			InternalReference: "CLIENT-2",
			LoanID:            loan.ID.String(),
			Amount:            dec("100"),
			Currency:          "KES",
			PayerAccountRef:   "254700000001",
		}

		_, err := env.svc.Initiate(ctx, models.ProviderMobilePush, req)
		var perr *ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "CLIENT-2", perr.InternalReference)
		assert.True(t, errors.Is(err, provider.ErrUnavailable))

		intent, err := env.svc.GetIntent(ctx, "CLIENT-2")
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, intent.State)

		env.push.initiate = nil
		res, err := env.svc.Initiate(ctx, models.ProviderMobilePush, req)
		require.NoError(t, err)
		assert.Equal(t, provider.OutcomeAccepted, res.Status)
		assert.Equal(t, 2, env.push.calls())
	})

	t.Run("rejected submission fails the intent", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-603", scenarioLine)
		env.push.initiate = func(context.Context, provider.Request) (*provider.Submission, error) {
			return &provider.Submission{Outcome: provider.OutcomeRejected, ResultCode: "1032", Message: "cancelled by user"}, nil
		}

		res, err := env.svc.Initiate(ctx, models.ProviderMobilePush, InitiateRequest{
			LoanID:          loan.ID.String(),
			Amount:          dec("100"),
			Currency:        "KES",
			PayerAccountRef: "254700000001",
		})
		require.NoError(t, err)
		assert.Equal(t, provider.OutcomeRejected, res.Status)
		assert.Equal(t, models.StateFailed, res.State)
		_, failed := env.notifier.counts()
		assert.Equal(t, 1, failed)
	})

	t.Run("manual transfer returns instructions", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-604", scenarioLine)

		res, err := env.svc.Initiate(ctx, models.ProviderBankTransfer, InitiateRequest{
			LoanID:   loan.ID.String(),
			Amount:   dec("4500"),
			Currency: "KES",
		})
		require.NoError(t, err)
		require.NotNil(t, res.Instructions)
		assert.Equal(t, "Test Bank", res.Instructions.BankName)
		assert.Equal(t, res.InternalReference, res.Instructions.Reference)
	})

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-605", scenarioLine)
		closed := env.seedLoan(t, "LN-606", scenarioLine)
		setLoanStatus(t, env, closed.ID, models.LoanWrittenOff)

		tests := []struct {
			name  string
			req   InitiateRequest
			field string
		}{
			{"zero amount", InitiateRequest{LoanID: loan.ID.String(), Amount: dec("0"), Currency: "KES", PayerAccountRef: "p"}, "amount"},
			{"three decimals", InitiateRequest{LoanID: loan.ID.String(), Amount: dec("1.005"), Currency: "KES", PayerAccountRef: "p"}, "amount"},
			{"lowercase currency", InitiateRequest{LoanID: loan.ID.String(), Amount: dec("1"), Currency: "kes", PayerAccountRef: "p"}, "currency"},
			{"currency differs from loan", InitiateRequest{LoanID: loan.ID.String(), Amount: dec("1"), Currency: "USD", PayerAccountRef: "p"}, "currency"},
			{"no loan", InitiateRequest{Amount: dec("1"), Currency: "KES", PayerAccountRef: "p"}, "loan_id"},
			{"bad loan id", InitiateRequest{LoanID: "nope", Amount: dec("1"), Currency: "KES", PayerAccountRef: "p"}, "loan_id"},
			{"unknown loan", InitiateRequest{LoanNumber: "LN-none", Amount: dec("1"), Currency: "KES", PayerAccountRef: "p"}, "loan"},
			{"written off loan", InitiateRequest{LoanID: closed.ID.String(), Amount: dec("1"), Currency: "KES", PayerAccountRef: "p"}, "loan"},
			{"missing payer", InitiateRequest{LoanID: loan.ID.String(), Amount: dec("1"), Currency: "KES"}, "payer_account_ref"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := env.svc.Initiate(ctx, models.ProviderMobilePush, tt.req)
				var verr *ValidationError
				require.True(t, errors.As(err, &verr), "got %v", err)
				require.NotEmpty(t, verr.Fields)
				assert.Equal(t, tt.field, verr.Fields[0].Field)
			})
		}
		assert.Equal(t, 0, env.push.calls())
	})

	t.Run("unknown provider", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Initiate(ctx, models.Provider("card"), InitiateRequest{})
		assert.True(t, errors.Is(err, ErrUnknownProvider))
	})
}

func TestService_ManualReview(t *testing.T) {
	ctx := context.Background()

	t.Run("verified transfer uses the same waterfall", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-700", scenarioLine)
		intent := env.initiate(t, models.ProviderBankTransfer, loan, "5000")

		res, err := env.svc.Verify(ctx, intent.ID, VerifyRequest{BankReference: "STMT-001", ReviewerID: "ops-7"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, res.Outcome)
		require.NotNil(t, res.Payment)
		assert.True(t, res.Payment.PenaltyAmount.Equal(dec("500")))
		assert.True(t, res.Payment.FeesAmount.Equal(dec("200")))
		assert.True(t, res.Payment.InterestAmount.Equal(dec("800")))
		assert.True(t, res.Payment.PrincipalAmount.Equal(dec("3000")))
		assert.True(t, res.Payment.OverpaymentAmount.Equal(dec("500")))

		transitions, err := env.store.ListTransitions(ctx, intent.ID)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, models.SourceReview, transitions[0].Source)
		assert.Equal(t, "ops-7", transitions[0].ReviewerID)

		again, err := env.svc.Verify(ctx, intent.ID, VerifyRequest{BankReference: "STMT-001", ReviewerID: "ops-7"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, again.Outcome)
		assert.Len(t, env.store.Payments(), 1)
	})

	t.Run("rejected transfer fails", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-701", scenarioLine)
		intent := env.initiate(t, models.ProviderBankTransfer, loan, "100")

		res, err := env.svc.Reject(ctx, intent.ID, RejectRequest{Reason: "not on statement", ReviewerID: "ops-7"})
		require.NoError(t, err)
		assert.Equal(t, models.StateFailed, res.Intent.State)
	})

	t.Run("push intents cannot be reviewed", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-702", scenarioLine)
		intent := env.initiate(t, models.ProviderMobilePush, loan, "100")

		_, err := env.svc.Verify(ctx, intent.ID, VerifyRequest{BankReference: "STMT-2", ReviewerID: "ops-7"})
		assert.True(t, errors.Is(err, ErrNotManual))
	})

	t.Run("reviewer is required", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-703", scenarioLine)
		intent := env.initiate(t, models.ProviderBankTransfer, loan, "100")

		_, err := env.svc.Verify(ctx, intent.ID, VerifyRequest{BankReference: "STMT-3"})
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr))
	})

	t.Run("bank reference recorded on another intent", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-705", scenarioLine)
		first := env.initiate(t, models.ProviderBankTransfer, loan, "100")
		second := env.initiate(t, models.ProviderBankTransfer, loan, "200")

		_, err := env.svc.Verify(ctx, first.ID, VerifyRequest{BankReference: "STMT-5", ReviewerID: "ops-1"})
		require.NoError(t, err)

		_, err = env.svc.Verify(ctx, second.ID, VerifyRequest{BankReference: "STMT-5", ReviewerID: "ops-1"})
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "got %v", err)
		assert.Equal(t, "bank_reference", verr.Fields[0].Field)

		got, err := env.store.GetIntent(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, got.State)
		assert.Len(t, env.store.Payments(), 1)
	})

	t.Run("bank credit quoting a loan number is linked", func(t *testing.T) {
		env := newTestEnv(t)
		loan := env.seedLoan(t, "LN-704", scenarioLine)

		res, err := env.svc.RecordBankCredit(ctx, provider.BankCredit{
			BankReference: "STMT-9",
			LoanNumber:    "LN-704",
			Amount:        dec("700"),
			Currency:      "KES",
			ReviewerID:    "ops-7",
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, res.Outcome)
		assert.True(t, res.Intent.MatchedByHeuristic)
		assert.Equal(t, loan.ID, res.Payment.LoanID)
	})
}

func TestService_AssignUnattributed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	loan := env.seedLoan(t, "LN-800", scenarioLine)

	res, err := env.svc.RecordBankCredit(ctx, provider.BankCredit{
		BankReference: "STMT-50",
		LoanNumber:    "typo-800",
		Amount:        dec("1000"),
		Currency:      "KES",
		ReviewerID:    "ops-1",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeParked, res.Outcome)

	open, err := env.svc.ListUnattributed(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	parkedID := open[0].ID

	assigned, err := env.svc.AssignUnattributed(ctx, parkedID, AssignRequest{LoanID: loan.ID.String(), ReviewerID: "ops-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, assigned.Outcome)
	assert.False(t, assigned.Intent.MatchedByHeuristic)
	assert.Equal(t, "STMT-50", assigned.Intent.ExternalReference)
	require.NotNil(t, assigned.Payment)
	assert.True(t, assigned.Payment.Amount.Equal(dec("1000")))

	open, err = env.svc.ListUnattributed(ctx, false, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = env.svc.AssignUnattributed(ctx, parkedID, AssignRequest{LoanID: loan.ID.String(), ReviewerID: "ops-1"})
	assert.Error(t, err)
}

func TestService_AssignUnattributed_Concurrent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	loan := env.seedLoan(t, "LN-810", scenarioLine)
	intent := env.initiate(t, models.ProviderMobilePush, loan, "400")

	failed := successFor(intent, "400")
	failed.Status = models.EventFailed
	_, err := env.svc.Reconciler().Apply(ctx, failed, models.SourceCallback)
	require.NoError(t, err)

	// The late success keeps the failed intent's reference, so the assigned intent gets none.
	res, err := env.svc.Reconciler().Apply(ctx, successFor(intent, "400"), models.SourceCallback)
	require.NoError(t, err)
	require.Equal(t, OutcomeParked, res.Outcome)
	parkedID := res.Parked.ID

	const operators = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < operators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.svc.AssignUnattributed(ctx, parkedID, AssignRequest{LoanID: loan.ID.String(), ReviewerID: "ops-1"})
			if err != nil {
				assert.ErrorIs(t, err, repository.ErrNotFound)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if out.Outcome == OutcomeApplied {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	payments := env.store.Payments()
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Amount.Equal(dec("400")))
}

func TestService_Report(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	loan := env.seedLoan(t, "LN-900", scenarioLine)
	intent := env.initiate(t, models.ProviderMobilePush, loan, "100")
	_, err := env.svc.Reconciler().Apply(ctx, successFor(intent, "100"), models.SourceCallback)
	require.NoError(t, err)

	report, err := env.svc.Report(ctx, epoch.Add(-1), epoch.Add(1))
	require.NoError(t, err)
	require.NotNil(t, report)

	_, err = env.svc.Report(ctx, epoch, epoch.Add(-1))
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}
