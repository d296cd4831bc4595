package service

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/loan-payments/internal/config"
	"github.com/Dan9191/loan-payments/internal/integrations/provider"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/repository"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeAdapter is a provider whose behaviour is set per test through func fields.
type fakeAdapter struct {
	name      models.Provider
	initiate  func(ctx context.Context, req provider.Request) (*provider.Submission, error)
	parse     func(raw []byte) *models.ProviderEvent
	mu        sync.Mutex
	initiated int
}

func (f *fakeAdapter) Name() models.Provider       { return f.name }
func (f *fakeAdapter) Direction() models.Direction { return f.name.Direction() }

func (f *fakeAdapter) Initiate(ctx context.Context, req provider.Request) (*provider.Submission, error) {
	f.mu.Lock()
	f.initiated++
	f.mu.Unlock()
	if f.initiate == nil {
		return &provider.Submission{Outcome: provider.OutcomeAccepted, ExternalReference: "EXT-" + req.InternalReference}, nil
	}
	return f.initiate(ctx, req)
}

func (f *fakeAdapter) ParseCallback(_ context.Context, raw []byte, _ http.Header) *models.ProviderEvent {
	if f.parse == nil {
		return nil
	}
	return f.parse(raw)
}

func (f *fakeAdapter) Acknowledge() provider.Ack {
	return provider.Ack{ContentType: "application/json", Body: []byte(`{"ok":true}`)}
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiated
}

// fakePoller is a pull provider.
type fakePoller struct {
	fakeAdapter
	poll func(ctx context.Context, ref string) (*models.ProviderEvent, error)
}

func (f *fakePoller) Poll(ctx context.Context, ref string) (*models.ProviderEvent, error) {
	return f.poll(ctx, ref)
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []models.PaymentConfirmedEvent
	failed    []models.PaymentFailedEvent
}

func (n *recordingNotifier) PaymentConfirmed(_ context.Context, ev models.PaymentConfirmedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, ev)
	return nil
}

func (n *recordingNotifier) PaymentFailed(_ context.Context, ev models.PaymentFailedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, ev)
	return nil
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.confirmed), len(n.failed)
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(_ context.Context, subject, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subjects)
}

type testEnv struct {
	store    *repository.MemoryStore
	svc      *Service
	clock    *fakeClock
	notifier *recordingNotifier
	alerter  *recordingAlerter
	push     *fakeAdapter
	pull     *fakePoller
	manual   *provider.ManualAdapter
	cfg      *config.Config
}

func testConfig() *config.Config {
	return &config.Config{
		Providers: config.ProvidersConfig{
			Push: config.PushConfig{ExpireAfter: 5 * time.Minute},
			Pull: config.PullConfig{PollAfter: time.Minute, ExpireAfter: 10 * time.Minute},
			Manual: config.ManualConfig{
				BankName:         "Test Bank",
				AccountNumber:    "0011223344",
				AccountName:      "Loan Collections",
				ReviewAlertAfter: 24 * time.Hour,
			},
		},
		Reconciliation: config.ReconciliationConfig{MatchWindow: 30 * time.Minute, MaxAmountRatio: 1.5},
		Sweep:          config.SweepConfig{Schedule: "@every 30s", BatchSize: 100, AllocationGrace: time.Minute, LockTTL: time.Minute},
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := quietLogger()
	cfg := testConfig()
	env := &testEnv{
		store:    repository.NewMemoryStore(),
		clock:    &fakeClock{t: epoch},
		notifier: &recordingNotifier{},
		alerter:  &recordingAlerter{},
		push:     &fakeAdapter{name: models.ProviderMobilePush},
		pull:     &fakePoller{fakeAdapter: fakeAdapter{name: models.ProviderMobilePull}},
		manual:   provider.NewManualAdapter(cfg.Providers.Manual, log),
		cfg:      cfg,
	}
	registry := provider.NewRegistry(env.push, env.pull, env.manual)
	env.svc = NewService(env.store, registry, cfg, log, Options{
		Notifier: env.notifier,
		Alerter:  env.alerter,
		Clock:    env.clock.Now,
	})
	return env
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedLoan stores an active KES loan with the given lines; dues are penalty, fees, interest, principal.
func (e *testEnv) seedLoan(t *testing.T, number string, dues ...[4]string) *models.Loan {
	t.Helper()
	loan := &models.Loan{
		ID:                uuid.New(),
		LoanNumber:        number,
		BorrowerID:        "BRW-" + number,
		Currency:          "KES",
		Status:            models.LoanActive,
		OverpaymentCredit: decimal.Zero,
		CreatedAt:         epoch,
		UpdatedAt:         epoch,
	}
	lines := make([]*models.ScheduleLine, 0, len(dues))
	for i, d := range dues {
		lines = append(lines, &models.ScheduleLine{
			ID:           uuid.New(),
			LoanID:       loan.ID,
			DueDate:      epoch.AddDate(0, i, 0),
			PenaltyDue:   dec(d[0]),
			FeesDue:      dec(d[1]),
			InterestDue:  dec(d[2]),
			PrincipalDue: dec(d[3]),
		})
	}
	require.NoError(t, e.store.CreateLoan(context.Background(), loan, lines))
	return loan
}

// scenarioLine is the single installment of the allocation walkthrough.
var scenarioLine = [4]string{"500", "200", "800", "3000"}

func (e *testEnv) initiate(t *testing.T, p models.Provider, loan *models.Loan, amount string) *models.PaymentIntent {
	t.Helper()
	res, err := e.svc.Initiate(context.Background(), p, InitiateRequest{
		LoanID:          loan.ID.String(),
		Amount:          dec(amount),
		Currency:        loan.Currency,
		PayerAccountRef: "254700000001",
	})
	require.NoError(t, err)
	intent, err := e.svc.GetIntent(context.Background(), res.InternalReference)
	require.NoError(t, err)
	return intent
}

func successFor(intent *models.PaymentIntent, amount string) *models.ProviderEvent {
	return &models.ProviderEvent{
		Provider:          intent.Provider,
		ExternalReference: intent.ExternalReference,
		InternalReference: intent.InternalReference,
		Status:            models.EventSuccess,
		Amount:            dec(amount),
		Currency:          intent.Currency,
		ResultCode:        "0",
		OccurredAt:        epoch,
	}
}

func (e *testEnv) lines(t *testing.T, loanID uuid.UUID) []*models.ScheduleLine {
	t.Helper()
	lines, err := e.store.ListLines(context.Background(), loanID)
	require.NoError(t, err)
	return lines
}

func (e *testEnv) loan(t *testing.T, loanID uuid.UUID) *models.Loan {
	t.Helper()
	loan, err := e.store.GetLoan(context.Background(), loanID)
	require.NoError(t, err)
	return loan
}
