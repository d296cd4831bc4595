package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/loan-payments/internal/config"
	"github.com/Dan9191/loan-payments/internal/integrations/provider"
	"github.com/Dan9191/loan-payments/internal/middleware"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/repository"
	"github.com/Dan9191/loan-payments/internal/service"
)

const testSecret = "handler-secret"

// pushStub accepts every submission and reads callbacks as ProviderEvent JSON.
type pushStub struct {
	fail error
}

func (p *pushStub) Name() models.Provider       { return models.ProviderMobilePush }
func (p *pushStub) Direction() models.Direction { return models.DirectionPush }

func (p *pushStub) Initiate(_ context.Context, req provider.Request) (*provider.Submission, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	return &provider.Submission{Outcome: provider.OutcomeAccepted, ExternalReference: "EXT-" + req.InternalReference}, nil
}

func (p *pushStub) ParseCallback(_ context.Context, raw []byte, _ http.Header) *models.ProviderEvent {
	var ev models.ProviderEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.ExternalReference == "" {
		return nil
	}
	ev.Provider = models.ProviderMobilePush
	return &ev
}

func (p *pushStub) Acknowledge() provider.Ack {
	return provider.Ack{ContentType: "application/json", Body: []byte(`{"ResultCode":0}`)}
}

type fixture struct {
	store  *repository.MemoryStore
	push   *pushStub
	server *httptest.Server
	loan   *models.Loan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := &config.Config{
		JWTSecret: testSecret,
		Providers: config.ProvidersConfig{
			Push:   config.PushConfig{ExpireAfter: 5 * time.Minute},
			Manual: config.ManualConfig{BankName: "Test Bank", AccountNumber: "001", AccountName: "Collections"},
		},
		Reconciliation: config.ReconciliationConfig{MatchWindow: 30 * time.Minute, MaxAmountRatio: 1.5},
	}
	f := &fixture{store: repository.NewMemoryStore(), push: &pushStub{}}
	registry := provider.NewRegistry(f.push, provider.NewManualAdapter(cfg.Providers.Manual, log))
	svc := service.NewService(f.store, registry, cfg, log, service.Options{})

	now := time.Now().UTC()
	f.loan = &models.Loan{
		ID:                uuid.New(),
		LoanNumber:        "LN-H1",
		BorrowerID:        "BRW-1",
		Currency:          "KES",
		Status:            models.LoanActive,
		OverpaymentCredit: decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	line := &models.ScheduleLine{
		ID:           uuid.New(),
		LoanID:       f.loan.ID,
		DueDate:      now,
		PenaltyDue:   decimal.RequireFromString("500"),
		FeesDue:      decimal.RequireFromString("200"),
		InterestDue:  decimal.RequireFromString("800"),
		PrincipalDue: decimal.RequireFromString("3000"),
	}
	require.NoError(t, f.store.CreateLoan(context.Background(), f.loan, []*models.ScheduleLine{line}))

	f.server = httptest.NewServer(NewRouter(NewHandler(svc, log), middleware.AuthMiddleware(cfg), nil))
	t.Cleanup(f.server.Close)
	return f
}

func token(t *testing.T, subject string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		buf = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (f *fixture) initiate(t *testing.T, p models.Provider, amount string) service.InitiateResult {
	t.Helper()
	resp, raw := f.do(t, http.MethodPost, "/payments/"+string(p), "", map[string]any{
		"loan_id":           f.loan.ID.String(),
		"amount":            amount,
		"currency":          "KES",
		"payer_account_ref": "254700000001",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var res service.InitiateResult
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

func TestPublicRoutes(t *testing.T) {
	t.Run("healthz", func(t *testing.T) {
		f := newFixture(t)
		resp, raw := f.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok"}`, string(raw))
	})

	t.Run("initiate and read back", func(t *testing.T) {
		f := newFixture(t)
		res := f.initiate(t, models.ProviderMobilePush, "1000")
		assert.Equal(t, provider.OutcomeAccepted, res.Status)
		assert.Equal(t, models.StatePending, res.State)

		resp, raw := f.do(t, http.MethodGet, "/payments/intents/"+res.InternalReference, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var intent models.PaymentIntent
		require.NoError(t, json.Unmarshal(raw, &intent))
		assert.Equal(t, "EXT-"+res.InternalReference, intent.ExternalReference)
	})

	t.Run("initiate errors", func(t *testing.T) {
		f := newFixture(t)
		tests := []struct {
			name   string
			path   string
			body   any
			status int
		}{
			{"negative amount", "/payments/mobile_push", map[string]any{"loan_id": f.loan.ID.String(), "amount": "-5", "currency": "KES", "payer_account_ref": "1"}, http.StatusBadRequest},
			{"unknown field", "/payments/mobile_push", `{"amount":"5","colour":"red"}`, http.StatusBadRequest},
			{"malformed json", "/payments/mobile_push", `{`, http.StatusBadRequest},
			{"unknown provider", "/payments/carrier_pigeon", map[string]any{"amount": "5", "currency": "KES"}, http.StatusNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp, raw := f.do(t, http.MethodPost, tt.path, "", tt.body)
				assert.Equal(t, tt.status, resp.StatusCode, string(raw))
			})
		}
	})

	t.Run("provider failure returns the reference for retry", func(t *testing.T) {
		f := newFixture(t)
		f.push.fail = errors.New("connection reset")
		resp, raw := f.do(t, http.MethodPost, "/payments/mobile_push", "", map[string]any{
			"internal_reference": "REF-502",
			"loan_id":            f.loan.ID.String(),
			"amount":             "100",
			"currency":           "KES",
			"payer_account_ref":  "254700000001",
		})
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		var body errorBody
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "REF-502", body.InternalReference)
	})

	t.Run("unknown intent", func(t *testing.T) {
		f := newFixture(t)
		resp, _ := f.do(t, http.MethodGet, "/payments/intents/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestWebhook(t *testing.T) {
	t.Run("success callback confirms and allocates", func(t *testing.T) {
		f := newFixture(t)
		res := f.initiate(t, models.ProviderMobilePush, "4500")

		resp, raw := f.do(t, http.MethodPost, "/webhooks/mobile_push", "", map[string]any{
			"external_reference": "EXT-" + res.InternalReference,
			"status":             "SUCCESS",
			"amount":             "4500",
			"currency":           "KES",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.JSONEq(t, `{"ResultCode":0}`, string(raw))

		payments := f.store.Payments()
		require.Len(t, payments, 1)
		assert.True(t, payments[0].Amount.Equal(decimal.RequireFromString("4500")))
	})

	t.Run("garbage is still acknowledged", func(t *testing.T) {
		f := newFixture(t)
		resp, raw := f.do(t, http.MethodPost, "/webhooks/mobile_push", "", "not json")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"ResultCode":0}`, string(raw))
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newFixture(t)
		resp, _ := f.do(t, http.MethodPost, "/webhooks/carrier_pigeon", "", "{}")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestOperatorRoutes(t *testing.T) {
	t.Run("requires a token", func(t *testing.T) {
		f := newFixture(t)
		resp, _ := f.do(t, http.MethodGet, "/operator/dead-letters", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("verify then reverse", func(t *testing.T) {
		f := newFixture(t)
		bearer := token(t, "reviewer-1")
		res := f.initiate(t, models.ProviderBankTransfer, "1000")
		require.NotNil(t, res.Instructions)

		resp, raw := f.do(t, http.MethodGet, "/payments/intents/"+res.InternalReference, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var intent models.PaymentIntent
		require.NoError(t, json.Unmarshal(raw, &intent))

		resp, raw = f.do(t, http.MethodPost, "/operator/intents/"+intent.ID.String()+"/verify", bearer,
			map[string]any{"bank_reference": "BANK-77"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		var applied service.ApplyResult
		require.NoError(t, json.Unmarshal(raw, &applied))
		assert.Equal(t, service.OutcomeApplied, applied.Outcome)
		require.NotNil(t, applied.Payment)

		paymentPath := "/operator/payments/" + applied.Payment.ID.String()
		resp, _ = f.do(t, http.MethodGet, paymentPath, bearer, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, raw = f.do(t, http.MethodPost, paymentPath+"/reverse", bearer, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		var reversed models.Payment
		require.NoError(t, json.Unmarshal(raw, &reversed))
		assert.True(t, reversed.IsReversed)
		assert.Equal(t, "reviewer-1", reversed.ReversedBy)

		resp, _ = f.do(t, http.MethodPost, paymentPath+"/reverse", bearer, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("verify on a push intent", func(t *testing.T) {
		f := newFixture(t)
		res := f.initiate(t, models.ProviderMobilePush, "100")
		intent, err := f.store.FindByInternalReference(context.Background(), res.InternalReference)
		require.NoError(t, err)

		resp, _ := f.do(t, http.MethodPost, "/operator/intents/"+intent.ID.String()+"/verify", token(t, "r"),
			map[string]any{"bank_reference": "B"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad path id", func(t *testing.T) {
		f := newFixture(t)
		resp, _ := f.do(t, http.MethodPost, "/operator/intents/xyz/reject", token(t, "r"), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unmatched bank credit is parked and listed", func(t *testing.T) {
		f := newFixture(t)
		bearer := token(t, "reviewer-2")
		resp, raw := f.do(t, http.MethodPost, "/operator/bank-credits", bearer, map[string]any{
			"bank_reference": "STMT-1",
			"loan_number":    "LN-UNKNOWN",
			"amount":         "250",
			"currency":       "KES",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		var applied service.ApplyResult
		require.NoError(t, json.Unmarshal(raw, &applied))
		assert.Equal(t, service.OutcomeParked, applied.Outcome)

		resp, raw = f.do(t, http.MethodGet, "/operator/unattributed?limit=10", bearer, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var parked []models.UnattributedEvent
		require.NoError(t, json.Unmarshal(raw, &parked))
		require.Len(t, parked, 1)

		resp, raw = f.do(t, http.MethodPost, "/operator/unattributed/"+parked[0].ID.String()+"/assign", bearer,
			map[string]any{"loan_id": f.loan.ID.String()})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		assert.Len(t, f.store.Payments(), 1)
	})

	t.Run("list and report parameters", func(t *testing.T) {
		f := newFixture(t)
		bearer := token(t, "reviewer-3")

		resp, _ := f.do(t, http.MethodGet, "/operator/dead-letters?limit=0", bearer, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, raw := f.do(t, http.MethodGet, "/operator/dead-letters?all=true", bearer, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `[]`, string(raw))

		resp, _ = f.do(t, http.MethodGet, "/operator/reports/reconciliation?from=yesterday", bearer, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, raw = f.do(t, http.MethodGet, "/operator/reports/reconciliation", bearer, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		var report models.ReconciliationReport
		require.NoError(t, json.Unmarshal(raw, &report))
		assert.True(t, report.From.Before(report.To))
	})

	t.Run("retry unknown dead letter", func(t *testing.T) {
		f := newFixture(t)
		resp, _ := f.do(t, http.MethodPost, "/operator/dead-letters/"+uuid.NewString()+"/retry", token(t, "r"), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
