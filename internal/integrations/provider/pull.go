package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/Dan9191/loan-payments/internal/config"
	"github.com/Dan9191/loan-payments/internal/models"
	"github.com/Dan9191/loan-payments/internal/money"
	"github.com/Dan9191/loan-payments/internal/utils"
)

const (
	soapNamespace = "http://www.w3.org/2003/05/soap-envelope"
	pullNamespace = "urn:aggregator:payments:v1"
)

// PullAdapter talks to a SOAP aggregator that collects USSD payments and can be polled
type PullAdapter struct {
	cfg     config.PullConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Logger
}

// NewPullAdapter initializes a pull adapter from its provider block
func NewPullAdapter(cfg config.PullConfig, log *logrus.Logger) *PullAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PullAdapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		breaker: newBreaker(string(models.ProviderMobilePull), cfg.Breaker, log),
		log:     log,
	}
}

// PullMetadata records the aggregator's own status vocabulary.
type PullMetadata struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	MSISDN        string `json:"msisdn,omitempty"`
	Via           string `json:"via"`
}

// MetadataKind implements models.Metadata
func (PullMetadata) MetadataKind() string { return string(models.ProviderMobilePull) }

// Name implements Adapter
func (a *PullAdapter) Name() models.Provider { return models.ProviderMobilePull }

// Direction implements Adapter
func (a *PullAdapter) Direction() models.Direction { return models.DirectionPull }

// buildEnvelope wraps an operation element in a SOAP 1.2 envelope
func (a *PullAdapter) buildEnvelope(operation string, fields [][2]string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	env := doc.CreateElement("soap12:Envelope")
	env.CreateAttr("xmlns:soap12", soapNamespace)

	if a.cfg.Username != "" {
		auth := env.CreateElement("soap12:Header").CreateElement("Auth")
		auth.CreateAttr("xmlns", pullNamespace)
		auth.CreateElement("Username").SetText(a.cfg.Username)
		auth.CreateElement("Password").SetText(a.cfg.Password)
	}

	op := env.CreateElement("soap12:Body").CreateElement(operation)
	op.CreateAttr("xmlns", pullNamespace)
	for _, f := range fields {
		op.CreateElement(f[0]).SetText(f[1])
	}
	return doc.WriteToBytes()
}

// sendRequest posts a SOAP envelope through the breaker
func (a *PullAdapter) sendRequest(ctx context.Context, action string, envelope []byte) ([]byte, error) {
	return guarded(a.breaker, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(envelope))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
		req.Header.Set("SOAPAction", pullNamespace+"/"+action)

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", action, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s returned status code %d", action, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s response: %w", action, err)
		}
		a.log.Debugf("Aggregator %s response: %s", action, string(body))
		return body, nil
	})
}

func findResult(raw []byte, path string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	el := doc.FindElement(path)
	if el == nil {
		return nil, fmt.Errorf("%s not found in XML", path)
	}
	return el, nil
}

func childText(el *etree.Element, name string) string {
	if c := el.FindElement("./" + name); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

// Initiate sends a DebitRequest; the aggregator then prompts the payer over USSD
func (a *PullAdapter) Initiate(ctx context.Context, req Request) (*Submission, error) {
	envelope, err := a.buildEnvelope("DebitRequest", [][2]string{
		{"MerchantID", a.cfg.MerchantID},
		{"Reference", req.InternalReference},
		{"MSISDN", req.PayerAccountRef},
		{"Amount", money.Format(req.Amount)},
		{"Currency", req.Currency},
		{"CallbackURL", a.cfg.CallbackURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build DebitRequest: %w", err)
	}

	body, err := a.sendRequest(ctx, "DebitRequest", envelope)
	if err != nil {
		return nil, err
	}
	result, err := findResult(body, "//DebitResponse")
	if err != nil {
		return nil, fmt.Errorf("failed to read DebitResponse: %w", err)
	}

	txID := childText(result, "TransactionID")
	sub := &Submission{
		ExternalReference: txID,
		ResultCode:        childText(result, "StatusCode"),
		Message:           childText(result, "StatusMessage"),
		Metadata:          PullMetadata{TransactionID: txID, Status: "SUBMITTED", MSISDN: req.PayerAccountRef, Via: "initiate"},
	}
	if sub.ResultCode == "0" && txID != "" {
		sub.Outcome = OutcomeAccepted
	} else {
		sub.Outcome = OutcomeRejected
	}
	a.log.Infof("Pull submission %s answered %s (%s)", req.InternalReference, sub.ResultCode, sub.Message)
	return sub, nil
}

// Poll asks the aggregator for the status of a transaction
func (a *PullAdapter) Poll(ctx context.Context, externalRef string) (*models.ProviderEvent, error) {
	envelope, err := a.buildEnvelope("TransactionStatusRequest", [][2]string{
		{"MerchantID", a.cfg.MerchantID},
		{"TransactionID", externalRef},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build TransactionStatusRequest: %w", err)
	}
	body, err := a.sendRequest(ctx, "TransactionStatusRequest", envelope)
	if err != nil {
		return nil, err
	}
	result, err := findResult(body, "//TransactionStatusResponse")
	if err != nil {
		return nil, fmt.Errorf("failed to read TransactionStatusResponse: %w", err)
	}
	ev, err := a.eventFrom(result, "poll")
	if err != nil {
		return nil, err
	}
	if ev.ExternalReference == "" {
		ev.ExternalReference = externalRef
	}
	return ev, nil
}

// ParseCallback verifies and normalizes a PaymentNotification
func (a *PullAdapter) ParseCallback(_ context.Context, raw []byte, header http.Header) *models.ProviderEvent {
	if !utils.VerifyHMAC(raw, header.Get(SignatureHeader), a.cfg.SigningSecret) {
		a.log.Warnf("Rejected pull callback with missing or invalid signature")
		return nil
	}
	result, err := findResult(raw, "//PaymentNotification")
	if err != nil {
		a.log.Warnf("Malformed pull callback: %v", err)
		return nil
	}
	ev, err := a.eventFrom(result, "callback")
	if err != nil {
		a.log.Warnf("Unusable pull callback: %v", err)
		return nil
	}
	if ev.ExternalReference == "" {
		a.log.Warnf("Pull callback without TransactionID")
		return nil
	}
	return ev
}

func (a *PullAdapter) eventFrom(el *etree.Element, via string) (*models.ProviderEvent, error) {
	status := strings.ToUpper(childText(el, "Status"))
	ev := &models.ProviderEvent{
		Provider:          models.ProviderMobilePull,
		ExternalReference: childText(el, "TransactionID"),
		InternalReference: childText(el, "Reference"),
		Currency:          strings.ToUpper(childText(el, "Currency")),
		PayerAccountRef:   childText(el, "MSISDN"),
		ResultCode:        childText(el, "ResultCode"),
		ResultDescription: childText(el, "Description"),
		OccurredAt:        parseTimestamp(childText(el, "Timestamp")),
	}
	switch status {
	case "SUCCESSFUL":
		ev.Status = models.EventSuccess
	case "FAILED":
		ev.Status = models.EventFailed
	case "PENDING":
		ev.Status = models.EventPending
	default:
		return nil, fmt.Errorf("unknown aggregator status %q", status)
	}
	if raw := childText(el, "Amount"); raw != "" {
		amount, err := money.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", raw, err)
		}
		if amount.IsNegative() || !money.HasScale(amount) || (ev.Status == models.EventSuccess && amount.IsZero()) {
			return nil, fmt.Errorf("bad amount %q: must be positive with at most 2 decimal places", raw)
		}
		ev.Amount = amount
	}
	ev.Metadata = PullMetadata{TransactionID: ev.ExternalReference, Status: status, MSISDN: ev.PayerAccountRef, Via: via}
	return ev, nil
}

// Acknowledge implements Adapter
func (a *PullAdapter) Acknowledge() Ack {
	return Ack{ContentType: "application/xml", Body: []byte(`<Ack><Status>OK</Status></Ack>`)}
}
