package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/models"
)

// Notifier publishes payment outcomes to downstream systems.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, ev models.PaymentConfirmedEvent) error
	PaymentFailed(ctx context.Context, ev models.PaymentFailedEvent) error
}

// Alerter reaches a human operator.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// LogNotifier writes outbound events to the log when no broker is configured
type LogNotifier struct {
	log *logrus.Logger
}

// NewLogNotifier creates a notifier backed by the logger
func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// PaymentConfirmed implements Notifier
func (n *LogNotifier) PaymentConfirmed(_ context.Context, ev models.PaymentConfirmedEvent) error {
	n.log.WithFields(logrus.Fields{
		"loan_id":    ev.LoanID,
		"payment_id": ev.PaymentID,
		"intent_id":  ev.IntentID,
		"amount":     ev.Amount.StringFixed(2),
	}).Info("payment.confirmed")
	return nil
}

// PaymentFailed implements Notifier
func (n *LogNotifier) PaymentFailed(_ context.Context, ev models.PaymentFailedEvent) error {
	n.log.WithFields(logrus.Fields{"intent_id": ev.IntentID, "reason": ev.Reason}).Info("payment.failed")
	return nil
}

// LogAlerter writes operator alerts to the log when SMTP is not configured
type LogAlerter struct {
	log *logrus.Logger
}

// NewLogAlerter creates an alerter backed by the logger
func NewLogAlerter(log *logrus.Logger) *LogAlerter {
	return &LogAlerter{log: log}
}

// Alert implements Alerter
func (a *LogAlerter) Alert(_ context.Context, subject, body string) error {
	a.log.WithField("subject", subject).Warn(body)
	return nil
}
