package email

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/loan-payments/internal/config"
)

// Sender delivers operator alerts via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	s := &Sender{
		cfg:    cfg,
		logger: logger,
	}
	s.send = s.smtpSend
	return s
}

// Alert mails the subject and body to every configured recipient
func (s *Sender) Alert(_ context.Context, subject, body string) error {
	if len(s.cfg.AlertRecipients) == 0 {
		return errors.New("no alert recipients configured")
	}

	e := s.message(subject, body)
	if err := s.send(e); err != nil {
		s.logger.Errorf("Failed to send alert %q: %v", subject, err)
		return fmt.Errorf("failed to send alert: %w", err)
	}

	s.logger.Infof("Alert sent to %d recipients: %s", len(e.To), e.Subject)
	return nil
}

func (s *Sender) message(subject, body string) *email.Email {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = append([]string(nil), s.cfg.AlertRecipients...)
	e.Subject = "[loan-payments] " + subject
	e.Text = []byte(body + "\n\nLoan Payments")
	return e
}

func (s *Sender) smtpSend(e *email.Email) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	return e.Send(addr, auth)
}
