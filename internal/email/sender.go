// Package email delivers outbound negotiation letters through SMTP, Resend or
// SendGrid.
package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/debt-negotiator/negotiator/internal/config"
)

type Message struct {
	To      string
	From    string
	Subject string
	Body    string
	// InReplyTo threads the letter under the creditor's message.
	InReplyTo string
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

func NewSender(cfg config.EmailConfig) (Sender, error) {
	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg.SMTP, cfg.From), nil
	case "resend":
		if cfg.Resend.APIKey == "" {
			return nil, fmt.Errorf("resend: %w", config.ErrMissingCredentials)
		}
		return NewResendSender(cfg.Resend.APIKey), nil
	case "sendgrid":
		if cfg.SendGrid.APIKey == "" {
			return nil, fmt.Errorf("sendgrid: %w", config.ErrMissingCredentials)
		}
		return NewSendGridSender(cfg.SendGrid.APIKey), nil
	}
	return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") || strings.ContainsAny(msg.InReplyTo, "\r\n") {
		return fmt.Errorf("header contains invalid characters")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return fmt.Errorf("message body is empty")
	}
	return nil
}

// newMessageID returns an RFC 5322 Message-ID in the sender's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if addr, err := mail.ParseAddress(from); err == nil {
		if i := strings.LastIndexByte(addr.Address, '@'); i >= 0 {
			domain = addr.Address[i+1:]
		}
	}
	return fmt.Sprintf("<%s@%s>", strings.ToLower(ulid.Make().String()), domain)
}

// DryRunSender logs letters instead of delivering them.
type DryRunSender struct {
	logger *zap.Logger
}

func NewDryRunSender(logger *zap.Logger) *DryRunSender {
	return &DryRunSender{logger: logger}
}

func (d *DryRunSender) Name() string { return "dry-run" }

func (d *DryRunSender) Send(_ context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}
	id := newMessageID(msg.From)
	d.logger.Info("Dry run: letter not delivered",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("message_id", id),
		zap.Int("body_bytes", len(msg.Body)))
	return Result{Success: true, MessageID: id}
}
