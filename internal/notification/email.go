package notification

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// EmailSender sends one transactional email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// EmailService handles sending emails via Resend
type EmailService struct {
	client    *resend.Client
	fromEmail string
	// redirectTo overrides every recipient, for development.
	redirectTo string
}

func NewEmailService(apiKey, from, redirectTo string) *EmailService {
	if from == "" {
		from = "onboarding@resend.dev"
	}
	return &EmailService{
		client:     resend.NewClient(apiKey),
		fromEmail:  from,
		redirectTo: redirectTo,
	}
}

func (s *EmailService) SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) error {
	recipient := to
	if s.redirectTo != "" {
		recipient = s.redirectTo
		subject = fmt.Sprintf("[DEV-REDIRECT] %s (Original: %s)", subject, to)
	}

	params := &resend.SendEmailRequest{
		From:    s.fromEmail,
		To:      []string{recipient},
		Subject: subject,
		Html:    htmlBody,
		Text:    textBody,
	}

	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send email via Resend: %w", err)
	}
	return nil
}

// EmailDriver delivers to addresses registered on the email channel.
// Every failure is transient; addresses are never pruned.
type EmailDriver struct {
	sender  EmailSender
	appName string
}

func NewEmailDriver(sender EmailSender, appName string) *EmailDriver {
	return &EmailDriver{sender: sender, appName: appName}
}

func (d *EmailDriver) Channel() Channel {
	return ChannelEmail
}

func (d *EmailDriver) Deliver(ctx context.Context, msg Message, targets []Target) (Result, error) {
	html, err := RenderEmail(d.appName, msg)
	if err != nil {
		return nil, err
	}
	text, err := RenderText(msg)
	if err != nil {
		return nil, err
	}

	outcomes := make([]TokenOutcome, len(targets))
	for i, t := range targets {
		outcomes[i] = TokenOutcome{Token: t.Token}
		if err := ctx.Err(); err != nil {
			outcomes[i].Reason = err.Error()
			continue
		}
		if err := d.sender.SendEmail(ctx, t.Token, msg.Title, html, text); err != nil {
			outcomes[i].Reason = err.Error()
			continue
		}
		outcomes[i].Success = true
	}
	return PerTokenResult{Outcomes: outcomes}, nil
}
