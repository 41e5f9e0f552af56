// Package mailer delivers account mail (verification, recovery, OTP removal)
// without ever blocking the request path. Sends retry with exponential
// backoff; a send that exhausts its retries is logged and dropped.
package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	gomail "gopkg.in/mail.v2"
)

const (
	sendTimeout = 30 * time.Second
	maxRetries  = 5
	maxInterval = 30 * time.Second
)

// Message is one outbound account mail. Title, Button, and Subtext shape the
// HTML body; Text is the plaintext alternative.
type Message struct {
	To      string
	Subject string
	Text    string
	Title   string
	Button  *Button
	Subtext string
}

// Button is the call-to-action link embedded in account mail.
type Button struct {
	Text string
	Link string
}

// Mailer sends account mail.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer delivers through a mail relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	sender string
	logger zerolog.Logger
}

// NewSMTPMailer constructs a mailer over the given relay.
func NewSMTPMailer(host string, port int, username, password, sender string, logger zerolog.Logger) *SMTPMailer {
	dialer := gomail.NewDialer(host, port, username, password)
	dialer.Timeout = sendTimeout
	return &SMTPMailer{
		dialer: dialer,
		sender: sender,
		logger: logger.With().Str("component", "mailer").Logger(),
	}
}

func (m *SMTPMailer) build(msg Message) *gomail.Message {
	out := gomail.NewMessage()
	out.SetHeader("From", m.sender)
	out.SetHeader("To", msg.To)
	out.SetHeader("Subject", msg.Subject)
	out.SetBody("text/plain", msg.Text)
	out.AddAlternative("text/html", renderHTML(msg))
	return out
}

// Send delivers msg, retrying with exponential backoff capped at 30s for up
// to 5 attempts.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxInterval

	out := m.build(msg)
	err := backoff.Retry(func() error {
		return m.dialer.DialAndSend(out)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}

	m.logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("mail sent")
	return nil
}

// LogMailer logs mail instead of sending it. Used in the local and test
// environments.
type LogMailer struct {
	logger zerolog.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With().Str("component", "mailer").Logger()}
}

// Send logs the message.
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	event := m.logger.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("text", msg.Text)
	if msg.Button != nil {
		event = event.Str("link", msg.Button.Link)
	}
	event.Msg("mail (local environment, not sent)")
	return nil
}

func renderHTML(msg Message) string {
	title := msg.Title
	if title == "" {
		title = msg.Subject
	}
	body := "<h1>" + title + "</h1><p>" + msg.Text + "</p>"
	if msg.Button != nil {
		body += fmt.Sprintf(`<p><a href="%s">%s</a></p>`, msg.Button.Link, msg.Button.Text)
	}
	if msg.Subtext != "" {
		body += "<p><small>" + msg.Subtext + "</small></p>"
	}
	return body
}
