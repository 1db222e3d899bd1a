// smtp.go
//
// Mailer interface and SMTPMailer implementation.
// Messages are composed with gomail; delivery goes through our own dialer so STARTTLS
// is mandatory rather than opportunistic.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"gopkg.in/gomail.v2"
)

// Kind selects the wording of an OTP email.
type Kind string

const (
	KindVerification  Kind = "verification"
	KindPasswordReset Kind = "password_reset"
)

// Mailer sends one-time codes.
type Mailer interface {
	// SendOTP emails code to toEmail. expiresIn is shown to the recipient.
	SendOTP(ctx context.Context, toEmail, code string, kind Kind, expiresIn time.Duration) error
}

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
}

// SMTPMailer sends email via SMTP.
// Compatible with any SMTP provider: SES, Mailgun, Mailpit (local dev), etc.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer with the given config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// NopMailer drops outbound email. Used when SMTP is not configured.
type NopMailer struct{}

// SendOTP logs that a message was suppressed. The code itself is never logged.
func (n *NopMailer) SendOTP(_ context.Context, toEmail, _ string, kind Kind, _ time.Duration) error {
	slog.Warn("smtp not configured, otp email dropped", "to", toEmail, "kind", kind)
	return nil
}

// render returns the subject and plain-text body for kind.
func render(kind Kind, code string, expiresIn time.Duration) (string, string) {
	mins := formatMinutes(expiresIn)
	switch kind {
	case KindPasswordReset:
		return "Your YUNHAverse password reset code",
			fmt.Sprintf("Your password reset code is %s. It expires in %s.", code, mins)
	default:
		return "Your YUNHAverse verification code",
			fmt.Sprintf("Your verification code is %s. It expires in %s.", code, mins)
	}
}

// formatMinutes renders d as "N minutes", rounding up so a 90s TTL reads "2 minutes".
func formatMinutes(d time.Duration) string {
	mins := int((d + time.Minute - 1) / time.Minute)
	if mins <= 1 {
		return "1 minute"
	}
	return strconv.Itoa(mins) + " minutes"
}

// buildMessage composes the gomail message for an OTP email.
func (m *SMTPMailer) buildMessage(toEmail, code string, kind Kind, expiresIn time.Duration) *gomail.Message {
	subject, body := render(kind, code, expiresIn)
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.FromAddress)
	msg.SetHeader("To", toEmail)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return msg
}

// SendOTP emails code to toEmail.
func (m *SMTPMailer) SendOTP(ctx context.Context, toEmail, code string, kind Kind, expiresIn time.Duration) error {
	msg := m.buildMessage(toEmail, code, kind, expiresIn)
	sender := gomail.SendFunc(func(from string, to []string, w io.WriterTo) error {
		return m.deliver(ctx, from, to, w)
	})
	if err := gomail.Send(sender, msg); err != nil {
		return fmt.Errorf("sending %s email: %w", kind, err)
	}
	return nil
}

// deliver dials the SMTP server, enforces STARTTLS (rejects plaintext sessions),
// authenticates, and writes the message. The connection respects ctx cancellation.
func (m *SMTPMailer) deliver(ctx context.Context, from string, to []string, w io.WriterTo) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	conn, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	// Enforce STARTTLS -- reject the session if server does not advertise it.
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO: %w", err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.WriteTo(wc); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}
