package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// ErrNotConfigured is returned by Send when host or credentials are missing.
var ErrNotConfigured = errors.New("mailer: smtp credentials not configured")

// SMTPMailer sends HTML mail through an authenticated SMTP relay. The
// connection is upgraded with STARTTLS whenever the server offers it.
type SMTPMailer struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	Timeout  time.Duration
}

// Configured reports whether Send can attempt delivery.
func (m *SMTPMailer) Configured() bool {
	return m.Host != "" && m.User != "" && m.Password != ""
}

func (m *SMTPMailer) from() string {
	if m.From != "" {
		return m.From
	}
	return m.User
}

// Send delivers one HTML message. The context bounds the whole SMTP dialogue.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if !m.Configured() {
		return ErrNotConfigured
	}

	msg, err := m.message(to, subject, htmlBody)
	if err != nil {
		return err
	}
	client, err := m.client()
	if err != nil {
		return err
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", to, err)
	}
	return nil
}

// message builds the MIME message with Date and Message-ID set.
func (m *SMTPMailer) message(to, subject, htmlBody string) (*mail.Msg, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, errors.New("mailer: empty recipient")
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from()); err != nil {
		return nil, fmt.Errorf("mailer: from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("mailer: recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextHTML, htmlBody)
	return msg, nil
}

func (m *SMTPMailer) client() (*mail.Client, error) {
	port := m.Port
	if port == 0 {
		port = 587
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c, err := mail.NewClient(m.Host,
		mail.WithPort(port),
		mail.WithTimeout(timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.User),
		mail.WithPassword(m.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("mailer: client: %w", err)
	}
	return c, nil
}
