package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/outboundhq/sequence-engine/internal/domain"
	"gopkg.in/gomail.v2"
)

const defaultSendTimeout = 30 * time.Second

// SMTPTransport delivers email over each account's own SMTP server. A fresh
// dialer per send keeps credentials scoped to the account and avoids sharing
// connections across identities.
type SMTPTransport struct {
	timeout time.Duration
	// dialAndSend is swapped in tests.
	dialAndSend func(d *gomail.Dialer, m *gomail.Message) error
}

func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{
		timeout: defaultSendTimeout,
		dialAndSend: func(d *gomail.Dialer, m *gomail.Message) error {
			return d.DialAndSend(m)
		},
	}
}

func (t *SMTPTransport) SetTimeout(timeout time.Duration) {
	if t == nil || timeout <= 0 {
		return
	}
	t.timeout = timeout
}

func (t *SMTPTransport) Send(ctx context.Context, account domain.SendingAccount, email Email) (*Receipt, error) {
	if err := account.Validate(); err != nil {
		return nil, &SendError{Code: CodeRejected, Message: "invalid sending account", Permanent: true, Cause: err}
	}
	if strings.TrimSpace(email.To) == "" {
		return nil, &SendError{Code: CodeInvalidRecipient, Message: "recipient is required", Permanent: true}
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain.EmailDomain(account.FromEmail))

	m := gomail.NewMessage()
	if account.FromName != "" {
		m.SetHeader("From", m.FormatAddress(account.FromEmail, account.FromName))
	} else {
		m.SetHeader("From", account.FromEmail)
	}
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	for key, value := range email.Headers {
		m.SetHeader(key, value)
	}
	m.SetBody("text/html", email.Body)

	d := gomail.NewDialer(account.SMTPHost, account.SMTPPort, account.SMTPUsername, account.SMTPPassword)
	switch strings.ToUpper(account.Encryption) {
	case "SSL", "TLS":
		d.SSL = true
	case "NONE":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: account.SMTPHost}
	}

	done := make(chan error, 1)
	go func() {
		done <- t.dialAndSend(d, m)
	}()

	timeout := t.timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return nil, classifySMTP(err)
		}
		return &Receipt{MessageID: messageID}, nil
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return nil, &SendError{Code: CodeTimeout, Message: "send cancelled", Permanent: true, Cause: ctx.Err()}
		}
		return nil, &SendError{Code: CodeTimeout, Message: "send deadline exceeded", Cause: ctx.Err()}
	case <-timer.C:
		return nil, &SendError{Code: CodeTimeout, Message: "smtp dial timed out"}
	}
}
